package services

import (
	"context"
	"errors"
	"testing"

	"marketplace/internal/ledger"
	"marketplace/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBundleSumsFilePrices(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.seedFile("a", "seller", "100")
	env.seedFile("b", "seller", "120.50")
	env.seedFile("c", "seller", "79.50")

	view, err := env.catalog.CreateBundle(context.Background(), CreateBundleRequest{
		CreatorID:          "seller",
		Title:              "  Starter pack ",
		FileIDs:            []string{"c", "a", "b"},
		DiscountPercentage: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, "Starter pack", view.Title)
	assert.Equal(t, "300.00", view.OriginalPrice.StringFixed(2))
	assert.Equal(t, "240.00", view.Price.StringFixed(2))

	stored, err := env.catalog.Bundle(context.Background(), view.ID)
	require.NoError(t, err)
	require.Len(t, stored.Files, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{stored.Files[0].ID, stored.Files[1].ID, stored.Files[2].ID})
	assert.Equal(t, "240.00", stored.Price.StringFixed(2))
}

func TestCreatedBundleCanBeBought(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.mem.SeedAccount("buyer", "buyer", dec("500"), false)
	env.seedFile("a", "seller", "100")
	env.seedFile("b", "seller", "100")

	view, err := env.catalog.CreateBundle(context.Background(), CreateBundleRequest{
		CreatorID: "seller", Title: "Pair", FileIDs: []string{"a", "b"}, DiscountPercentage: 50,
	})
	require.NoError(t, err)

	result, err := env.purchases.PurchaseBundle(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: view.ID})
	require.NoError(t, err)
	assert.Equal(t, "100.00", result.Amount.StringFixed(2))
	assert.Equal(t, "400.00", env.mem.Balance("buyer").StringFixed(2))
	assert.Equal(t, "100.00", env.mem.Balance("seller").StringFixed(2))
}

func TestCreateBundleRejections(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.mem.SeedAccount("other", "other", dec("0"), false)
	env.seedFile("a", "seller", "10")
	env.seedFile("b", "seller", "10")
	env.seedFile("theirs", "other", "10")
	env.mem.SeedFile(models.File{ID: "retired", SellerID: "seller", Title: "Old", Price: dec("10")})

	tests := []struct {
		name string
		req  CreateBundleRequest
		want error
	}{
		{"blank title", CreateBundleRequest{CreatorID: "seller", Title: " ", FileIDs: []string{"a", "b"}}, ErrInvalidBundle},
		{"single file", CreateBundleRequest{CreatorID: "seller", Title: "x", FileIDs: []string{"a"}}, ErrInvalidBundle},
		{"duplicate file", CreateBundleRequest{CreatorID: "seller", Title: "x", FileIDs: []string{"a", "a"}}, ErrInvalidBundle},
		{"discount above 100", CreateBundleRequest{CreatorID: "seller", Title: "x", FileIDs: []string{"a", "b"}, DiscountPercentage: 101}, ErrInvalidBundle},
		{"negative discount", CreateBundleRequest{CreatorID: "seller", Title: "x", FileIDs: []string{"a", "b"}, DiscountPercentage: -1}, ErrInvalidBundle},
		{"inactive file", CreateBundleRequest{CreatorID: "seller", Title: "x", FileIDs: []string{"a", "retired"}}, ErrInvalidBundle},
		{"missing file", CreateBundleRequest{CreatorID: "seller", Title: "x", FileIDs: []string{"a", "nope"}}, ErrArtifactNotFound},
		{"someone else's file", CreateBundleRequest{CreatorID: "seller", Title: "x", FileIDs: []string{"a", "theirs"}}, ErrNotFileOwner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.catalog.CreateBundle(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateBundleRollsBackWhenItemsFail(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.seedFile("a", "seller", "10")
	env.seedFile("b", "seller", "10")
	env.mem.FailWhen(func(op string) error {
		if op == "bundle_items.insert" {
			return errors.New("connection reset")
		}
		return nil
	})

	_, err := env.catalog.CreateBundle(context.Background(), CreateBundleRequest{
		CreatorID: "seller", Title: "Pair", FileIDs: []string{"a", "b"},
	})
	require.ErrorIs(t, err, ledger.ErrPersistence)

	// newID is sequential, so the aborted bundle took the first id.
	_, err = env.catalog.Bundle(context.Background(), "id-000001")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}
