package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"marketplace/internal/idempotency"
	"marketplace/internal/ledger"
	"marketplace/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseMovesPriceFromBuyerToSeller(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("buyer", "buyer", dec("2500"), false)
	env.mem.SeedAccount("seller", "seller", dec("50"), false)
	env.seedFile("f1", "seller", "100")

	result, err := env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "f1"})
	require.NoError(t, err)

	assert.Equal(t, "purchased", result.Status)
	assert.Equal(t, "2400.00", result.Balance.StringFixed(2))
	assert.Equal(t, "2400.00", env.mem.Balance("buyer").StringFixed(2))
	assert.Equal(t, "150.00", env.mem.Balance("seller").StringFixed(2))

	buyerLegs := env.mem.TransactionsFor("buyer")
	require.Len(t, buyerLegs, 2)
	debit := buyerLegs[1]
	assert.Equal(t, models.KindPurchase, debit.Kind)
	assert.Equal(t, "-100.00", debit.Amount.StringFixed(2))
	assert.Equal(t, "2400.00", debit.BalanceAfter.StringFixed(2))
	assert.Equal(t, `Purchased "File f1"`, debit.Description)

	sellerLegs := env.mem.TransactionsFor("seller")
	require.Len(t, sellerLegs, 2)
	credit := sellerLegs[1]
	assert.Equal(t, models.KindSale, credit.Kind)
	assert.Equal(t, "100.00", credit.Amount.StringFixed(2))
	assert.Equal(t, "150.00", credit.BalanceAfter.StringFixed(2))
	assert.Equal(t, debit.TransferID, credit.TransferID)
	assert.Equal(t, result.TransferID, debit.TransferID)

	purchases := env.mem.PurchasesFor("buyer")
	require.Len(t, purchases, 1)
	assert.Equal(t, "seller", purchases[0].SellerID)
	require.NotNil(t, purchases[0].TransferID)
	assert.Equal(t, result.TransferID, *purchases[0].TransferID)

	assert.Len(t, env.mem.NotificationsFor("buyer"), 1)
	sellerNotes := env.mem.NotificationsFor("seller")
	require.Len(t, sellerNotes, 1)
	assert.Equal(t, "New Sale!", sellerNotes[0].Title)

	assert.Equal(t, 1, env.events.count())
	assertLedgerMatchesBalances(t, env, "buyer", "seller")
}

func TestPurchaseTwiceReportsAlreadyOwned(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("buyer", "buyer", dec("2500"), false)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.seedFile("f1", "seller", "100")

	_, err := env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "f1"})
	require.NoError(t, err)
	_, err = env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "f1"})
	require.ErrorIs(t, err, ErrAlreadyOwned)

	assert.Equal(t, "2400.00", env.mem.Balance("buyer").StringFixed(2))
	assert.Len(t, env.mem.PurchasesFor("buyer"), 1)
	assert.Equal(t, 1, env.events.count())
}

func TestPurchaseInsufficientFundsWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("buyer", "buyer", dec("40"), false)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.seedFile("f1", "seller", "100")
	before := len(env.mem.AllTransactions())

	_, err := env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "f1"})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	var insufficient *ledger.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "60.00", insufficient.Shortfall().StringFixed(2))

	assert.Equal(t, "40.00", env.mem.Balance("buyer").StringFixed(2))
	assert.Equal(t, "0.00", env.mem.Balance("seller").StringFixed(2))
	assert.Len(t, env.mem.AllTransactions(), before)
	assert.Empty(t, env.mem.PurchasesFor("buyer"))
	assert.Empty(t, env.mem.NotificationsFor("buyer"))
	assert.Zero(t, env.events.count())
}

func TestPurchaseRollsBackWhenAnyWriteFails(t *testing.T) {
	cases := []struct {
		name string
		op   string
		nth  int
	}{
		{name: "seller leg", op: "transactions.insert", nth: 2},
		{name: "seller balance", op: "accounts.set_balance", nth: 2},
		{name: "purchase row", op: "purchases.insert", nth: 1},
		{name: "notification", op: "notifications.insert", nth: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.mem.SeedAccount("buyer", "buyer", dec("2500"), false)
			env.mem.SeedAccount("seller", "seller", dec("50"), false)
			env.seedFile("f1", "seller", "100")
			before := len(env.mem.AllTransactions())

			calls := 0
			env.mem.FailWhen(func(op string) error {
				if op != tc.op {
					return nil
				}
				calls++
				if calls == tc.nth {
					return errors.New("disk full")
				}
				return nil
			})

			_, err := env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "f1"})
			require.ErrorIs(t, err, ledger.ErrPersistence)

			assert.Equal(t, "2500.00", env.mem.Balance("buyer").StringFixed(2))
			assert.Equal(t, "50.00", env.mem.Balance("seller").StringFixed(2))
			assert.Len(t, env.mem.AllTransactions(), before)
			assert.Empty(t, env.mem.PurchasesFor("buyer"))
			assert.Empty(t, env.mem.NotificationsFor("buyer"))
			assert.Zero(t, env.events.count())
		})
	}
}

func TestAdminPurchaseNeverDebits(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("admin", "admin", dec("0"), true)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.seedFile("f1", "seller", "999999")

	result, err := env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: "admin", ArtifactID: "f1"})
	require.NoError(t, err)

	assert.True(t, env.mem.Balance("admin").IsZero())
	assert.True(t, result.Balance.IsZero())
	assert.Equal(t, "999999.00", env.mem.Balance("seller").StringFixed(2))
	assert.Empty(t, env.mem.TransactionsFor("admin"))
	require.Len(t, env.mem.TransactionsFor("seller"), 1)
	assertLedgerMatchesBalances(t, env, "seller")
}

func TestPurchaseOfFreeFileWritesNoLedgerRows(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("buyer", "buyer", dec("10"), false)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.seedFile("free", "seller", "0")
	before := len(env.mem.AllTransactions())

	result, err := env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "free"})
	require.NoError(t, err)
	assert.Empty(t, result.TransferID)
	assert.Equal(t, "10.00", result.Balance.StringFixed(2))
	assert.Len(t, env.mem.AllTransactions(), before)
	require.Len(t, env.mem.PurchasesFor("buyer"), 1)
	assert.Nil(t, env.mem.PurchasesFor("buyer")[0].TransferID)
}

func TestPurchaseRejectsBadTargets(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("buyer", "buyer", dec("100"), false)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.seedFile("f1", "seller", "10")
	env.seedFile("mine", "buyer", "10")
	env.mem.SeedFile(models.File{ID: "hidden", SellerID: "seller", Price: dec("10")})

	cases := []struct {
		buyer, file string
		want        error
	}{
		{"buyer", "missing", ErrArtifactNotFound},
		{"buyer", "hidden", ErrArtifactNotFound},
		{"buyer", "mine", ErrOwnArtifact},
		{"ghost", "f1", ledger.ErrAccountNotFound},
	}
	for _, tc := range cases {
		_, err := env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: tc.buyer, ArtifactID: tc.file})
		assert.ErrorIs(t, err, tc.want, "%s buying %s", tc.buyer, tc.file)
	}
	assert.Equal(t, "100.00", env.mem.Balance("buyer").StringFixed(2))
}

func TestPurchaseExpectedPriceMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("buyer", "buyer", dec("500"), false)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.seedFile("f1", "seller", "120")

	shown := dec("100")
	_, err := env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "f1", ExpectedPrice: &shown})
	require.ErrorIs(t, err, ErrPriceChanged)
	var changed *PriceChangedError
	require.True(t, errors.As(err, &changed))
	assert.Equal(t, "120.00", changed.Current.StringFixed(2))
	assert.Equal(t, "500.00", env.mem.Balance("buyer").StringFixed(2))

	current := dec("120.00")
	_, err = env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "f1", ExpectedPrice: &current})
	require.NoError(t, err)
	assert.Equal(t, "380.00", env.mem.Balance("buyer").StringFixed(2))
}

func TestPurchaseIdempotencyKeyReplaysResult(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("buyer", "buyer", dec("500"), false)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.seedFile("f1", "seller", "100")
	env.seedFile("f2", "seller", "100")

	req := PurchaseRequest{BuyerID: "buyer", ArtifactID: "f1", IdempotencyKey: "k-1"}
	first, err := env.purchases.Purchase(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := env.purchases.Purchase(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransferID, second.TransferID)
	assert.Equal(t, first.Balance.StringFixed(2), second.Balance.StringFixed(2))

	assert.Equal(t, "400.00", env.mem.Balance("buyer").StringFixed(2))
	assert.Equal(t, 1, env.events.count())

	_, err = env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "f2", IdempotencyKey: "k-1"})
	require.ErrorIs(t, err, idempotency.ErrKeyReused)

	_, err = env.purchases.PurchaseBundle(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "f1", IdempotencyKey: "k-1"})
	require.ErrorIs(t, err, idempotency.ErrKeyReused)
	assert.Equal(t, "400.00", env.mem.Balance("buyer").StringFixed(2))
}

func TestBundleSplitsFullPriceOverNewFiles(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("buyer", "buyer", dec("2500"), false)
	env.mem.SeedAccount("creator", "creator", dec("0"), false)
	for _, id := range []string{"a", "b", "c"} {
		env.seedFile(id, "creator", "100")
	}
	env.mem.SeedBundle(models.Bundle{ID: "bundle", CreatorID: "creator", Title: "Starter", OriginalPrice: dec("300"), DiscountPercentage: 20, IsActive: true}, "a", "b", "c")
	env.mem.SeedPurchase(models.Purchase{ID: "p0", BuyerID: "buyer", SellerID: "creator", ArtifactID: "b", Amount: dec("0")})

	result, err := env.purchases.PurchaseBundle(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "bundle"})
	require.NoError(t, err)

	// 300 at 20% off is 240, charged in full and spread over the two new files.
	assert.Equal(t, "240.00", result.Amount.StringFixed(2))
	assert.Equal(t, []string{"a", "c"}, result.PurchasedFileIDs)
	assert.Equal(t, []string{"b"}, result.SkippedFileIDs)
	assert.Equal(t, "2260.00", env.mem.Balance("buyer").StringFixed(2))
	assert.Equal(t, "240.00", env.mem.Balance("creator").StringFixed(2))

	purchases := env.mem.PurchasesFor("buyer")
	require.Len(t, purchases, 3)
	for _, p := range purchases[1:] {
		require.NotNil(t, p.BundleID)
		assert.Equal(t, "bundle", *p.BundleID)
		assert.Equal(t, "120.00", p.Amount.StringFixed(2))
	}
	assertLedgerMatchesBalances(t, env, "buyer", "creator")

	_, err = env.purchases.PurchaseBundle(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "bundle"})
	require.ErrorIs(t, err, ErrAlreadyOwned)
	assert.Equal(t, "2260.00", env.mem.Balance("buyer").StringFixed(2))
}

func TestBundleRowsSumToCharge(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("buyer", "buyer", dec("2500"), false)
	env.mem.SeedAccount("creator", "creator", dec("0"), false)
	for _, id := range []string{"a", "b", "c"} {
		env.seedFile(id, "creator", "10")
	}
	env.mem.SeedBundle(models.Bundle{ID: "bundle", CreatorID: "creator", Title: "Odd", OriginalPrice: dec("100"), IsActive: true}, "a", "b", "c")

	result, err := env.purchases.PurchaseBundle(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "bundle"})
	require.NoError(t, err)

	sum := dec("0")
	var amounts []string
	for _, p := range env.mem.PurchasesFor("buyer") {
		sum = sum.Add(p.Amount)
		amounts = append(amounts, p.Amount.StringFixed(2))
	}
	assert.Equal(t, []string{"33.34", "33.33", "33.33"}, amounts)
	assert.True(t, sum.Equal(result.Amount))
}

func TestBundleEdgeCases(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("buyer", "buyer", dec("2500"), false)
	env.mem.SeedAccount("creator", "creator", dec("0"), false)
	env.mem.SeedBundle(models.Bundle{ID: "empty", CreatorID: "creator", OriginalPrice: dec("10"), IsActive: true})
	env.mem.SeedBundle(models.Bundle{ID: "retired", CreatorID: "creator", OriginalPrice: dec("10")})
	env.mem.SeedBundle(models.Bundle{ID: "own", CreatorID: "buyer", OriginalPrice: dec("10"), IsActive: true})

	_, err := env.purchases.PurchaseBundle(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "empty"})
	assert.ErrorIs(t, err, ErrEmptyBundle)
	_, err = env.purchases.PurchaseBundle(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "retired"})
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	_, err = env.purchases.PurchaseBundle(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "own"})
	assert.ErrorIs(t, err, ErrOwnArtifact)
	_, err = env.purchases.PurchaseBundle(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "nope"})
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestEnrollCourse(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("student", "student", dec("300"), false)
	env.mem.SeedAccount("instructor", "instructor", dec("0"), false)
	env.mem.SeedCourse(models.Course{ID: "go101", CreatorID: "instructor", Title: "Go 101", Price: dec("250"), IsPublished: true})
	env.mem.SeedCourse(models.Course{ID: "draft", CreatorID: "instructor", Title: "Draft", Price: dec("1")})

	result, err := env.purchases.EnrollCourse(context.Background(), PurchaseRequest{BuyerID: "student", ArtifactID: "go101"})
	require.NoError(t, err)
	assert.Equal(t, "50.00", result.Balance.StringFixed(2))
	assert.Equal(t, "250.00", env.mem.Balance("instructor").StringFixed(2))
	require.Len(t, env.mem.EnrollmentsFor("student"), 1)

	_, err = env.purchases.EnrollCourse(context.Background(), PurchaseRequest{BuyerID: "student", ArtifactID: "go101"})
	require.ErrorIs(t, err, ErrAlreadyEnrolled)
	assert.Equal(t, "50.00", env.mem.Balance("student").StringFixed(2))

	_, err = env.purchases.EnrollCourse(context.Background(), PurchaseRequest{BuyerID: "student", ArtifactID: "draft"})
	require.ErrorIs(t, err, ErrArtifactNotFound)
	assertLedgerMatchesBalances(t, env, "student", "instructor")
}

func TestConcurrentDuplicatePurchaseChargesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SeedAccount("buyer", "buyer", dec("2500"), false)
	env.mem.SeedAccount("seller", "seller", dec("0"), false)
	env.seedFile("f1", "seller", "100")

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		owned     int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: "buyer", ArtifactID: "f1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrAlreadyOwned):
				owned++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, owned)
	assert.Equal(t, "2400.00", env.mem.Balance("buyer").StringFixed(2))
	assert.Len(t, env.mem.PurchasesFor("buyer"), 1)
}

func TestConcurrentPurchasesConserveMoney(t *testing.T) {
	env := newTestEnv(t)
	users := []string{"u0", "u1", "u2", "u3", "u4", "u5"}
	for _, id := range users {
		env.mem.SeedAccount(id, id, dec("500"), false)
	}
	var files []string
	for i, seller := range users {
		for j := 0; j < 3; j++ {
			id := fmt.Sprintf("f-%d-%d", i, j)
			env.seedFile(id, seller, fmt.Sprintf("%d.%02d", 40+i*7+j, (i*13+j)%100))
			files = append(files, id)
		}
	}
	total := env.mem.TotalBalance()

	var wg sync.WaitGroup
	for _, buyer := range users {
		for _, file := range files {
			wg.Add(1)
			go func(buyer, file string) {
				defer wg.Done()
				_, err := env.purchases.Purchase(context.Background(), PurchaseRequest{BuyerID: buyer, ArtifactID: file})
				if err != nil &&
					!errors.Is(err, ErrOwnArtifact) &&
					!errors.Is(err, ErrAlreadyOwned) &&
					!errors.Is(err, ledger.ErrInsufficientFunds) {
					t.Errorf("unexpected error: %v", err)
				}
			}(buyer, file)
		}
	}
	wg.Wait()

	assert.True(t, env.mem.TotalBalance().Equal(total), "total %s, want %s", env.mem.TotalBalance(), total)
	for _, id := range users {
		assert.False(t, env.mem.Balance(id).IsNegative(), "%s went negative", id)
		seen := map[string]bool{}
		for _, p := range env.mem.PurchasesFor(id) {
			assert.False(t, seen[p.ArtifactID], "%s bought %s twice", id, p.ArtifactID)
			seen[p.ArtifactID] = true
		}
	}
	assertLedgerMatchesBalances(t, env, users...)

	sum := dec("0")
	for _, tx := range env.mem.AllTransactions() {
		if tx.Kind == models.KindPurchase || tx.Kind == models.KindSale {
			sum = sum.Add(tx.Amount)
		}
	}
	assert.True(t, sum.IsZero(), "purchase and sale legs sum to %s", sum)
}

func assertLedgerMatchesBalances(t *testing.T, env *testEnv, accountIDs ...string) {
	t.Helper()
	for _, id := range accountIDs {
		check, err := env.mem.Accounts().Check(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, check.Consistent(), "%s stored %s, ledger %s", id, check.Stored, check.Calculated)
	}
}
