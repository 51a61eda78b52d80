package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"marketplace/internal/db"
	"marketplace/internal/models"
	"marketplace/internal/money"
	"marketplace/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const minBundleFiles = 2

type CatalogStore interface {
	ArtifactStore
	CreateBundle(ctx context.Context, tx store.Execer, bundle models.Bundle) error
	AddBundleItems(ctx context.Context, tx store.Execer, bundleID string, fileIDs []string) error
}

type CreateBundleRequest struct {
	CreatorID          string
	Title              string
	FileIDs            []string
	DiscountPercentage int
}

// BundleView is a bundle with its files and the price a buyer pays today.
type BundleView struct {
	models.Bundle
	Price decimal.Decimal `json:"price"`
	Files []models.File   `json:"files"`
}

type CatalogService struct {
	txRunner  db.TxRunner
	artifacts CatalogStore
	logger    *slog.Logger
	newID     func() string
}

func NewCatalogService(txRunner db.TxRunner, artifacts CatalogStore, logger *slog.Logger) *CatalogService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogService{
		txRunner:  txRunner,
		artifacts: artifacts,
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// CreateBundle groups files the creator sells into a discounted bundle. The
// list price is the sum of the file prices, read inside the same transaction
// that writes the bundle and its items.
func (s *CatalogService) CreateBundle(ctx context.Context, req CreateBundleRequest) (BundleView, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return BundleView{}, fmt.Errorf("%w: title is required", ErrInvalidBundle)
	}
	if req.DiscountPercentage < 0 || req.DiscountPercentage > 100 {
		return BundleView{}, fmt.Errorf("%w: discount_percentage must be between 0 and 100", ErrInvalidBundle)
	}
	fileIDs, err := distinctIDs(req.FileIDs)
	if err != nil {
		return BundleView{}, err
	}

	var view BundleView
	err = s.txRunner.WithTx(ctx, func(tx store.Tx) error {
		files := make([]models.File, 0, len(fileIDs))
		original := decimal.Zero
		for _, id := range fileIDs {
			file, err := s.artifacts.GetFile(ctx, tx, id)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("%w: file %s", ErrArtifactNotFound, id)
				}
				return err
			}
			if file.SellerID != req.CreatorID {
				return fmt.Errorf("%w: file %s", ErrNotFileOwner, id)
			}
			if !file.IsActive {
				return fmt.Errorf("%w: file %s is not active", ErrInvalidBundle, id)
			}
			original = original.Add(file.Price)
			files = append(files, file)
		}

		bundle := models.Bundle{
			ID:                 s.newID(),
			CreatorID:          req.CreatorID,
			Title:              title,
			OriginalPrice:      original,
			DiscountPercentage: req.DiscountPercentage,
			IsActive:           true,
		}
		if err := s.artifacts.CreateBundle(ctx, tx, bundle); err != nil {
			return err
		}
		if err := s.artifacts.AddBundleItems(ctx, tx, bundle.ID, fileIDs); err != nil {
			return err
		}
		view = BundleView{
			Bundle: bundle,
			Price:  money.BundlePrice(bundle.OriginalPrice, bundle.DiscountPercentage),
			Files:  files,
		}
		return nil
	})
	if err != nil {
		return BundleView{}, classify(err)
	}
	s.logger.Info("bundle created",
		slog.String("bundle_id", view.ID),
		slog.String("creator_id", view.CreatorID),
		slog.Int("files", len(view.Files)),
		slog.String("price", money.Format(view.Price)),
	)
	return view, nil
}

func (s *CatalogService) Bundle(ctx context.Context, bundleID string) (BundleView, error) {
	var view BundleView
	err := s.txRunner.WithTx(ctx, func(tx store.Tx) error {
		bundle, err := s.artifacts.GetBundle(ctx, tx, bundleID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrArtifactNotFound
			}
			return err
		}
		files, err := s.artifacts.BundleFiles(ctx, tx, bundleID)
		if err != nil {
			return err
		}
		view = BundleView{
			Bundle: bundle,
			Price:  money.BundlePrice(bundle.OriginalPrice, bundle.DiscountPercentage),
			Files:  files,
		}
		return nil
	})
	if err != nil {
		return BundleView{}, classify(err)
	}
	return view, nil
}

// distinctIDs trims ids and rejects blanks, duplicates and bundles that are
// too small to be worth a discount.
func distinctIDs(ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, fmt.Errorf("%w: blank file id", ErrInvalidBundle)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: file %s listed twice", ErrInvalidBundle, id)
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) < minBundleFiles {
		return nil, fmt.Errorf("%w: a bundle needs at least %d files", ErrInvalidBundle, minBundleFiles)
	}
	return out, nil
}
