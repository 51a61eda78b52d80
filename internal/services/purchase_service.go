package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketplace/internal/db"
	"marketplace/internal/idempotency"
	"marketplace/internal/ledger"
	"marketplace/internal/models"
	"marketplace/internal/money"
	"marketplace/internal/stats"
	"marketplace/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ArtifactStore interface {
	GetFile(ctx context.Context, tx store.Getter, fileID string) (models.File, error)
	GetBundle(ctx context.Context, tx store.Getter, bundleID string) (models.Bundle, error)
	BundleFiles(ctx context.Context, tx store.Selecter, bundleID string) ([]models.File, error)
	GetCourse(ctx context.Context, tx store.Getter, courseID string) (models.Course, error)
}

type PurchaseStore interface {
	Exists(ctx context.Context, tx store.Getter, buyerID, artifactID string) (bool, error)
	OwnedAmong(ctx context.Context, tx store.Selecter, buyerID string, artifactIDs []string) ([]string, error)
	Insert(ctx context.Context, tx store.Execer, purchase models.Purchase) (bool, error)
}

type EnrollmentStore interface {
	Exists(ctx context.Context, tx store.Getter, courseID, userID string) (bool, error)
	Insert(ctx context.Context, tx store.Execer, enrollment models.Enrollment) (bool, error)
}

type PurchaseRequest struct {
	BuyerID        string           `json:"buyer_id"`
	ArtifactID     string           `json:"artifact_id"`
	ExpectedPrice  *decimal.Decimal `json:"expected_price,omitempty"`
	IdempotencyKey string           `json:"-"`
}

type PurchaseResult struct {
	Status     string          `json:"status"`
	ArtifactID string          `json:"artifact_id"`
	TransferID string          `json:"transfer_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Balance    decimal.Decimal `json:"balance"`
	// Bundle checkouts only.
	PurchasedFileIDs []string `json:"purchased_file_ids,omitempty"`
	SkippedFileIDs   []string `json:"skipped_file_ids,omitempty"`
	Replayed         bool     `json:"-"`
}

const statusPurchased = "purchased"

type PurchaseService struct {
	txRunner      db.TxRunner
	ledger        Ledger
	accounts      AccountReader
	artifacts     ArtifactStore
	purchases     PurchaseStore
	enrollments   EnrollmentStore
	notifications NotificationStore
	guard         *idempotency.Guard
	stats         StatsPublisher
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
}

func NewPurchaseService(txRunner db.TxRunner, ledgerService Ledger, accounts AccountReader, artifacts ArtifactStore, purchases PurchaseStore, enrollments EnrollmentStore, notifications NotificationStore, keys idempotency.Store, publisher StatsPublisher, logger *slog.Logger) *PurchaseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurchaseService{
		txRunner:      txRunner,
		ledger:        ledgerService,
		accounts:      accounts,
		artifacts:     artifacts,
		purchases:     purchases,
		enrollments:   enrollments,
		notifications: notifications,
		guard:         idempotency.NewGuard(keys),
		stats:         publisher,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// checkout is what a committed purchase hands to the post-commit hooks.
type checkout struct {
	result   PurchaseResult
	transfer ledger.TransferResult
	event    stats.Event
}

// Purchase buys a single file. The price is read inside the transaction; an
// expected price that no longer matches aborts with PriceChangedError.
func (s *PurchaseService) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	return s.run(ctx, "purchase", req.BuyerID, req.IdempotencyKey, req, func(tx store.Tx) (checkout, error) {
		return s.purchaseFile(ctx, tx, req)
	})
}

// PurchaseBundle buys every file of a bundle the buyer does not own yet, at
// the bundle's per-file share of the discounted price.
func (s *PurchaseService) PurchaseBundle(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	return s.run(ctx, "bundle_purchase", req.BuyerID, req.IdempotencyKey, req, func(tx store.Tx) (checkout, error) {
		return s.purchaseBundle(ctx, tx, req)
	})
}

func (s *PurchaseService) EnrollCourse(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	return s.run(ctx, "course_enroll", req.BuyerID, req.IdempotencyKey, req, func(tx store.Tx) (checkout, error) {
		return s.enrollCourse(ctx, tx, req)
	})
}

func (s *PurchaseService) run(ctx context.Context, op, buyerID, key string, req PurchaseRequest, fn func(tx store.Tx) (checkout, error)) (PurchaseResult, error) {
	var (
		done     checkout
		replayed bool
	)
	err := s.txRunner.WithTx(ctx, func(tx store.Tx) error {
		result, hit, err := idempotency.Do(ctx, s.guard, tx, buyerID, key, operation{Name: op, Request: req}, func() (PurchaseResult, error) {
			c, err := fn(tx)
			if err != nil {
				return PurchaseResult{}, err
			}
			done = c
			return c.result, nil
		})
		if err != nil {
			return err
		}
		done.result = result
		replayed = hit
		return nil
	})
	if err != nil {
		return PurchaseResult{}, classify(err)
	}
	done.result.Replayed = replayed
	if !replayed {
		s.ledger.Notify(done.transfer)
		if s.stats != nil {
			s.stats.Publish(done.event)
		}
	}
	return done.result, nil
}

func (s *PurchaseService) purchaseFile(ctx context.Context, tx store.Tx, req PurchaseRequest) (checkout, error) {
	buyer, err := s.buyer(ctx, tx, req.BuyerID)
	if err != nil {
		return checkout{}, err
	}
	file, err := s.artifacts.GetFile(ctx, tx, req.ArtifactID)
	if err != nil {
		return checkout{}, notFound(err)
	}
	if !file.IsActive {
		return checkout{}, ErrArtifactNotFound
	}
	if file.SellerID == buyer.ID {
		return checkout{}, ErrOwnArtifact
	}
	owned, err := s.purchases.Exists(ctx, tx, buyer.ID, file.ID)
	if err != nil {
		return checkout{}, err
	}
	if owned {
		return checkout{}, ErrAlreadyOwned
	}
	if err := checkExpected(req.ExpectedPrice, file.Price); err != nil {
		return checkout{}, err
	}

	c := checkout{result: PurchaseResult{
		Status:     statusPurchased,
		ArtifactID: file.ID,
		Amount:     file.Price,
		Balance:    buyer.Balance,
	}}
	if file.Price.IsPositive() {
		c.transfer, err = s.ledger.Post(ctx, tx, ledger.TransferRequest{
			PayerID:          ledger.StringPtr(buyer.ID),
			PayeeID:          ledger.StringPtr(file.SellerID),
			Amount:           file.Price,
			Kind:             models.KindPurchase,
			Description:      fmt.Sprintf("Purchased %q", file.Title),
			PayeeDescription: fmt.Sprintf("Sold %q", file.Title),
			ReferenceID:      ledger.StringPtr(file.ID),
		})
		if err != nil {
			return checkout{}, err
		}
		c.result.TransferID = c.transfer.TransferID
		c.result.Balance = *c.transfer.PayerBalance
	}

	if err := s.insertPurchase(ctx, tx, models.Purchase{
		BuyerID:    buyer.ID,
		SellerID:   file.SellerID,
		ArtifactID: file.ID,
		Amount:     file.Price,
	}, c.transfer.TransferID); err != nil {
		return checkout{}, err
	}
	if err := s.notifySale(ctx, tx, buyer.ID, file.SellerID, file.Title, file.Price); err != nil {
		return checkout{}, err
	}
	c.event = stats.Event{BuyerID: buyer.ID, SellerID: file.SellerID, FileIDs: []string{file.ID}}
	return c, nil
}

func (s *PurchaseService) purchaseBundle(ctx context.Context, tx store.Tx, req PurchaseRequest) (checkout, error) {
	buyer, err := s.buyer(ctx, tx, req.BuyerID)
	if err != nil {
		return checkout{}, err
	}
	bundle, err := s.artifacts.GetBundle(ctx, tx, req.ArtifactID)
	if err != nil {
		return checkout{}, notFound(err)
	}
	if !bundle.IsActive {
		return checkout{}, ErrArtifactNotFound
	}
	if bundle.CreatorID == buyer.ID {
		return checkout{}, ErrOwnArtifact
	}
	files, err := s.artifacts.BundleFiles(ctx, tx, bundle.ID)
	if err != nil {
		return checkout{}, err
	}
	if len(files) == 0 {
		return checkout{}, ErrEmptyBundle
	}

	ids := make([]string, len(files))
	for i, file := range files {
		ids[i] = file.ID
	}
	ownedIDs, err := s.purchases.OwnedAmong(ctx, tx, buyer.ID, ids)
	if err != nil {
		return checkout{}, err
	}
	owned := make(map[string]bool, len(ownedIDs))
	for _, id := range ownedIDs {
		owned[id] = true
	}
	var toBuy []models.File
	var skipped []string
	for _, file := range files {
		// The buyer's own files count as owned.
		if owned[file.ID] || file.SellerID == buyer.ID {
			skipped = append(skipped, file.ID)
			continue
		}
		toBuy = append(toBuy, file)
	}
	if len(toBuy) == 0 {
		return checkout{}, ErrAlreadyOwned
	}

	// The discounted price is charged in full and spread over the files
	// actually delivered.
	charge := money.BundlePrice(bundle.OriginalPrice, bundle.DiscountPercentage)
	if err := checkExpected(req.ExpectedPrice, charge); err != nil {
		return checkout{}, err
	}

	c := checkout{result: PurchaseResult{
		Status:         statusPurchased,
		ArtifactID:     bundle.ID,
		Amount:         charge,
		Balance:        buyer.Balance,
		SkippedFileIDs: skipped,
	}}
	if charge.IsPositive() {
		c.transfer, err = s.ledger.Post(ctx, tx, ledger.TransferRequest{
			PayerID:          ledger.StringPtr(buyer.ID),
			PayeeID:          ledger.StringPtr(bundle.CreatorID),
			Amount:           charge,
			Kind:             models.KindPurchase,
			Description:      fmt.Sprintf("Purchased bundle %q", bundle.Title),
			PayeeDescription: fmt.Sprintf("Sold bundle %q", bundle.Title),
			ReferenceID:      ledger.StringPtr(bundle.ID),
		})
		if err != nil {
			return checkout{}, err
		}
		c.result.TransferID = c.transfer.TransferID
		c.result.Balance = *c.transfer.PayerBalance
	}

	bundleID := bundle.ID
	for i, share := range money.Split(charge, len(toBuy)) {
		file := toBuy[i]
		err := s.insertPurchase(ctx, tx, models.Purchase{
			BuyerID:    buyer.ID,
			SellerID:   bundle.CreatorID,
			ArtifactID: file.ID,
			BundleID:   &bundleID,
			Amount:     share,
		}, c.transfer.TransferID)
		if err != nil {
			return checkout{}, err
		}
		c.result.PurchasedFileIDs = append(c.result.PurchasedFileIDs, file.ID)
	}
	if err := s.notifySale(ctx, tx, buyer.ID, bundle.CreatorID, bundle.Title, charge); err != nil {
		return checkout{}, err
	}
	c.event = stats.Event{
		BuyerID:  buyer.ID,
		SellerID: bundle.CreatorID,
		FileIDs:  c.result.PurchasedFileIDs,
		BundleID: bundle.ID,
	}
	return c, nil
}

func (s *PurchaseService) enrollCourse(ctx context.Context, tx store.Tx, req PurchaseRequest) (checkout, error) {
	buyer, err := s.buyer(ctx, tx, req.BuyerID)
	if err != nil {
		return checkout{}, err
	}
	course, err := s.artifacts.GetCourse(ctx, tx, req.ArtifactID)
	if err != nil {
		return checkout{}, notFound(err)
	}
	if !course.IsPublished {
		return checkout{}, ErrArtifactNotFound
	}
	if course.CreatorID == buyer.ID {
		return checkout{}, ErrOwnArtifact
	}
	enrolled, err := s.enrollments.Exists(ctx, tx, course.ID, buyer.ID)
	if err != nil {
		return checkout{}, err
	}
	if enrolled {
		return checkout{}, ErrAlreadyEnrolled
	}
	if err := checkExpected(req.ExpectedPrice, course.Price); err != nil {
		return checkout{}, err
	}

	c := checkout{result: PurchaseResult{
		Status:     statusPurchased,
		ArtifactID: course.ID,
		Amount:     course.Price,
		Balance:    buyer.Balance,
	}}
	if course.Price.IsPositive() {
		c.transfer, err = s.ledger.Post(ctx, tx, ledger.TransferRequest{
			PayerID:          ledger.StringPtr(buyer.ID),
			PayeeID:          ledger.StringPtr(course.CreatorID),
			Amount:           course.Price,
			Kind:             models.KindPurchase,
			Description:      fmt.Sprintf("Enrolled in %q", course.Title),
			PayeeDescription: fmt.Sprintf("Sold enrollment in %q", course.Title),
			ReferenceID:      ledger.StringPtr(course.ID),
		})
		if err != nil {
			return checkout{}, err
		}
		c.result.TransferID = c.transfer.TransferID
		c.result.Balance = *c.transfer.PayerBalance
	}

	enrollment := models.Enrollment{
		ID:        s.newID(),
		CourseID:  course.ID,
		UserID:    buyer.ID,
		Amount:    course.Price,
		CreatedAt: s.now().UTC(),
	}
	if c.transfer.TransferID != "" {
		enrollment.TransferID = ledger.StringPtr(c.transfer.TransferID)
	}
	inserted, err := s.enrollments.Insert(ctx, tx, enrollment)
	if err != nil {
		return checkout{}, raceOr(err)
	}
	if !inserted {
		return checkout{}, ErrRaceLost
	}
	if err := s.notify(ctx, tx, buyer.ID, models.NotificationEnrollment, "Enrollment Confirmed",
		fmt.Sprintf("You are now enrolled in %q.", course.Title)); err != nil {
		return checkout{}, err
	}
	if err := s.notify(ctx, tx, course.CreatorID, models.NotificationSale, "New Sale!",
		fmt.Sprintf("Someone enrolled in %q for %s credits.", course.Title, money.Format(course.Price))); err != nil {
		return checkout{}, err
	}
	c.event = stats.Event{BuyerID: buyer.ID, SellerID: course.CreatorID, CourseID: course.ID}
	return c, nil
}

func (s *PurchaseService) buyer(ctx context.Context, tx store.Getter, buyerID string) (models.Account, error) {
	account, err := s.accounts.Get(ctx, tx, buyerID)
	if err != nil {
		return models.Account{}, notFoundAccount(err, buyerID)
	}
	return account, nil
}

func (s *PurchaseService) insertPurchase(ctx context.Context, tx store.Execer, purchase models.Purchase, transferID string) error {
	purchase.ID = s.newID()
	purchase.CreatedAt = s.now().UTC()
	if transferID != "" {
		purchase.TransferID = ledger.StringPtr(transferID)
	}
	inserted, err := s.purchases.Insert(ctx, tx, purchase)
	if err != nil {
		return raceOr(err)
	}
	if !inserted {
		return ErrRaceLost
	}
	return nil
}

func (s *PurchaseService) notifySale(ctx context.Context, tx store.Execer, buyerID, sellerID, title string, amount decimal.Decimal) error {
	if err := s.notify(ctx, tx, buyerID, models.NotificationPurchase, "Purchase Successful",
		fmt.Sprintf("You purchased %q.", title)); err != nil {
		return err
	}
	return s.notify(ctx, tx, sellerID, models.NotificationSale, "New Sale!",
		fmt.Sprintf("Someone bought %q for %s credits.", title, money.Format(amount)))
}

func (s *PurchaseService) notify(ctx context.Context, tx store.Execer, userID string, kind models.NotificationType, title, message string) error {
	return s.notifications.Insert(ctx, tx, models.Notification{
		ID:        s.newID(),
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: s.now().UTC(),
	})
}

func checkExpected(expected *decimal.Decimal, current decimal.Decimal) error {
	if expected != nil && !expected.Equal(current) {
		return &PriceChangedError{Current: current}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrArtifactNotFound
	}
	return err
}

func raceOr(err error) error {
	if store.IsUniqueViolation(err) {
		return ErrRaceLost
	}
	return err
}
