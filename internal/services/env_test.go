package services

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketplace/internal/ledger"
	"marketplace/internal/models"
	"marketplace/internal/stats"
	"marketplace/internal/store/memstore"

	"github.com/shopspring/decimal"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []stats.Event
}

func (p *recordingPublisher) Publish(event stats.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return true
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type testEnv struct {
	mem          *memstore.Store
	ledger       *ledger.Service
	purchases    *PurchaseService
	accounts     *AccountService
	verification *VerificationService
	referrals    *ReferralService
	catalog      *CatalogService
	events       *recordingPublisher
}

const testSecret = "test-secret"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledgerService := ledger.NewService(mem, mem.Accounts(), mem.Transactions(), mem.Idempotency(), nil, logger)
	events := &recordingPublisher{}

	var seq atomic.Int64
	newID := func() string {
		return fmt.Sprintf("id-%06d", seq.Add(1))
	}

	purchases := NewPurchaseService(mem, ledgerService, mem.Accounts(), mem.Artifacts(), mem.Purchases(), mem.Enrollments(), mem.Notifications(), mem.Idempotency(), events, logger)
	purchases.newID = newID

	accounts := NewAccountService(mem, ledgerService, mem.Users(), mem.Accounts(), mem.Admin(), mem.ReferralStore(), mem.Notifications(), mem.Audit(), AccountSettings{
		JWTSecret:       testSecret,
		TokenTTL:        time.Hour,
		StartingBalance: dec("2500"),
		ReferralBonus:   dec("100"),
		BootstrapAdmins: []string{"root"},
	}, logger)
	accounts.newID = newID

	verification := NewVerificationService(mem, ledgerService, mem.Accounts(), mem.Notifications(), dec("5000"), 30*24*time.Hour, logger)
	verification.newID = newID

	referrals := NewReferralService(mem, mem.Users(), mem.Accounts(), mem.ReferralStore(), "https://market.test/")

	catalog := NewCatalogService(mem, mem.Artifacts(), logger)
	catalog.newID = newID

	return &testEnv{
		mem:          mem,
		ledger:       ledgerService,
		purchases:    purchases,
		accounts:     accounts,
		verification: verification,
		referrals:    referrals,
		catalog:      catalog,
		events:       events,
	}
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func (e *testEnv) seedFile(id, sellerID, price string) {
	e.mem.SeedFile(models.File{ID: id, SellerID: sellerID, Title: "File " + id, Price: dec(price), IsActive: true})
}
