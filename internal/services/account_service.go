package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketplace/internal/auth"
	"marketplace/internal/db"
	"marketplace/internal/ledger"
	"marketplace/internal/models"
	"marketplace/internal/money"
	"marketplace/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type UserStore interface {
	Create(ctx context.Context, tx store.Execer, user models.User) error
	GetByUsername(ctx context.Context, username string) (models.User, error)
	GetByID(ctx context.Context, userID string) (models.User, error)
}

type AccountStore interface {
	AccountReader
	Create(ctx context.Context, tx store.Execer, account models.Account) error
	GetByReferralCode(ctx context.Context, tx store.Getter, code string) (models.Account, error)
	AddReferralEarnings(ctx context.Context, tx store.Execer, accountID string, amount decimal.Decimal) error
}

type ReferralWriter interface {
	Insert(ctx context.Context, tx store.Execer, referral models.Referral) error
}

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
	Promote(ctx context.Context, tx store.Execer, userID string) (bool, error)
}

type AccountSettings struct {
	JWTSecret       string
	TokenTTL        time.Duration
	StartingBalance decimal.Decimal
	ReferralBonus   decimal.Decimal
	BootstrapAdmins []string
}

type SignupRequest struct {
	Username     string
	Password     string
	ReferralCode string
}

type AuthResult struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

type GiftRequest struct {
	AdminID     string          `json:"admin_id"`
	RecipientID string          `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
	Message     string          `json:"message,omitempty"`
}

type AccountService struct {
	txRunner      db.TxRunner
	ledger        Ledger
	users         UserStore
	accounts      AccountStore
	admin         AdminStore
	referrals     ReferralWriter
	notifications NotificationStore
	audit         AuditStore
	settings      AccountSettings
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
}

func NewAccountService(txRunner db.TxRunner, ledgerService Ledger, users UserStore, accounts AccountStore, admin AdminStore, referrals ReferralWriter, notifications NotificationStore, audit AuditStore, settings AccountSettings, logger *slog.Logger) *AccountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{
		txRunner:      txRunner,
		ledger:        ledgerService,
		users:         users,
		accounts:      accounts,
		admin:         admin,
		referrals:     referrals,
		notifications: notifications,
		audit:         audit,
		settings:      settings,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Signup creates the user and account and credits the starting balance as a
// topup. An unknown referral code is ignored; a valid one pays the referrer.
func (s *AccountService) Signup(ctx context.Context, req SignupRequest) (AuthResult, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return AuthResult{}, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	user := models.User{ID: s.newID(), Username: username, PasswordHash: hash, CreatedAt: now}

	var transfers []ledger.TransferResult
	err = s.txRunner.WithTx(ctx, func(tx store.Tx) error {
		transfers = nil
		if err := s.users.Create(ctx, tx, user); err != nil {
			if store.IsUniqueViolation(err) {
				return ErrUsernameTaken
			}
			return err
		}
		account := models.Account{
			ID:        user.ID,
			Balance:   decimal.Zero,
			IsAdmin:   s.isBootstrapAdmin(username),
			CreatedAt: now,
		}
		if err := s.accounts.Create(ctx, tx, account); err != nil {
			return err
		}
		if s.settings.StartingBalance.IsPositive() {
			opening, err := s.ledger.Post(ctx, tx, ledger.TransferRequest{
				PayeeID:     ledger.StringPtr(user.ID),
				Amount:      s.settings.StartingBalance,
				Kind:        models.KindTopup,
				Description: "Welcome bonus",
			})
			if err != nil {
				return err
			}
			transfers = append(transfers, opening)
		}
		if req.ReferralCode == "" {
			return nil
		}
		bonus, err := s.payReferrer(ctx, tx, user, strings.TrimSpace(req.ReferralCode))
		if err != nil {
			return err
		}
		if bonus != nil {
			transfers = append(transfers, *bonus)
		}
		return nil
	})
	if err != nil {
		return AuthResult{}, classify(err)
	}
	for _, transfer := range transfers {
		s.ledger.Notify(transfer)
	}
	token, err := auth.GenerateToken(s.settings.JWTSecret, user.ID, s.settings.TokenTTL)
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate token: %w", err)
	}
	return AuthResult{Token: token, User: user}, nil
}

func (s *AccountService) payReferrer(ctx context.Context, tx store.Tx, user models.User, code string) (*ledger.TransferResult, error) {
	referrer, err := s.accounts.GetByReferralCode(ctx, tx, code)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Info("ignoring unknown referral code", slog.String("code", code))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if referrer.ID == user.ID {
		return nil, nil
	}
	bonus := s.settings.ReferralBonus
	referral := models.Referral{
		ID:         s.newID(),
		ReferrerID: referrer.ID,
		ReferredID: user.ID,
		Code:       code,
		Status:     "completed",
		Commission: bonus,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.referrals.Insert(ctx, tx, referral); err != nil {
		return nil, err
	}
	if !bonus.IsPositive() {
		return nil, nil
	}
	result, err := s.ledger.Post(ctx, tx, ledger.TransferRequest{
		PayeeID:     ledger.StringPtr(referrer.ID),
		Amount:      bonus,
		Kind:        models.KindReferral,
		Description: fmt.Sprintf("Referral bonus: %s joined", user.Username),
		ReferenceID: ledger.StringPtr(referral.ID),
	})
	if err != nil {
		return nil, err
	}
	if err := s.accounts.AddReferralEarnings(ctx, tx, referrer.ID, bonus); err != nil {
		return nil, err
	}
	err = s.notifications.Insert(ctx, tx, models.Notification{
		ID:        s.newID(),
		UserID:    referrer.ID,
		Type:      models.NotificationReferral,
		Title:     "New referral!",
		Message:   fmt.Sprintf("%s signed up with your code. You earned %s credits.", user.Username, money.Format(bonus)),
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *AccountService) Login(ctx context.Context, username, password string) (AuthResult, error) {
	user, err := s.users.GetByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, err
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return AuthResult{}, ErrInvalidCredentials
	}
	token, err := auth.GenerateToken(s.settings.JWTSecret, user.ID, s.settings.TokenTTL)
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate token: %w", err)
	}
	return AuthResult{Token: token, User: user}, nil
}

// Gift credits a user from an admin. Admin accounts are unlimited, so only the
// recipient's balance moves.
func (s *AccountService) Gift(ctx context.Context, req GiftRequest) (ledger.TransferResult, error) {
	if err := money.Validate(req.Amount); err != nil {
		return ledger.TransferResult{}, fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err)
	}
	if _, err := s.users.GetByID(ctx, req.RecipientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.TransferResult{}, ErrUserNotFound
		}
		return ledger.TransferResult{}, classify(err)
	}
	var result ledger.TransferResult
	err := s.txRunner.WithTx(ctx, func(tx store.Tx) error {
		admin, err := s.accounts.Get(ctx, tx, req.AdminID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotAdmin
			}
			return err
		}
		if !admin.IsAdmin {
			return ErrNotAdmin
		}
		result, err = s.ledger.Post(ctx, tx, ledger.TransferRequest{
			PayerID:          ledger.StringPtr(req.AdminID),
			PayeeID:          ledger.StringPtr(req.RecipientID),
			Amount:           req.Amount,
			Kind:             models.KindGift,
			Description:      "Gift sent",
			PayeeDescription: "Gift from Admin",
		})
		if err != nil {
			return err
		}
		message := fmt.Sprintf("You received %s credits from an admin.", money.Format(req.Amount))
		if req.Message != "" {
			message += " " + req.Message
		}
		err = s.notifications.Insert(ctx, tx, models.Notification{
			ID:        s.newID(),
			UserID:    req.RecipientID,
			Type:      models.NotificationGift,
			Title:     "You received a gift!",
			Message:   message,
			CreatedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"recipient_id": req.RecipientID,
			"amount":       money.Format(req.Amount),
			"transfer_id":  result.TransferID,
		})
		return s.audit.Log(ctx, tx, req.AdminID, "gift", "account", req.RecipientID, string(data))
	})
	if err != nil {
		return ledger.TransferResult{}, classify(err)
	}
	s.ledger.Notify(result)
	return result, nil
}

func (s *AccountService) Promote(ctx context.Context, adminID, userID string) error {
	err := s.txRunner.WithTx(ctx, func(tx store.Tx) error {
		promoted, err := s.admin.Promote(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !promoted {
			return ErrUserNotFound
		}
		data, _ := json.Marshal(map[string]string{"user_id": userID})
		return s.audit.Log(ctx, tx, adminID, "promote", "account", userID, string(data))
	})
	return classify(err)
}

func (s *AccountService) isBootstrapAdmin(username string) bool {
	for _, admin := range s.settings.BootstrapAdmins {
		if strings.EqualFold(strings.TrimSpace(admin), username) {
			return true
		}
	}
	return false
}
