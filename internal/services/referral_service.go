package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"math/big"
	"strings"

	"marketplace/internal/db"
	"marketplace/internal/models"
	"marketplace/internal/store"

	"github.com/shopspring/decimal"
)

const (
	referralSuffixLength = 6
	referralAttempts     = 5
	recentReferrals      = 5
	referralAlphabet     = "0123456789abcdefghijklmnopqrstuvwxyz"
)

type ReferralAccountStore interface {
	AccountReader
	GetByID(ctx context.Context, accountID string) (models.Account, error)
	SetReferralCode(ctx context.Context, tx store.Execer, accountID, code string) (bool, error)
}

type ReferralReader interface {
	Summary(ctx context.Context, referrerID string) (store.ReferralSummary, error)
	Recent(ctx context.Context, referrerID string, limit int) ([]models.Referral, error)
}

type ReferralLink struct {
	Code string `json:"code"`
	Link string `json:"link"`
}

type ReferralStats struct {
	ReferralLink
	TotalReferrals    int64             `json:"total_referrals"`
	SuccessfulSignups int64             `json:"successful_signups"`
	Earnings          decimal.Decimal   `json:"earnings"`
	ConversionRate    float64           `json:"conversion_rate"`
	Recent            []models.Referral `json:"recent"`
}

type ReferralService struct {
	txRunner  db.TxRunner
	users     UserStore
	accounts  ReferralAccountStore
	referrals ReferralReader
	appURL    string
	suffix    func() (string, error)
}

func NewReferralService(txRunner db.TxRunner, users UserStore, accounts ReferralAccountStore, referrals ReferralReader, appURL string) *ReferralService {
	return &ReferralService{
		txRunner:  txRunner,
		users:     users,
		accounts:  accounts,
		referrals: referrals,
		appURL:    strings.TrimRight(appURL, "/"),
		suffix:    randomSuffix,
	}
}

// Generate returns the account's referral code, creating it on first use.
func (s *ReferralService) Generate(ctx context.Context, accountID string) (ReferralLink, error) {
	user, err := s.users.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReferralLink{}, ErrUserNotFound
		}
		return ReferralLink{}, classify(err)
	}
	prefix := codePrefix(user.Username)

	var code string
	for attempt := 0; attempt < referralAttempts; attempt++ {
		err = s.txRunner.WithTx(ctx, func(tx store.Tx) error {
			account, err := s.accounts.Get(ctx, tx, accountID)
			if err != nil {
				return notFoundAccount(err, accountID)
			}
			if account.ReferralCode != nil {
				code = *account.ReferralCode
				return nil
			}
			suffix, err := s.suffix()
			if err != nil {
				return err
			}
			candidate := prefix + suffix
			set, err := s.accounts.SetReferralCode(ctx, tx, accountID, candidate)
			if err != nil {
				return err
			}
			if !set {
				// Lost to a concurrent generate; read the winner next attempt.
				return errCodeCollision
			}
			code = candidate
			return nil
		})
		if err == nil {
			return s.link(code), nil
		}
		if !errors.Is(err, errCodeCollision) && !store.IsUniqueViolation(err) {
			return ReferralLink{}, classify(err)
		}
	}
	return ReferralLink{}, classify(err)
}

var errCodeCollision = errors.New("referral code collision")

func (s *ReferralService) Stats(ctx context.Context, accountID string) (ReferralStats, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return ReferralStats{}, classify(notFoundAccount(err, accountID))
	}
	summary, err := s.referrals.Summary(ctx, accountID)
	if err != nil {
		return ReferralStats{}, classify(err)
	}
	recent, err := s.referrals.Recent(ctx, accountID, recentReferrals)
	if err != nil {
		return ReferralStats{}, classify(err)
	}
	stats := ReferralStats{
		TotalReferrals:    summary.Total,
		SuccessfulSignups: summary.Successful,
		Earnings:          summary.Earnings,
		Recent:            recent,
	}
	if account.ReferralCode != nil {
		stats.ReferralLink = s.link(*account.ReferralCode)
	}
	if summary.Total > 0 {
		stats.ConversionRate = float64(summary.Successful) / float64(summary.Total) * 100
	}
	return stats, nil
}

func (s *ReferralService) link(code string) ReferralLink {
	return ReferralLink{Code: code, Link: s.appURL + "/ref/" + code}
}

// codePrefix keeps only the lower-case letters and digits of a username.
func codePrefix(username string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(username) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func randomSuffix() (string, error) {
	base := big.NewInt(int64(len(referralAlphabet)))
	out := make([]byte, referralSuffixLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", err
		}
		out[i] = referralAlphabet[n.Int64()]
	}
	return string(out), nil
}
