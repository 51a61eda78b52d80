package handlers

import (
	"log/slog"
	"net/http"

	"marketplace/internal/config"
	"marketplace/internal/middleware"
	"marketplace/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	gorilla "github.com/gorilla/websocket"
)

type Handler struct {
	cfg           config.Config
	users         UserStore
	accounts      AccountStore
	transactions  TransactionStore
	purchases     PurchaseStore
	notifications NotificationStore
	admin         AdminStore
	audit         AuditStore
	files         FileStore
	accountSvc    AccountService
	purchaseSvc   PurchaseService
	verification  VerificationService
	referrals     ReferralService
	catalog       CatalogService
	stats         StatsRebuilder
	hub           *websocket.Hub
	upgrader      gorilla.Upgrader
	logger        *slog.Logger
}

func New(cfg config.Config, deps Deps, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:           cfg,
		users:         deps.Users,
		accounts:      deps.Accounts,
		transactions:  deps.Transactions,
		purchases:     deps.Purchases,
		notifications: deps.Notifications,
		admin:         deps.Admin,
		audit:         deps.Audit,
		files:         deps.Files,
		accountSvc:    deps.AccountSvc,
		purchaseSvc:   deps.PurchaseSvc,
		verification:  deps.Verification,
		referrals:     deps.Referrals,
		catalog:       deps.Catalog,
		stats:         deps.Stats,
		hub:           hub,
		upgrader:      websocket.Upgrader(cfg.AllowedOrigins),
		logger:        logger,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.RequestLogger(h.logger))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{replayHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authed := middleware.Auth(h.cfg.JWTSecret)

	router.Route("/auth", func(r chi.Router) {
		r.Post("/signup", h.Signup)
		r.Post("/login", h.Login)
		r.With(authed).Get("/me", h.Me)
	})

	router.Group(func(r chi.Router) {
		r.Use(authed)
		r.Get("/accounts/me", h.GetAccount)
		r.Get("/accounts/me/self-check", h.SelfCheck)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/purchases", h.ListPurchases)
		r.Get("/leaderboards", h.Leaderboard)

		r.Get("/files", h.ListFiles)
		r.Post("/bundles", h.CreateBundle)
		r.Get("/bundles/{id}", h.GetBundle)

		r.Post("/purchase", h.Purchase)
		r.Post("/bundle-purchase", h.PurchaseBundle)
		r.Post("/course-enroll", h.EnrollCourse)

		r.Post("/verification", h.SubscribeVerification)
		r.Delete("/verification", h.CancelVerification)

		r.Get("/referrals", h.ReferralStats)
		r.Post("/referrals/generate", h.GenerateReferral)

		r.Get("/notifications", h.ListNotifications)
		r.Post("/notifications/{id}/read", h.MarkNotificationRead)

		r.Get("/ws/balances", h.WSBalances)
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(authed)
		r.Use(middleware.RequireAdmin(h.admin))
		r.Post("/gift", h.AdminGift)
		r.Post("/promote", h.AdminPromote)
		r.Get("/accounts", h.AdminListAccounts)
		r.Get("/transactions", h.AdminListTransactions)
		r.Get("/audit", h.ListAuditLogs)
		r.Get("/reconcile", h.Reconcile)
		r.Post("/stats/rebuild", h.RebuildStats)
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}
