package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiwari-pos/storefront/internal/config"
	"github.com/kiwari-pos/storefront/internal/coupon"
	"github.com/kiwari-pos/storefront/internal/database"
	"github.com/kiwari-pos/storefront/internal/gateway"
	"github.com/kiwari-pos/storefront/internal/geocode"
	"github.com/kiwari-pos/storefront/internal/handler"
	mw "github.com/kiwari-pos/storefront/internal/middleware"
	"github.com/kiwari-pos/storefront/internal/service"
	"github.com/kiwari-pos/storefront/internal/ws"
	"github.com/kiwari-pos/storefront/internal/zone"
	"go.uber.org/zap"
)

// New creates a Chi router with all application routes wired up.
// Payer routes are public and keyed by order reference; admin routes require
// an OWNER or MANAGER token.
func New(cfg *config.Config, logger *zap.Logger, queries *database.Queries, pool *pgxpool.Pool, hub *ws.Hub) chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Collaborators
	geocoder := geocode.NewClient(geocode.Options{
		BaseURL:      cfg.Geocoder.BaseURL,
		APIKey:       cfg.Geocoder.APIKey,
		Timeout:      cfg.Geocoder.Timeout,
		RetryCount:   cfg.Retry.MaxAttempts - 1,
		RetryWait:    cfg.Retry.InitialInterval,
		RetryMaxWait: cfg.Retry.MaxInterval,
	}, logger.Named("geocode"))
	resolver := zone.NewResolver(cfg.Delivery, geocoder, logger.Named("zone"))
	coupons := coupon.NewValidator(queries)
	quotes := service.NewQuoteService(queries, resolver, coupons, cfg.Pricing, logger.Named("quote"))
	gw := gateway.NewClient(gateway.Options{
		BaseURL:   cfg.Gateway.BaseURL,
		SecretKey: cfg.Gateway.SecretKey,
		Timeout:   cfg.Gateway.Timeout,
	}, logger.Named("gateway"))

	orderService := service.NewOrderService(service.OrderDeps{
		Pool:  pool,
		Store: queries,
		NewStore: func(db database.DBTX) service.OrderStore {
			return database.New(db)
		},
		Quotes:   quotes,
		Gateway:  gw,
		Notifier: hub,
		Logger:   logger.Named("order"),
	}, service.OrderConfig{
		Currency: cfg.Gateway.Currency,
		Retry:    cfg.Retry,
	})

	// Public payer routes
	r.Route("/api", func(r chi.Router) {
		handler.NewQuoteHandler(quotes, coupons, logger).RegisterRoutes(r)
		handler.NewOrderHandler(orderService, logger).RegisterRoutes(r)

		// Staff routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(mw.NewOperatorAuth(cfg.JWTSecret, logger.Named("auth")).Require(mw.RoleOwner, mw.RoleManager))
			handler.NewPaymentHandler(orderService, logger).RegisterRoutes(r)
		})
	})

	handler.NewWebhookHandler(orderService, cfg.Gateway.WebhookSecret, logger.Named("webhook")).RegisterRoutes(r)

	// WebSocket route (authorizes by order reference in the query string)
	r.Get("/ws/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		orderID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid order id", http.StatusBadRequest)
			return
		}
		ws.ServeWS(hub, func(ctx context.Context, id uuid.UUID, reference string) error {
			_, err := orderService.GetOrder(ctx, id, reference)
			return err
		}, orderID, w, r)
	})

	logger.Info("Router initialized")
	return r
}
