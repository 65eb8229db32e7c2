package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/znz-systems/mailroom/internal/ratelimit"
	"github.com/znz-systems/mailroom/internal/web/handlers"
	"github.com/znz-systems/mailroom/internal/web/middleware"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	AccountHandler *handlers.AccountHandler
	SyncHandler    *handlers.SyncHandler
	MessageHandler *handlers.MessageHandler
	RuleHandler    *handlers.RuleHandler
	Limiter        *ratelimit.Limiter
	Metrics        http.Handler
}

// NewRouter wires all routes into a Chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Use(middleware.RateLimit(deps.Limiter))

		r.Get("/accounts", deps.AccountHandler.HandleList)
		r.Post("/accounts", deps.AccountHandler.HandleCreate)
		r.Post("/accounts/test", deps.AccountHandler.HandleTest)
		r.Post("/accounts/sync", deps.SyncHandler.HandleSyncAll)
		r.Get("/accounts/{accountID}", deps.AccountHandler.HandleGet)
		r.Delete("/accounts/{accountID}", deps.AccountHandler.HandleDelete)
		r.Post("/accounts/{accountID}/sync", deps.SyncHandler.HandleSync)

		r.Get("/messages", deps.MessageHandler.HandleList)
		r.Get("/messages/{messageID}", deps.MessageHandler.HandleGet)
		r.Get("/messages/{messageID}/attachments/{attachmentID}", deps.MessageHandler.HandleAttachment)
		r.Post("/messages/read", deps.MessageHandler.HandleMarkRead)
		r.Post("/messages/star", deps.MessageHandler.HandleStar)
		r.Post("/messages/move", deps.MessageHandler.HandleMove)
		r.Post("/messages/delete", deps.MessageHandler.HandleDelete)
		r.Post("/messages/tags", deps.MessageHandler.HandleAddTags)

		r.Get("/tags", deps.MessageHandler.HandleListTags)
		r.Post("/tags", deps.MessageHandler.HandleCreateTag)

		r.Get("/rules", deps.RuleHandler.HandleList)
		r.Post("/rules", deps.RuleHandler.HandleCreate)
		r.Post("/rules/preview", deps.RuleHandler.HandlePreviewDraft)
		r.Get("/rules/{ruleID}", deps.RuleHandler.HandleGet)
		r.Put("/rules/{ruleID}", deps.RuleHandler.HandleUpdate)
		r.Delete("/rules/{ruleID}", deps.RuleHandler.HandleDelete)
		r.Get("/rules/{ruleID}/preview", deps.RuleHandler.HandlePreview)
		r.Post("/rules/{ruleID}/apply", deps.RuleHandler.HandleApply)
	})

	return r
}
