package api

import (
	"net/http"
	"os"
	"time"

	// Registers the generated OpenAPI document with swag.
	_ "relaychat/docs"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

// Handlers groups the HTTP handlers the router mounts.
type Handlers struct {
	Chat   *ChatHandler
	Relay  *RelayHandler
	Export *ExportHandler
	// StaticDir is served at / when it exists.
	StaticDir string
}

func NewRouter(h Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/swagger/*", httpSwagger.WrapHandler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Relay endpoints stream for as long as the model talks, so they get no
	// timeout. The /api aliases are the paths the web front-end calls.
	relayRoutes := func(r chi.Router) {
		r.Post("/chat", h.Relay.HandleChat)
		r.Post("/generate-image", h.Relay.HandleGenerateImage)
		r.Post("/execute-code", h.Relay.HandleExecuteCode)
	}
	relayRoutes(r)
	r.Route("/api", func(r chi.Router) {
		relayRoutes(r)

		r.Route("/v1", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))

				r.Get("/settings", h.Chat.GetSettings)
				r.Post("/settings", h.Chat.UpdateSettings)

				r.Get("/conversations", h.Chat.ListConversations)
				r.Post("/conversations", h.Chat.CreateConversation)
				r.Get("/conversations/{conversationID}", h.Chat.GetConversation)
				r.Put("/conversations/{conversationID}/title", h.Chat.RenameConversation)
				r.Delete("/conversations/{conversationID}", h.Chat.DeleteConversation)

				r.Post("/export", h.Export.HandleExport)
				r.Post("/import", h.Chat.ImportConversation)
			})

			r.Group(func(r chi.Router) {
				r.Post("/conversations/messages", h.Chat.HandleStreamMessage)
			})
		})
	})

	if h.StaticDir != "" {
		if info, err := os.Stat(h.StaticDir); err == nil && info.IsDir() {
			fileServer := http.FileServer(http.Dir(h.StaticDir))
			r.Handle("/*", http.StripPrefix("/", fileServer))
		}
	}

	return r
}
