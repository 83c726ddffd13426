// Package api serves the assistant over HTTP: sign-in, chat, documents and
// third-party connections.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fabfab/go-assistant/agent"
	"github.com/fabfab/go-assistant/authz"
	"github.com/fabfab/go-assistant/connections"
	"github.com/fabfab/go-assistant/ingestion"
	"github.com/fabfab/go-assistant/llm"
	"github.com/fabfab/go-assistant/session"
)

const (
	maxJSONBody   = 1 << 20
	maxUploadBody = 20 << 20
)

// Sessions signs users in and guards authenticated routes.
type Sessions interface {
	Middleware(next http.Handler) http.Handler
	LoginURL(ctx context.Context, w http.ResponseWriter, returnTo string) (string, error)
	CompleteLogin(w http.ResponseWriter, r *http.Request) (session.Identity, string, error)
	Logout(w http.ResponseWriter, r *http.Request, returnTo string) (string, error)
	BeginFlow(w http.ResponseWriter, flow session.Flow) (session.Flow, error)
	ConsumeFlow(w http.ResponseWriter, r *http.Request) (session.Flow, error)
}

type Assistant interface {
	Run(ctx context.Context, id session.Identity, history []llm.Message, input string, emit func(string) error) (agent.Response, []llm.Message, error)
}

type Documents interface {
	IngestText(ctx context.Context, owner, fileName, text string) (ingestion.Result, error)
	IngestFile(ctx context.Context, owner, fileName string, data []byte) (ingestion.Result, error)
	Documents(ctx context.Context, ids []string) ([]ingestion.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

type Permissions interface {
	Check(ctx context.Context, subject, object, relation string) (bool, error)
	Write(ctx context.Context, tuples ...authz.Tuple) error
	Delete(ctx context.Context, tuples ...authz.Tuple) error
	ListObjects(ctx context.Context, subject, relation string) ([]string, error)
}

type Retriever interface {
	RetrieveAuthorized(ctx context.Context, question, subject string, topK int) ([]string, error)
}

type Connections interface {
	AuthCodeURL(connection, state, verifier string) (string, error)
	Exchange(ctx context.Context, subject, connection, code, verifier string) error
	List(ctx context.Context, subject string) ([]connections.Status, error)
	Disconnect(ctx context.Context, subject, connection string) error
}

type Dependencies struct {
	Sessions    Sessions
	Assistant   Assistant
	Documents   Documents
	Permissions Permissions
	Retriever   Retriever
	Connections Connections
}

type Options struct {
	CORSOrigins []string
	// FrontendURL is where browsers land after login, logout and connect.
	FrontendURL string
}

// Server exposes HTTP handlers for the assistant.
type Server struct {
	deps    Dependencies
	opts    Options
	logger  *zap.Logger
	handler http.Handler
}

func New(deps Dependencies, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FrontendURL == "" {
		opts.FrontendURL = "/"
	}
	s := &Server{deps: deps, opts: opts, logger: logger}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/openapi.yaml", s.handleOpenAPI)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", s.handleLogin)
		r.Get("/callback", s.handleLoginCallback)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.deps.Sessions.Middleware)
			r.Get("/profile", s.handleProfile)
			r.Get("/connections", s.handleListConnections)
			r.Delete("/connections/{connection}", s.handleDisconnect)
			r.Get("/connect/{connection}", s.handleConnect)
			r.Get("/connect/{connection}/callback", s.handleConnectCallback)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.deps.Sessions.Middleware)
		r.Post("/agent/chat", s.handleChat)
		r.Post("/search", s.handleSearch)
		r.Route("/documents", func(r chi.Router) {
			r.Get("/", s.handleListDocuments)
			r.Post("/", s.handleCreateDocument)
			r.Delete("/{id}", s.handleDeleteDocument)
			r.Post("/{id}/share", s.handleShare)
			r.Delete("/{id}/share", s.handleUnshare)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

// identity returns the caller placed in the context by the session middleware.
func identity(r *http.Request) (session.Identity, error) {
	id, ok := session.FromContext(r.Context())
	if !ok {
		return session.Identity{}, session.ErrNoSession
	}
	return id, nil
}
