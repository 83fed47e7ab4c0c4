package reconcile

import (
	"log/slog"
	"net/http"
)

// anonymousActor is recorded when the server runs without basic auth
const anonymousActor = "anonymous"

// Server handles HTTP requests for the reconciliation engine
type Server struct {
	service   *Service
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

func (s *Server) authRequired() bool {
	return s.basicAuth.Username != "" || s.basicAuth.Password != ""
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if !s.authRequired() {
		return true
	}
	user, pass, ok := r.BasicAuth()
	return ok && user == s.basicAuth.Username && pass == s.basicAuth.Password
}

// actor is the user recorded on match decisions
func actor(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return user
	}
	return anonymousActor
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Club Reconciler"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/ai/status", s.requireAuth(s.handleAIStatus))

	s.mux.HandleFunc("GET /api/clubs/{club}/transactions", s.requireAuth(s.handleListTransactions))
	s.mux.HandleFunc("POST /api/clubs/{club}/transactions", s.requireAuth(s.handleImportTransactions))

	s.mux.HandleFunc("GET /api/clubs/{club}/expenses/{id}/documents/{index}", s.requireAuth(s.handleGetExpenseDocument))
	s.mux.HandleFunc("GET /api/clubs/{club}/expenses", s.requireAuth(s.handleListExpenses))
	s.mux.HandleFunc("POST /api/clubs/{club}/expenses", s.requireAuth(s.handleCreateExpense))

	s.mux.HandleFunc("POST /api/clubs/{club}/documents/analyze", s.requireAuth(s.handleAnalyzeDocuments))
	s.mux.HandleFunc("POST /api/clubs/{club}/documents", s.requireAuth(s.handleImportDocument))

	s.mux.HandleFunc("POST /api/clubs/{club}/matching/sequences", s.requireAuth(s.handleSequencePrePass))
	s.mux.HandleFunc("POST /api/clubs/{club}/matching/batch", s.requireAuth(s.handleBatchMatching))
	s.mux.HandleFunc("POST /api/clubs/{club}/matching/ai", s.requireAuth(s.handleAIMatching))

	s.mux.HandleFunc("GET /api/clubs/{club}/ai-matches/stats", s.requireAuth(s.handleMatchStats))
	s.mux.HandleFunc("POST /api/clubs/{club}/ai-matches/{id}/validate", s.requireAuth(s.handleValidateMatch))
	s.mux.HandleFunc("POST /api/clubs/{club}/ai-matches/{id}/reject", s.requireAuth(s.handleRejectMatch))
	s.mux.HandleFunc("POST /api/clubs/{club}/ai-matches/{id}/reassign", s.requireAuth(s.handleReassignMatch))
	s.mux.HandleFunc("GET /api/clubs/{club}/ai-matches/{id}", s.requireAuth(s.handleGetMatch))
	s.mux.HandleFunc("GET /api/clubs/{club}/ai-matches", s.requireAuth(s.handleListMatches))

	s.mux.HandleFunc("POST /api/clubs/{club}/links", s.requireAuth(s.handleLink))
	s.mux.HandleFunc("DELETE /api/clubs/{club}/links", s.requireAuth(s.handleUnlink))

	s.mux.HandleFunc("GET /api/clubs/{club}/catalog", s.requireAuth(s.handleGetCatalog))
	s.mux.HandleFunc("PUT /api/clubs/{club}/catalog", s.requireAuth(s.handleSaveCatalog))
	s.mux.HandleFunc("POST /api/clubs/{club}/catalog/reload", s.requireAuth(s.handleReloadCatalog))
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
