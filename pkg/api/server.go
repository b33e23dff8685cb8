package api

import (
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/anvil/pkg/auth"
	"github.com/platinummonkey/anvil/pkg/config"
	"github.com/platinummonkey/anvil/pkg/httputil"
	"github.com/platinummonkey/anvil/pkg/observability"
	"github.com/platinummonkey/anvil/pkg/pipeline"
	"github.com/platinummonkey/anvil/pkg/realtime"
	"github.com/platinummonkey/anvil/pkg/schema"
	"github.com/platinummonkey/anvil/pkg/store"
)

// Version is stamped at build time.
var Version = "dev"

// Config wires the API server.
type Config struct {
	Pipeline *pipeline.Pipeline
	Registry *schema.Registry
	Store    store.Store
	Hub      *realtime.Hub // nil disables /ws
	Security *config.SecurityManager
	Tokens   *auth.TokenManager
	Auth     *auth.Middleware
	Watchdog *observability.Watchdog // nil hides health in the info payload
	Metrics  *observability.Metrics  // nil disables /metrics
	Log      *logrus.Logger

	ServerID       string
	Production     bool
	AllowedOrigins []string
}

// Server is the HTTP surface: the dynamic collection routes, auth, the
// admin API, the realtime upgrade and metrics.
type Server struct {
	cfg     Config
	router  *mux.Router
	log     *logrus.Logger
	started time.Time
}

// NewServer builds the server and its routes.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		log:     cfg.Log,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	if s.cfg.Metrics != nil {
		r.Use(s.cfg.Metrics.HTTPMiddleware)
	}
	r.Use(s.cfg.Auth.Handler)

	// Fixed routes first; the dynamic collection routes would swallow them.
	r.HandleFunc("/auth/login", s.login).Methods("POST")
	r.HandleFunc("/auth/me", s.me).Methods("GET")
	r.HandleFunc("/auth/validate", s.validateToken).Methods("GET")

	// Info is readable by any authenticated principal; the rest of the
	// admin surface is root only.
	r.Handle("/_admin/info", s.requireAuthenticated(http.HandlerFunc(s.adminInfo))).Methods("GET")

	admin := r.PathPrefix("/_admin").Subrouter()
	admin.Use(s.requireRoot)
	admin.HandleFunc("/collections", s.listCollections).Methods("GET")
	admin.HandleFunc("/collections", s.createCollection).Methods("POST")
	admin.HandleFunc("/collections/{name}", s.getCollection).Methods("GET")
	admin.HandleFunc("/collections/{name}", s.updateCollection).Methods("PUT")
	admin.HandleFunc("/collections/{name}", s.deleteCollection).Methods("DELETE")
	admin.HandleFunc("/settings/security", s.getSecurity).Methods("GET")
	admin.HandleFunc("/settings/security", s.updateSecurity).Methods("PUT")

	if s.cfg.Hub != nil {
		r.HandleFunc("/ws", s.cfg.Hub.ServeWS)
	}
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics.Handler()).Methods("GET")
	}
	if !s.cfg.Production {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/{name}", func(w http.ResponseWriter, req *http.Request) {
			pprof.Handler(httputil.PathVar(req, "name")).ServeHTTP(w, req)
		})
	}

	r.HandleFunc("/{collection}/count", s.countDocuments).Methods("GET")
	r.HandleFunc("/{collection}/query", s.queryDocuments).Methods("POST")
	r.HandleFunc("/{collection}", s.listDocuments).Methods("GET")
	r.HandleFunc("/{collection}", s.createDocument).Methods("POST")
	r.HandleFunc("/{collection}/{id}", s.getDocument).Methods("GET")
	r.HandleFunc("/{collection}/{id}", s.updateDocument).Methods("PUT")
	r.HandleFunc("/{collection}/{id}", s.deleteDocument).Methods("DELETE")
}

// Handler returns the full handler with the outer middleware applied.
func (s *Server) Handler() http.Handler {
	return httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.log),
		httputil.RecoveryMiddleware(s.log),
		httputil.CORSMiddleware(s.cfg.AllowedOrigins),
	)(s.router)
}

// requireRoot guards the admin subrouter.
func (s *Server) requireRoot(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.PrincipalFrom(r.Context()).Root() {
			httputil.WriteErrorMessage(w, http.StatusForbidden, "requires the master key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.PrincipalFrom(r.Context()).Authenticated() {
			httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// render writes a pipeline response.
func (s *Server) render(w http.ResponseWriter, resp *pipeline.Response) {
	for k, vals := range resp.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	if resp.Status == http.StatusNoContent && resp.Body == nil {
		httputil.WriteNoContent(w)
		return
	}
	httputil.WriteJSON(w, resp.Status, resp.Body)
}
