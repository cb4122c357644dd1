// Package api serves the HTTP interface of the index: the public ping
// endpoint, read access to entries and events, a live event feed and the
// administrative routes.
package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cpacia/fdpindex/crawler"
	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/exchange"
	"github.com/cpacia/fdpindex/registry"
	"github.com/cpacia/fdpindex/repo"
	"github.com/cpacia/fdpindex/rpc"
	"github.com/cpacia/fdpindex/webhook"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logging.MustGetLogger("API")

// maxPingBody bounds the size of a ping request body.
const maxPingBody = 1 << 16

// Index is what the API needs from the crawler.
type Index interface {
	rpc.Index
	AcceptIncomingPing(ping crawler.Ping, remoteAddr string, req exchange.Request) (*events.Event, error)
	PingWebhook(webhookUUID, remoteAddr string) (*events.Event, error)
	Ledger() *events.Ledger
	Registry() *registry.Registry
	Webhooks() *webhook.Store
	ValidThreshold() time.Time
}

// Server is the HTTP API.
type Server struct {
	index      Index
	adminToken string
	trustProxy bool
	router     *mux.Router
	upgrader   websocket.Upgrader
	httpServer *http.Server

	shutdown chan struct{}
	stopOnce sync.Once
	liveMtx  sync.Mutex
	wg       sync.WaitGroup
}

// NewServer builds the routes. Call Start to listen on cfg.APIListen or use
// the server as an http.Handler.
func NewServer(index Index, cfg *repo.Config) *Server {
	s := &Server{
		index:      index,
		adminToken: cfg.AdminToken,
		trustProxy: cfg.TrustProxy,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handlePing).Methods("POST")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	idx := r.PathPrefix("/index").Subrouter()
	idx.HandleFunc("/admin/trigger-all", s.admin(s.handleTriggerAll)).Methods("POST")
	idx.HandleFunc("/admin/trigger", s.admin(s.handleTrigger)).Methods("POST")

	idx.HandleFunc("/entries", s.handleEntries).Methods("GET")
	idx.HandleFunc("/entries/info", s.handleEntriesInfo).Methods("GET")
	idx.HandleFunc("/entries/{uuid}", s.handleEntry).Methods("GET")
	idx.HandleFunc("/entries/{uuid}", s.admin(s.handleUpdateEntry)).Methods("PUT")

	idx.HandleFunc("/events", s.handleEvents).Methods("GET")
	idx.HandleFunc("/events/live", s.handleLive).Methods("GET")
	idx.HandleFunc("/events/{uuid}", s.handleEvent).Methods("GET")

	idx.HandleFunc("/webhooks", s.admin(s.handleWebhooks)).Methods("GET")
	idx.HandleFunc("/webhooks", s.admin(s.handleCreateWebhook)).Methods("POST")
	idx.HandleFunc("/webhooks/{uuid}", s.admin(s.handleWebhook)).Methods("GET")
	idx.HandleFunc("/webhooks/{uuid}", s.admin(s.handleUpdateWebhook)).Methods("PUT")
	idx.HandleFunc("/webhooks/{uuid}", s.admin(s.handleDeleteWebhook)).Methods("DELETE")
	idx.HandleFunc("/webhooks/{uuid}/ping", s.admin(s.handlePingWebhook)).Methods("POST")

	r.Use(mux.CORSMethodMiddleware(r))
	r.Use(logRequests)
	s.router = r

	s.httpServer = &http.Server{
		Addr:    cfg.APIListen,
		Handler: r,
	}
	return s
}

// ServeHTTP makes the server usable as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	log.Infof("HTTP API listening on %s", l.Addr())
	go func() {
		if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP API stopped: %s", err)
		}
	}()
	return nil
}

// Stop closes live feeds and shuts the listener down, waiting for open
// requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.liveMtx.Lock()
		close(s.shutdown)
		s.liveMtx.Unlock()
	})
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// admin guards a route with the bearer token. Without a configured token
// the route is disabled.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin routes are disabled")
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") ||
			subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, "Bearer ")), []byte(s.adminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		h(w, r)
	}
}

// remoteAddr is the address pings are attributed to: the socket peer, or
// the first X-Forwarded-For hop behind a trusted proxy.
func (s *Server) remoteAddr(r *http.Request) string {
	if s.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
