// Package server exposes test session management over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/testcluster/cluster"
	"github.com/guseggert/testcluster/lifecycle"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const sessionsPath = "/session/"

// Sessions creates and deletes test sessions. *lifecycle.Service implements it.
type Sessions interface {
	CreateSession(ctx context.Context) (*lifecycle.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type Server struct {
	logger     *zap.SugaredLogger
	sessions   Sessions
	listenAddr string

	mut        sync.Mutex
	stopped    bool
	httpServer *http.Server
	listening  chan struct{}
	addr       net.Addr
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.logger = l.Named("server")
	}
}

func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		logger:     zap.NewNop().Sugar(),
		sessions:   sessions,
		listenAddr: "0.0.0.0:8080",
		listening:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type indexResponse struct {
	TestSessions string `json:"testSessions"`
}

type createSessionResponse struct {
	ResourceURL string           `json:"resource_url"`
	Cluster     cluster.Endpoint `json:"cluster"`
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", s.index)
	router.POST(sessionsPath, s.createSession)
	router.DELETE(sessionsPath+":id", s.deleteSession)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return router
}

// Run serves HTTP until Stop is called.
// If Stop was called before Run, Run returns immediately.
func (s *Server) Run() error {
	s.mut.Lock()
	if s.stopped {
		s.mut.Unlock()
		return nil
	}
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		s.mut.Unlock()
		return fmt.Errorf("listening TCP: %w", err)
	}
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpServer
	s.addr = listener.Addr()
	s.mut.Unlock()

	close(s.listening)
	s.logger.Infow("listening", "addr", s.addr.String())

	// Serve returns ErrServerClosed right away if Stop has already shut the server down
	err = httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr waits for the server to start listening and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.listening:
		return s.addr, nil
	}
}

// Stop gracefully shuts the server down, waiting for in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mut.Lock()
	s.stopped = true
	httpServer := s.httpServer
	s.mut.Unlock()

	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		s.serverError(w, fmt.Errorf("marshaling response: %w", err))
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.logger.Errorw("request failed", "error", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (s *Server) index(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeJSON(w, indexResponse{TestSessions: sessionsPath})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	session, err := s.sessions.CreateSession(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, createSessionResponse{
		ResourceURL: sessionsPath + session.ID,
		Cluster:     session.Cluster,
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := s.sessions.DeleteSession(r.Context(), params.ByName("id"))
	if err != nil {
		s.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
