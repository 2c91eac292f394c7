// Package server exposes the relay's HTTP surface.
//
// TwilioMediaServer serves the incoming-call TwiML webhook and the Twilio
// Media Streams WebSocket. Every accepted stream gets one TwilioConnection and
// one session.Orchestrator, tracked in a registry until the call ends.
//
// Reference: https://www.twilio.com/docs/voice/media-streams
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"github.com/sonoria/voice-relay/pkg/connection"
	"github.com/sonoria/voice-relay/pkg/metrics"
	"github.com/sonoria/voice-relay/pkg/orgconfig"
	"github.com/sonoria/voice-relay/pkg/session"
	"github.com/sonoria/voice-relay/pkg/trace"
)

// TwilioServerConfig holds configuration for TwilioMediaServer.
type TwilioServerConfig struct {
	// Address is the listen address (e.g., ":8080")
	Address string

	// StreamURL is the public URL of the media endpoint, used in the
	// <Connect><Stream> TwiML. Example: "wss://your-domain.com/media"
	StreamURL string

	ReadBufferSize  int
	WriteBufferSize int

	// Session is the template for every call's orchestrator. Logger is
	// replaced per call.
	Session session.Options
}

// TwilioMediaServer handles the TwiML webhook and Media Streams connections.
type TwilioMediaServer struct {
	config TwilioServerConfig
	logger *zap.Logger

	upgrader websocket.Upgrader
	router   chi.Router
	server   *http.Server

	sessions   map[string]*TwilioSession
	sessionsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// TwilioSession is one live call.
type TwilioSession struct {
	Connection   *connection.TwilioConnection
	Orchestrator *session.Orchestrator
	StartTime    time.Time
}

// NewTwilioMediaServer creates a server; call Start to listen or use Handler
// directly.
func NewTwilioMediaServer(config TwilioServerConfig, logger *zap.Logger) *TwilioMediaServer {
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = 1024
	}
	if config.WriteBufferSize == 0 {
		config.WriteBufferSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &TwilioMediaServer{
		config: config,
		logger: logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*TwilioSession),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/twiml", s.handleTwiML)
	r.Post("/twiml", s.handleTwiML)
	r.Get("/media", s.handleWebSocket)
	s.router = r

	return s
}

// Handler returns the router.
func (s *TwilioMediaServer) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address in the background.
func (s *TwilioMediaServer) Start() error {
	s.server = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting server", zap.String("addr", s.config.Address), zap.String("stream_url", s.config.StreamURL))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop closes every live session and shuts the HTTP server down.
func (s *TwilioMediaServer) Stop() error {
	s.logger.Info("stopping server")

	s.sessionsMu.Lock()
	s.cancel()
	live := make([]*TwilioSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.sessionsMu.Unlock()

	for _, sess := range live {
		sess.Orchestrator.Close()
		sess.Connection.Close()
	}

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}

	s.wg.Wait()
	s.logger.Info("server stopped")
	return err
}

// handleWebSocket accepts one Media Stream and serves it until it closes.
func (s *TwilioMediaServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	if !s.track() {
		s.logger.Debug("rejecting media stream, server stopping", zap.String("remote", r.RemoteAddr))
		wsConn.Close()
		return
	}
	defer s.wg.Done()

	tc := connection.NewTwilioConnection(wsConn, s.logger)
	opts := s.config.Session
	opts.Logger = s.logger.With(zap.String("conn_id", tc.ID()))
	orch := session.New(tc, opts)
	tc.RegisterEventHandler(orch)

	sess := &TwilioSession{Connection: tc, Orchestrator: orch, StartTime: time.Now()}
	s.addSession(tc.ID(), sess)
	defer s.removeSession(tc.ID())

	// Run returns when the socket closes or the server stops.
	tc.Run(s.ctx)
	orch.Close()

	snap := orch.State().Snapshot()
	_, span := trace.InstrumentConnectionClosed(context.Background(), tc.ID(), "twilio")
	trace.SetAttributes(span, trace.CallAttrs(snap.CallID, snap.SessionID, snap.Org.OrganizationID)...)
	span.End()
}

// track registers a media handler with the stop WaitGroup. It fails once Stop
// has begun, so no Add can race Stop's Wait.
func (s *TwilioMediaServer) track() bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *TwilioMediaServer) addSession(id string, sess *TwilioSession) {
	s.sessionsMu.Lock()
	s.sessions[id] = sess
	s.sessionsMu.Unlock()

	metrics.SessionsTotal.Inc()
	metrics.ActiveSessions.Inc()
}

func (s *TwilioMediaServer) removeSession(id string) {
	s.sessionsMu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.sessionsMu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveSessions.Dec()
	s.logger.Info("session removed",
		zap.String("conn_id", id),
		zap.String("call_sid", sess.Connection.CallSid()),
		zap.Duration("duration", time.Since(sess.StartTime)))
}

// SessionCount returns the number of live sessions.
func (s *TwilioMediaServer) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// GetActiveSessions returns all live sessions.
func (s *TwilioMediaServer) GetActiveSessions() []*TwilioSession {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	sessions := make([]*TwilioSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// handleTwiML answers Twilio's incoming-call webhook with a <Connect><Stream>
// pointing at the media endpoint.
func (s *TwilioMediaServer) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callSid := r.FormValue("CallSid")
	from := r.FormValue("From")
	to := r.FormValue("To")
	logger := s.logger.With(zap.String("call_sid", callSid))

	cfg, err := s.resolveOrganization(r.Context(), r.URL.Query().Get("org_id"), to)
	switch {
	case errors.Is(err, errMissingOrganization):
		http.Error(w, "missing organization", http.StatusBadRequest)
		return
	case errors.Is(err, orgconfig.ErrNotFound):
		logger.Warn("unknown organization for incoming call", zap.String("to", to))
		http.Error(w, "organization not found", http.StatusNotFound)
		return
	case err != nil:
		logger.Error("organization lookup failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	doc, err := streamTwiML(s.config.StreamURL, map[string]string{
		connection.ParamOrganizationID:  cfg.OrganizationID,
		connection.ParamCallerNumber:    from,
		connection.ParamCallSid:         callSid,
		connection.ParamGreetingMessage: cfg.DefaultGreeting(),
	})
	if err != nil {
		logger.Error("failed to build TwiML", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	logger.Info("incoming call",
		zap.String("org_id", cfg.OrganizationID),
		zap.String("from", from),
		zap.String("to", to))

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(doc))
}

var errMissingOrganization = errors.New("missing organization")

func (s *TwilioMediaServer) resolveOrganization(ctx context.Context, orgID, to string) (orgconfig.Config, error) {
	provider := s.config.Session.Configs
	if provider == nil {
		return orgconfig.Config{}, errors.New("no configuration provider")
	}
	switch {
	case orgID != "":
		return provider.Get(ctx, orgID)
	case to != "":
		return provider.LookupByNumber(ctx, to)
	default:
		return orgconfig.Config{}, errMissingOrganization
	}
}

// streamTwiML parameters are emitted in a fixed order.
func streamTwiML(streamURL string, params map[string]string) (string, error) {
	var inner []twiml.Element
	for _, name := range []string{
		connection.ParamOrganizationID,
		connection.ParamCallerNumber,
		connection.ParamCallSid,
		connection.ParamGreetingMessage,
	} {
		if v := params[name]; v != "" {
			inner = append(inner, &twiml.VoiceParameter{Name: name, Value: v})
		}
	}
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{Url: streamURL, InnerElements: inner},
			},
		},
	})
}

func (s *TwilioMediaServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.SessionCount(),
	})
}
