// Package session owns client connections: authentication, room joins,
// presence registration and the inbound request surface.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/bus"
	"github.com/nmxmxh/ovasabi-relay/internal/events"
	"github.com/nmxmxh/ovasabi-relay/internal/pending"
	"github.com/nmxmxh/ovasabi-relay/internal/presence"
	"github.com/nmxmxh/ovasabi-relay/internal/repository"
	"github.com/nmxmxh/ovasabi-relay/internal/room"
	"github.com/nmxmxh/ovasabi-relay/pkg/auth"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
)

const opTimeout = 5 * time.Second

type PresenceRegistry interface {
	Register(ctx context.Context, h presence.Handle) (int64, error)
	Unregister(ctx context.Context, userID, connectionID string) (int64, error)
	PublishStatus(ctx context.Context, userID, status string) error
}

type PendingQueue interface {
	Drain(ctx context.Context, userID string) ([]pending.Entry, error)
	Requeue(ctx context.Context, userID string, entries []pending.Entry) error
}

type EventPublisher interface {
	Publish(ctx context.Context, kind events.Kind, payload interface{}) error
}

type EnvelopeProducer interface {
	Publish(ctx context.Context, env *bus.Envelope) error
}

type MembershipCache interface {
	Members(ctx context.Context, conversationID string) ([]string, error)
	Replace(ctx context.Context, conversationID string, userIDs []string) error
}

type Config struct {
	ProcessID        string
	JWTSecret        string
	HandshakeTimeout time.Duration
	SendBuffer       int
	AllowedOrigins   []string
}

// Dependencies are the collaborators a Manager drives.
type Dependencies struct {
	Rooms     *room.Adapter
	Presence  PresenceRegistry
	Pending   PendingQueue
	Publisher EventPublisher
	Producer  EnvelopeProducer
	Members   MembershipCache
	Store     repository.Store
}

// Manager accepts connections and tracks the sessions living on this process.
type Manager struct {
	cfg      Config
	deps     Dependencies
	hub      *room.Hub
	breaker  *cb.CircuitBreaker
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(cfg Config, deps Dependencies, log *zap.Logger) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	log = log.With(zap.String("module", "session_manager"))

	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		hub:      deps.Rooms.Hub(),
		log:      log,
		sessions: make(map[string]*Session),
	}
	m.breaker = cb.NewCircuitBreaker(cb.Settings{
		Name:        "storage",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(m.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range m.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	m.log.Warn("Rejected connection from disallowed origin", zap.String("origin", origin))
	return false
}

// ServeHTTP upgrades the request and runs the session until it closes. A
// credential on the request authenticates immediately; otherwise the client
// has HandshakeTimeout to send an authenticate frame.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	s := newSession(uuid.NewString(), conn, m)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	s.log.Debug("Connection opened", zap.String("remote_addr", r.RemoteAddr))

	go s.writePump()

	if token, source := auth.TokenFromRequest(r); token != "" {
		if !s.authenticate(token, source) {
			s.Close()
			return
		}
	} else {
		timer := time.AfterFunc(m.cfg.HandshakeTimeout, func() {
			if s.State() == StateConnecting {
				s.log.Info("Handshake timed out")
				s.sendError(RequestAuthenticate, errHandshakeTimeout)
				s.Close()
			}
		})
		defer timer.Stop()
	}

	s.readPump()
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
}

// Len returns the number of open connections on this process.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Handles lists the presence handles of authenticated local sessions.
func (m *Manager) Handles() []presence.Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]presence.Handle, 0, len(m.sessions))
	for _, s := range m.sessions {
		switch s.State() {
		case StateAuthenticated, StateJoined:
			out = append(out, s.handle())
		}
	}
	return out
}

// Shutdown closes every session, releasing its presence and rooms.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	for _, s := range open {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Close()
	}
	m.log.Info("Closed all sessions", zap.Int("count", len(open)))
	return nil
}

// attach runs once a session is authenticated.
func (m *Manager) attach(s *Session) {
	ctx, cancel := context.WithTimeout(s.ctx, opTimeout)
	defer cancel()
	userID := s.UserID()

	m.deps.Rooms.Join(s, room.PersonalRoom(userID))

	count, err := m.deps.Presence.Register(ctx, s.handle())
	if err != nil {
		s.log.Error("Failed to register presence", zap.Error(err))
	} else if count == 1 {
		m.setStatus(ctx, userID, presence.StatusOnline)
	}
	metrics.ActiveConnections.Inc()

	_ = s.Send(EventAuthenticated, authenticatedEvent{UserID: userID, ConnectionID: s.id})
	m.drainPending(ctx, s)
}

// drainPending delivers queued events in order. Entries that could not be
// handed to the connection go back to the head of the queue.
func (m *Manager) drainPending(ctx context.Context, s *Session) {
	userID := s.UserID()
	entries, err := m.deps.Pending.Drain(ctx, userID)
	if err != nil {
		s.log.Error("Failed to drain pending queue", zap.Error(err))
		return
	}
	for i, entry := range entries {
		if err := s.Send(entry.EventType, entry.Payload); err != nil {
			rest := entries[i:]
			s.log.Warn("Requeueing undelivered pending events", zap.Int("count", len(rest)), zap.Error(err))
			if err := m.deps.Pending.Requeue(context.Background(), userID, rest); err != nil {
				s.log.Error("Failed to requeue pending events", zap.Error(err))
			}
			return
		}
	}
	if len(entries) > 0 {
		s.log.Info("Delivered pending events", zap.Int("count", len(entries)))
	}
}

// detach undoes attach. It runs after the session context is cancelled, so
// it works on a fresh context.
func (m *Manager) detach(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	userID := s.UserID()

	m.deps.Rooms.LeaveAll(s.id)
	metrics.ActiveConnections.Dec()

	remaining, err := m.deps.Presence.Unregister(ctx, userID, s.id)
	if err != nil {
		s.log.Error("Failed to unregister presence", zap.Error(err))
		return
	}
	if remaining == 0 {
		m.setStatus(ctx, userID, presence.StatusOffline)
	}
}

func (m *Manager) setStatus(ctx context.Context, userID, status string) {
	if err := m.deps.Presence.PublishStatus(ctx, userID, status); err != nil {
		m.log.Warn("Failed to publish status", zap.String("user_id", userID), zap.Error(err))
	}
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.deps.Store.UpdateOnlineStatus(ctx, userID, status)
	})
	if err != nil {
		m.log.Warn("Failed to persist status", zap.String("user_id", userID), zap.String("status", status), zap.Error(err))
	}
}
