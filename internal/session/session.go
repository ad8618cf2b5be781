package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/presence"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 64 * 1024
)

// Session is the state of one connection, owned by the manager for the
// connection's lifetime.
type Session struct {
	id       string
	conn     *websocket.Conn
	manager  *Manager
	send     chan []byte
	done     chan struct{}
	state    *atomic.Int32
	userID   *atomic.String
	deviceID *atomic.String
	log      *zap.Logger

	// life serialises attach, room joins and detach.
	life      sync.Mutex
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func newSession(id string, conn *websocket.Conn, m *Manager) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		conn:     conn,
		manager:  m,
		send:     make(chan []byte, m.cfg.SendBuffer),
		done:     make(chan struct{}),
		state:    atomic.NewInt32(int32(StateConnecting)),
		userID:   atomic.NewString(""),
		deviceID: atomic.NewString(""),
		log:      m.log.With(zap.String("connection_id", id)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID.Load() }

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) handle() presence.Handle {
	return presence.Handle{
		ConnectionID: s.id,
		UserID:       s.UserID(),
		DeviceID:     s.deviceID.Load(),
		ProcessID:    s.manager.cfg.ProcessID,
	}
}

// Send queues an event without blocking; a full buffer drops the frame.
func (s *Session) Send(event string, payload interface{}) error {
	data, err := json.Raw(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return relayerrors.ErrConnectionClosed
	default:
	}
	select {
	case s.send <- b:
		return nil
	case <-s.done:
		return relayerrors.ErrConnectionClosed
	default:
		metrics.DroppedEmissions.Inc()
		s.log.Warn("Send buffer full, dropping event", zap.String("event", event))
		return relayerrors.ErrSendBufferFull
	}
}

func (s *Session) sendError(request string, err error) {
	_ = s.Send(EventError, newErrorEvent(request, err))
}

// Close tears the session down once: rooms, presence and status first, then
// the socket after queued frames are flushed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		close(s.done)
		s.cancel()
		s.manager.remove(s)
		if prev != StateConnecting {
			s.life.Lock()
			s.manager.detach(s)
			s.life.Unlock()
		}
		s.log.Info("Connection closed", zap.String("user_id", s.UserID()), zap.String("state", prev.String()))
	})
}

// readPump reads frames until the socket fails, then closes the session.
func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("Error reading from client", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			s.sendError("", relayerrors.Wrap(relayerrors.ErrInvalidPayload, "frame must be {event, data}"))
			continue
		}
		if !s.dispatch(frame) {
			return
		}
	}
}

// writePump owns every write to the socket.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				s.log.Debug("Write error", zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.log.Debug("Ping error", zap.Error(err))
				s.Close()
				return
			}
		case <-s.done:
			s.flush()
			_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames queued before close, such as a final error event.
func (s *Session) flush() {
	for {
		select {
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}
