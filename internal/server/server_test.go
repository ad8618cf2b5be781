package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/events"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
)

type recordingPublisher struct {
	mu       sync.Mutex
	kinds    []events.Kind
	payloads []json.RawMessage
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, kind events.Kind, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	raw, _ := json.Raw(payload)
	p.kinds = append(p.kinds, kind)
	p.payloads = append(p.payloads, raw)
	return nil
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	})
}

func newMux(pub EventPublisher, token string) *http.ServeMux {
	return NewMux(Options{
		Sessions:      okHandler("ws"),
		Health:        okHandler("healthy"),
		Publisher:     pub,
		InternalToken: token,
	}, zap.NewNop())
}

func TestEventIngress(t *testing.T) {
	down := errors.New("redis: connection refused")
	invalid := relayerrors.Wrap(relayerrors.ErrInvalidPayload, "member_removed requires userId")
	tests := []struct {
		name     string
		channel  string
		body     string
		token    string
		pubErr   error
		wantCode int
		wantKind events.Kind
	}{
		{"published", "member_added", `{"conversationId":"c1","newParticipantId":"u3"}`, "secret", nil, http.StatusAccepted, events.MemberAdded},
		{"unknown channel", "poke", `{}`, "secret", nil, http.StatusNotFound, ""},
		{"malformed body", "member_added", `{"conversationId":`, "secret", nil, http.StatusBadRequest, ""},
		{"missing token", "member_added", `{}`, "", nil, http.StatusUnauthorized, ""},
		{"rejected payload", "member_removed", `{"conversationId":"c1"}`, "secret", invalid, http.StatusBadRequest, ""},
		{"publish failure", "message_read", `{"conversationId":"c1"}`, "secret", down, http.StatusBadGateway, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{err: tt.pubErr}
			mux := newMux(pub, "secret")

			req := httptest.NewRequest(http.MethodPost, "/internal/events/"+tt.channel, strings.NewReader(tt.body))
			if tt.token != "" {
				req.Header.Set("X-Internal-Token", tt.token)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantKind != "" {
				require.Len(t, pub.kinds, 1)
				assert.Equal(t, tt.wantKind, pub.kinds[0])
				assert.JSONEq(t, tt.body, string(pub.payloads[0]))
			} else {
				assert.Empty(t, pub.kinds)
			}
		})
	}
}

func TestRoutes(t *testing.T) {
	mux := newMux(&recordingPublisher{}, "")
	tests := []struct {
		method, path string
		wantCode     int
		wantBody     string
	}{
		{http.MethodGet, "/ws", http.StatusOK, "ws"},
		{http.MethodGet, "/healthz", http.StatusOK, "healthy"},
		{http.MethodGet, "/metrics", http.StatusOK, "relay_"},
		{http.MethodGet, "/internal/events/member_added", http.StatusMethodNotAllowed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	srv := New(Options{
		Addr:      addr,
		Sessions:  okHandler("ws"),
		Health:    okHandler("healthy"),
		Publisher: &recordingPublisher{},
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
