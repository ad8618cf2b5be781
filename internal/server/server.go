// Package server exposes the relay over HTTP: the websocket endpoint, health,
// metrics and the internal event ingress used by the storage service.
package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/events"
	"github.com/nmxmxh/ovasabi-relay/pkg/auth"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
)

const (
	maxEventBody    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

type EventPublisher interface {
	Publish(ctx context.Context, kind events.Kind, payload interface{}) error
}

type Options struct {
	Addr          string
	Sessions      http.Handler
	Health        http.Handler
	Publisher     EventPublisher
	InternalToken string
}

// Server wraps the HTTP listener and its routes.
type Server struct {
	http *http.Server
	log  *zap.Logger
}

func New(opts Options, log *zap.Logger) *Server {
	log = log.With(zap.String("module", "http_server"))
	return &Server{
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewMux(opts, log),
			ReadHeaderTimeout: 10 * time.Second, // Mitigate Slowloris
		},
		log: log,
	}
}

// NewMux registers every route.
func NewMux(opts Options, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", opts.Sessions)
	mux.Handle("GET /healthz", opts.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("POST /internal/events/{channel}",
		auth.InternalTokenMiddleware(opts.InternalToken, eventIngress(opts.Publisher, log)))
	return mux
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", zap.String("address", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return relayerrors.Wrap(err, "http shutdown")
	}
	s.log.Info("HTTP server stopped")
	return nil
}

type ingressResponse struct {
	Status  string `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body ingressResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ingressResponse{Code: relayerrors.Code(err), Message: err.Error()})
}

// eventIngress publishes a structural event on behalf of the storage
// service. The body is the event payload, relayed untouched.
func eventIngress(publisher EventPublisher, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx = relayerrors.WithRequestID(ctx, id)
		}
		channel := r.PathValue("channel")
		kind, ok := events.ParseKind(channel)
		if !ok {
			writeError(w, http.StatusNotFound, relayerrors.Wrap(relayerrors.ErrUnknownChannel, channel))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, relayerrors.Wrap(relayerrors.ErrInvalidPayload, err.Error()))
			return
		}
		var payload json.RawMessage
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, relayerrors.Wrap(relayerrors.ErrInvalidPayload, err.Error()))
			return
		}

		if err := publisher.Publish(ctx, kind, payload); err != nil {
			if relayerrors.Is(err, relayerrors.ErrInvalidPayload) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			err = relayerrors.LogWithError(ctx, log, "Failed to publish event", err, zap.String("channel", channel))
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ingressResponse{Status: "published"})
	})
}
