package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/channel"
	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	// subscribeTimeout bounds the wait for the first frame.
	subscribeTimeout = 10 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 30 * time.Second

	// maxAdjustBodyBytes caps adjust request bodies.
	maxAdjustBodyBytes = 64 * 1024

	// serverReadLimit caps inbound client frames, which are all small.
	serverReadLimit = 64 * 1024
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Source   channel.Source
	Adjuster channel.Adjuster
	// AdjustRate is the sustained adjustments per second across all
	// clients. Zero disables limiting.
	AdjustRate  float64
	AdjustBurst int
	// OriginPatterns is passed to websocket.Accept. Empty allows only
	// same-origin browser clients.
	OriginPatterns []string
}

// Server exposes a Source and an Adjuster over the gateway protocol.
type Server struct {
	source   channel.Source
	adjuster channel.Adjuster
	limiter  *rate.Limiter
	origins  []string
	logger   *slog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	var limiter *rate.Limiter
	if cfg.AdjustRate > 0 {
		burst := cfg.AdjustBurst
		if burst <= 0 {
			burst = max(1, int(cfg.AdjustRate))
		}

		limiter = rate.NewLimiter(rate.Limit(cfg.AdjustRate), burst)
	}

	return &Server{
		source:   cfg.Source,
		adjuster: cfg.Adjuster,
		limiter:  limiter,
		origins:  cfg.OriginPatterns,
		logger:   logger,
	}
}

// RegisterHTTP mounts the subscribe and adjust routes on r.
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Get(SubscribePath, s.handleSubscribe)
	r.Post(AdjustPath, s.handleAdjust)
}

// Handler returns a router serving the gateway routes and a health check.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(HealthPath, handleHealth)
	s.RegisterHTTP(r)

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(serverReadLimit)

	s.serveConn(r.Context(), conn)
}

// serveConn runs one connection: a single subscribe frame, then upstream
// snapshots forwarded as they arrive and pings answered until either side
// ends.
func (s *Server) serveConn(ctx context.Context, conn wsConn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	first, err := readSubscribe(ctx, conn)
	if err != nil {
		s.fail(ctx, conn, err)
		return
	}

	q := first.Query()
	if err := q.Validate(); err != nil {
		s.fail(ctx, conn, err)
		return
	}

	sub, err := s.source.Subscribe(ctx, q)
	if err != nil {
		s.logger.Warn("upstream subscribe failed",
			slog.String("query", q.String()),
			slog.String("error", err.Error()),
		)
		s.fail(ctx, conn, err)

		return
	}
	defer sub.Close()

	s.logger.Debug("client subscribed", slog.String("query", q.String()))

	inbound := startReader(ctx, conn)

	for {
		select {
		case snap := <-sub.Snapshots():
			msg := SnapshotMessage{Op: opSnapshot, Items: snap.Items, Timestamp: snap.Timestamp}
			if err := s.write(ctx, conn, msg); err != nil {
				s.logger.Debug("writing snapshot failed", slog.String("error", err.Error()))
				return
			}

		case err := <-sub.Err():
			s.logger.Warn("upstream subscription failed",
				slog.String("query", q.String()),
				slog.String("error", err.Error()),
			)
			s.fail(ctx, conn, err)

			return

		case <-sub.Done():
			// Released upstream. Prefer its terminal error.
			err := apperrors.ErrSubscriptionClosed

			select {
			case upstream := <-sub.Err():
				err = upstream
			default:
			}

			s.fail(ctx, conn, err)

			return

		case msg := <-inbound:
			if msg.err != nil {
				return
			}

			if err := s.handleClientFrame(ctx, conn, msg.data); err != nil {
				s.fail(ctx, conn, err)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// handleClientFrame answers pings. Only one subscription is allowed per
// connection, so a second subscribe is an error.
func (s *Server) handleClientFrame(ctx context.Context, conn wsConn, data []byte) error {
	switch op := gjson.GetBytes(data, "op").String(); op {
	case opPing:
		return s.write(ctx, conn, map[string]string{"op": opPong})
	case opSubscribe:
		return fmt.Errorf("%w: connection already subscribed", apperrors.ErrUnsupportedOp)
	default:
		s.logger.Debug("ignoring client frame", slog.String("op", op))
		return nil
	}
}

func readSubscribe(ctx context.Context, conn wsConn) (SubscribeMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return SubscribeMessage{}, fmt.Errorf("reading subscribe: %w", err)
	}

	if typ != websocket.MessageText {
		return SubscribeMessage{}, fmt.Errorf("%w: binary frame", apperrors.ErrUnsupportedOp)
	}

	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, fmt.Errorf("decoding subscribe: %w", err)
	}

	if msg.Op != opSubscribe {
		return SubscribeMessage{}, fmt.Errorf("%w: expected subscribe, got %q", apperrors.ErrUnsupportedOp, msg.Op)
	}

	return msg, nil
}

// fail sends a terminal error frame and closes the connection.
func (s *Server) fail(ctx context.Context, conn wsConn, err error) {
	if werr := s.write(ctx, conn, ErrorMessage{Op: opError, Msg: err.Error()}); werr != nil {
		s.logger.Debug("writing error frame failed", slog.String("error", werr.Error()))
	}

	conn.Close(websocket.StatusNormalClosure, "subscription ended")
}

func (s *Server) write(ctx context.Context, conn wsConn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return writeJSON(ctx, conn, v)
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdjustBodyBytes)

	var adj channel.Adjustment
	if err := json.NewDecoder(r.Body).Decode(&adj); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case adj.Collection == "" || adj.ID == "" || adj.Field == "":
		writeError(w, http.StatusBadRequest, "collection, id and field are required")
		return
	case adj.Delta != 1 && adj.Delta != -1:
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalidDelta.Error())
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, apperrors.ErrRateLimited.Error())
		return
	}

	logger := s.logger.With(
		slog.String("collection", adj.Collection),
		slog.String("id", adj.ID),
		slog.Int("delta", adj.Delta),
		slog.String("request_id", adj.RequestID),
	)

	if err := s.adjuster.Adjust(r.Context(), adj); err != nil {
		if errors.Is(err, apperrors.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, apperrors.ErrRecordNotFound.Error())
			return
		}

		logger.Error("adjustment failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "adjustment failed")

		return
	}

	logger.Debug("adjustment applied")
	writeResponse(w, http.StatusOK, AdjustResponse{Res: "ok"})
}

func writeResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response write
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeResponse(w, status, APIError{Error: msg})
}
