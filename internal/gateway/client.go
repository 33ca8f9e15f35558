package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/listing-sync/internal/channel"
	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary. The gateway
// client never retries on its own; callers decide.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// httpClientTimeout applies to adjust requests when no client is given.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps adjust response reads.
	maxAPIResponseBytes = 1024 * 1024

	// defaultReadLimit caps a single snapshot frame.
	defaultReadLimit = 32 * 1024 * 1024

	// defaultPingInterval is how long the connection may stay silent
	// before the client pings. Three silent intervals end the stream.
	defaultPingInterval = 20 * time.Second

	inboundChanSize = 16
)

// wsConn abstracts the websocket connection so the client and server can
// be tested without a network. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the gateway base URL, http(s)://host[:port].
	URL          string
	HTTPClient   *http.Client
	PingInterval time.Duration
	ReadLimit    int64
	// APIKey is sent as a bearer token when set.
	APIKey string
}

// Client is a channel.Source and channel.Adjuster backed by a gateway
// server. Each subscription owns one websocket connection.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	wsURL        string
	pingInterval time.Duration
	readLimit    int64
	apiKey       string
	logger       *slog.Logger

	dial func(ctx context.Context, url string, header http.Header) (wsConn, error)
}

var (
	_ channel.Source   = (*Client)(nil)
	_ channel.Adjuster = (*Client)(nil)
)

// NewClient validates the base URL and builds a client.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway URL: %w", err)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("gateway URL %q has no host", cfg.URL)
	}

	ws := *u

	switch u.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("gateway URL scheme must be http or https, got %q", u.Scheme)
	}

	base := strings.TrimRight(u.String(), "/")
	ws.Path = strings.TrimRight(ws.Path, "/") + SubscribePath

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}

	limit := cfg.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	return &Client{
		httpClient:   httpClient,
		baseURL:      base,
		wsURL:        ws.String(),
		pingInterval: ping,
		readLimit:    limit,
		apiKey:       cfg.APIKey,
		logger:       logger,
		dial:         dialWebsocket,
	}, nil
}

func dialWebsocket(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Subscribe dials the gateway and opens a subscription for q. The stream
// ends on the first error frame, read failure or heartbeat timeout, and
// is never re-established.
func (c *Client) Subscribe(ctx context.Context, q models.Query) (*channel.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	c.logger.Debug("dialing gateway", slog.String("url", c.wsURL), slog.String("query", q.String()))

	conn, err := c.dial(ctx, c.wsURL, c.header())
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("dialing websocket: %w", err)}
	}

	return c.open(ctx, conn, q)
}

// open sends the subscribe frame on an established connection and starts
// the stream goroutine. Split from Subscribe so tests can inject a mock.
func (c *Client) open(ctx context.Context, conn wsConn, q models.Query) (*channel.Subscription, error) {
	conn.SetReadLimit(c.readLimit)

	if err := writeJSON(ctx, conn, subscribeMessage(q)); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("sending subscribe: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)

	sub := channel.New(q)
	sub.OnClose(func() {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	go c.stream(connCtx, conn, sub)

	return sub, nil
}

// stream is the per-subscription loop. It selects on inbound frames and
// the heartbeat ticker; it is the only writer after the subscribe frame.
func (c *Client) stream(ctx context.Context, conn wsConn, sub *channel.Subscription) {
	defer sub.Close()

	inbound := startReader(ctx, conn)

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	lastMessage := time.Now()
	disconnectAfter := 3 * c.pingInterval

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				if ctx.Err() == nil {
					sub.Fail(&TransientError{Err: fmt.Errorf("reading frame: %w", msg.err)})
				}

				return
			}

			lastMessage = time.Now()

			if msg.typ != websocket.MessageText {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := c.handleFrame(ctx, sub, msg.data); err != nil {
				sub.Fail(err)
				return
			}

			if sub.Closed() {
				return
			}

		case <-ticker.C:
			elapsed := time.Since(lastMessage)

			if elapsed > disconnectAfter {
				c.logger.Warn("gateway connection timed out")
				sub.Fail(&TransientError{Err: errors.New("heartbeat timeout")})

				return
			}

			if elapsed > c.pingInterval {
				if err := writeJSON(ctx, conn, map[string]string{"op": opPing}); err != nil {
					if ctx.Err() == nil {
						sub.Fail(&TransientError{Err: fmt.Errorf("sending ping: %w", err)})
					}

					return
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// handleFrame processes one text frame. A non-nil error ends the stream.
func (c *Client) handleFrame(ctx context.Context, sub *channel.Subscription, data []byte) error {
	if !gjson.ValidBytes(data) {
		c.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))
		return nil
	}

	switch op := gjson.GetBytes(data, "op").String(); op {
	case opSnapshot:
		snap, err := models.UnmarshalSnapshot(data)
		if err != nil {
			return fmt.Errorf("%w: decoding snapshot: %w", apperrors.ErrAPIResponse, err)
		}

		sub.Deliver(ctx, snap)

		return nil

	case opError:
		msg := gjson.GetBytes(data, "msg").String()
		return fmt.Errorf("%w: %s", apperrors.ErrAPIResponse, sanitizeResponseBody([]byte(msg)))

	case opPong:
		return nil

	default:
		c.logger.Debug("unknown frame op", slog.String("op", op))
		return nil
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}

	return h
}

// Adjust POSTs one relative adjustment. Network failures, 5xx and 429
// responses are TransientError; nothing is retried.
func (c *Client) Adjust(ctx context.Context, adj channel.Adjustment) error {
	var resp AdjustResponse
	if err := c.post(ctx, AdjustPath, adj, &resp); err != nil {
		return fmt.Errorf("adjusting %s/%s: %w", adj.Collection, adj.ID, err)
	}

	if resp.Res != "ok" {
		return fmt.Errorf("%w: adjust returned %q", apperrors.ErrAPIResponse, resp.Res)
	}

	return nil
}

// post sends a JSON POST request and decodes the response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%w: sending request to %s: %w", apperrors.ErrAPIRequest, endpoint, err)
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var err error

		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			err = fmt.Errorf("%w: %s (%d): %s", apperrors.ErrAPIResponse, endpoint, resp.StatusCode, apiErr.Error)
		} else {
			err = fmt.Errorf("%w: %s returned status %d: %s", apperrors.ErrAPIResponse, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			err = fmt.Errorf("%w: %w", apperrors.ErrRateLimited, err)
		}

		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for status codes that indicate a
// temporary server-side problem.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates a body to 256 bytes and replaces
// non-printable characters so it is safe to log.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// startReader pumps frames from conn into a channel until a read fails
// or ctx ends.
func startReader(ctx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

func writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
