package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/channel"
	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// upstreamSource expects one Subscribe for q and hands the created
// subscription to the test.
func upstreamSource(t *testing.T, ctrl *gomock.Controller, q models.Query) (*channel.MockSource, <-chan *channel.Subscription) {
	t.Helper()

	src := channel.NewMockSource(ctrl)
	created := make(chan *channel.Subscription, 1)

	src.EXPECT().Subscribe(gomock.Any(), q).DoAndReturn(
		func(_ context.Context, q models.Query) (*channel.Subscription, error) {
			sub := channel.New(q)
			created <- sub

			return sub, nil
		})

	return src, created
}

func waitUpstream(t *testing.T, created <-chan *channel.Subscription) *channel.Subscription {
	t.Helper()

	select {
	case sub := <-created:
		return sub
	case <-time.After(2 * time.Second):
		t.Fatal("server never subscribed upstream")
		return nil
	}
}

func TestGateway_EndToEndSnapshots(t *testing.T) {
	ctrl := gomock.NewController(t)
	src, created := upstreamSource(t, ctrl, galleryQuery)

	srv := httptest.NewServer(NewServer(ServerConfig{Source: src}, testLogger()).Handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	sub, err := client.Subscribe(context.Background(), galleryQuery)
	require.NoError(t, err)

	up := waitUpstream(t, created)

	go up.Deliver(context.Background(), models.NewSnapshot([]models.Record{
		models.NewRecord("g2", map[string]any{"order": 2}),
		models.NewRecord("g1", map[string]any{"order": 1}),
	}, time.UnixMilli(42)))

	snap := receiveSnapshot(t, sub)
	assert.Equal(t, []string{"g2", "g1"}, snap.IDs())
	assert.Equal(t, int64(42), snap.Timestamp)

	sub.Close()

	select {
	case <-up.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("upstream subscription not released after client close")
	}
}

func TestGateway_UpstreamErrorForwarded(t *testing.T) {
	ctrl := gomock.NewController(t)
	src, created := upstreamSource(t, ctrl, galleryQuery)

	srv := httptest.NewServer(NewServer(ServerConfig{Source: src}, testLogger()).Handler())
	defer srv.Close()

	sub, err := newTestClient(t, srv.URL).Subscribe(context.Background(), galleryQuery)
	require.NoError(t, err)

	up := waitUpstream(t, created)
	up.Fail(errors.New("quota exceeded"))

	err = receiveErr(t, sub)
	assert.ErrorContains(t, err, "quota exceeded")
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
}

func TestGateway_UpstreamSubscribeFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := channel.NewMockSource(ctrl)
	src.EXPECT().Subscribe(gomock.Any(), galleryQuery).Return(nil, errors.New("no such collection"))

	srv := httptest.NewServer(NewServer(ServerConfig{Source: src}, testLogger()).Handler())
	defer srv.Close()

	sub, err := newTestClient(t, srv.URL).Subscribe(context.Background(), galleryQuery)
	require.NoError(t, err)

	assert.ErrorContains(t, receiveErr(t, sub), "no such collection")
}

func TestServeConn_RejectsNonSubscribeFirstFrame(t *testing.T) {
	tests := map[string]struct {
		typ  websocket.MessageType
		data string
		want string
	}{
		"ping first":    {typ: websocket.MessageText, data: `{"op":"ping"}`, want: "expected subscribe"},
		"binary":        {typ: websocket.MessageBinary, data: `{}`, want: "binary frame"},
		"garbage":       {typ: websocket.MessageText, data: `{`, want: "decoding subscribe"},
		"no collection": {typ: websocket.MessageText, data: `{"op":"subscribe"}`, want: apperrors.ErrCollectionRequired.Error()},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			mock := NewMockWSConn(ctrl)
			s := NewServer(ServerConfig{Source: channel.NewMockSource(ctrl)}, testLogger())

			mock.EXPECT().Read(gomock.Any()).Return(tt.typ, []byte(tt.data), nil)
			mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).DoAndReturn(
				func(_ context.Context, _ websocket.MessageType, p []byte) error {
					var msg ErrorMessage
					require.NoError(t, json.Unmarshal(p, &msg))
					assert.Equal(t, opError, msg.Op)
					assert.Contains(t, msg.Msg, tt.want)

					return nil
				})
			mock.EXPECT().Close(websocket.StatusNormalClosure, "subscription ended").Return(nil)

			s.serveConn(context.Background(), mock)
		})
	}
}

func TestServeConn_AnswersPingAndRejectsSecondSubscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	src, created := upstreamSource(t, ctrl, galleryQuery)
	s := NewServer(ServerConfig{Source: src}, testLogger())

	first, _ := json.Marshal(subscribeMessage(galleryQuery))
	pong, _ := json.Marshal(map[string]string{"op": opPong})

	gomock.InOrder(
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, first, nil),
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(`{"op":"ping"}`), nil),
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, first, nil),
	)
	mock.EXPECT().Read(gomock.Any()).DoAndReturn(frames()).AnyTimes()

	gomock.InOrder(
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, pong).Return(nil),
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).DoAndReturn(
			func(_ context.Context, _ websocket.MessageType, p []byte) error {
				assert.Contains(t, string(p), "already subscribed")
				return nil
			}),
	)
	mock.EXPECT().Close(websocket.StatusNormalClosure, "subscription ended").Return(nil)

	s.serveConn(context.Background(), mock)

	up := waitUpstream(t, created)
	assert.True(t, up.Closed(), "upstream released when the connection ends")
}

func newAdjustServer(t *testing.T, cfg ServerConfig) (*httptest.Server, *channel.MockAdjuster) {
	t.Helper()

	adj := channel.NewMockAdjuster(gomock.NewController(t))
	cfg.Adjuster = adj

	srv := httptest.NewServer(NewServer(cfg, testLogger()).Handler())
	t.Cleanup(srv.Close)

	return srv, adj
}

func postAdjust(t *testing.T, url, body string) (int, string) {
	t.Helper()

	resp, err := http.Post(url+AdjustPath, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, buf.String()
}

func TestHandleAdjust_OK(t *testing.T) {
	srv, adj := newAdjustServer(t, ServerConfig{})

	adj.EXPECT().Adjust(gomock.Any(), channel.Adjustment{
		Collection: "listings", ID: "l1", Field: "likes", Delta: 1, RequestID: "abc",
	}).Return(nil)

	status, body := postAdjust(t, srv.URL, `{"collection":"listings","id":"l1","field":"likes","delta":1,"request_id":"abc"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"res":"ok"}`, body)
}

func TestHandleAdjust_Validation(t *testing.T) {
	srv, _ := newAdjustServer(t, ServerConfig{})

	tests := map[string]string{
		"bad json":      `{`,
		"missing id":    `{"collection":"listings","field":"likes","delta":1}`,
		"missing field": `{"collection":"listings","id":"l1","delta":1}`,
		"delta two":     `{"collection":"listings","id":"l1","field":"likes","delta":2}`,
		"delta zero":    `{"collection":"listings","id":"l1","field":"likes","delta":0}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			status, resp := postAdjust(t, srv.URL, body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Contains(t, resp, `"error"`)
		})
	}
}

func TestHandleAdjust_RateLimited(t *testing.T) {
	srv, adj := newAdjustServer(t, ServerConfig{AdjustRate: 0.001, AdjustBurst: 1})

	adj.EXPECT().Adjust(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	body := `{"collection":"listings","id":"l1","field":"likes","delta":1}`

	status, _ := postAdjust(t, srv.URL, body)
	assert.Equal(t, http.StatusOK, status)

	status, resp := postAdjust(t, srv.URL, body)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, resp, "rate limited")
}

func TestHandleAdjust_UpstreamErrors(t *testing.T) {
	srv, adj := newAdjustServer(t, ServerConfig{})

	gomock.InOrder(
		adj.EXPECT().Adjust(gomock.Any(), gomock.Any()).Return(apperrors.ErrRecordNotFound),
		adj.EXPECT().Adjust(gomock.Any(), gomock.Any()).Return(errors.New("throttled")),
	)

	body := `{"collection":"listings","id":"nope","field":"likes","delta":-1}`

	status, _ := postAdjust(t, srv.URL, body)
	assert.Equal(t, http.StatusNotFound, status)

	status, resp := postAdjust(t, srv.URL, body)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.NotContains(t, resp, "throttled")
}

func TestHealth(t *testing.T) {
	srv, _ := newAdjustServer(t, ServerConfig{})

	resp, err := http.Get(srv.URL + HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
