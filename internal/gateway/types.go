// Package gateway carries the push channel and the adjustment endpoint
// over HTTP. Clients subscribe over a websocket at /v1/subscribe and
// receive complete snapshots as JSON text frames; adjustments are POSTed
// to /v1/adjust.
package gateway

import (
	"github.com/alexjbarnes/listing-sync/internal/models"
)

// Frame ops.
const (
	opSubscribe = "subscribe"
	opSnapshot  = "snapshot"
	opError     = "error"
	opPing      = "ping"
	opPong      = "pong"
)

// HTTP routes.
const (
	SubscribePath = "/v1/subscribe"
	AdjustPath    = "/v1/adjust"
	HealthPath    = "/healthz"
)

// SubscribeMessage opens the connection's single subscription.
type SubscribeMessage struct {
	Op         string           `json:"op"`
	Collection string           `json:"collection"`
	Where      *models.Equality `json:"where,omitempty"`
	Order      *models.Order    `json:"order,omitempty"`
}

// Query converts the message to a subscription query.
func (m SubscribeMessage) Query() models.Query {
	return models.Query{Collection: m.Collection, Where: m.Where, OrderBy: m.Order}
}

func subscribeMessage(q models.Query) SubscribeMessage {
	return SubscribeMessage{Op: opSubscribe, Collection: q.Collection, Where: q.Where, Order: q.OrderBy}
}

// SnapshotMessage carries one complete snapshot.
type SnapshotMessage struct {
	Op        string          `json:"op"`
	Items     []models.Record `json:"items"`
	Timestamp int64           `json:"timestamp"`
}

// ErrorMessage ends the subscription.
type ErrorMessage struct {
	Op  string `json:"op"`
	Msg string `json:"msg"`
}

// AdjustResponse is the success body of the adjust endpoint.
type AdjustResponse struct {
	Res string `json:"res"`
}

// APIError is the error body of the adjust endpoint.
type APIError struct {
	Error string `json:"error"`
}
