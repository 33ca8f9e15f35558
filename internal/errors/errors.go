package errors

import "errors"

// View and pipeline errors.
var (
	ErrUnknownView        = errors.New("unknown view")
	ErrViewClosed         = errors.New("view closed")
	ErrCollectionRequired = errors.New("query collection is required")
	ErrInvalidDelta       = errors.New("adjustment delta must be +1 or -1")
)

// Document store errors.
var (
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrRecordNotFound     = errors.New("record not found")
)

// Server/transport errors.
var (
	ErrAPIRequest    = errors.New("API request failed")
	ErrAPIResponse   = errors.New("unexpected API response")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnsupportedOp = errors.New("unsupported operation")
)
