package frontier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/crawlkit/crawlkit/internal/request"
)

// AddResult reports the outcome of adding a request to a queue.
type AddResult struct {
	RequestID         string `json:"requestId"`
	WasAlreadyPresent bool   `json:"wasAlreadyPresent"`
	WasAlreadyHandled bool   `json:"wasAlreadyHandled"`
}

// Queue is a deduplicated queue of requests with per-request lifecycle
// states. Implementations are safe for concurrent use.
//
// FetchNextRequest returns (nil, nil) when no pending request is available.
// Forefront inserts become visible to fetches issued after the insert
// returns, never to one already in flight.
type Queue interface {
	AddRequest(ctx context.Context, req *request.Request, forefront bool) (AddResult, error)
	FetchNextRequest(ctx context.Context) (*request.Request, error)
	MarkRequestHandled(ctx context.Context, req *request.Request) error
	ReclaimRequest(ctx context.Context, req *request.Request, forefront bool) error
	IsEmpty(ctx context.Context) (bool, error)
	IsFinished(ctx context.Context) (bool, error)
	HandledCount() int
}

// requestIDFromKey derives a filesystem and URL safe request identifier from
// a unique key. Keys produced by request.ComputeUniqueKey are already hex and
// pass through unchanged; caller-supplied keys are hashed.
func requestIDFromKey(uniqueKey string) string {
	for _, c := range uniqueKey {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			sum := sha256.Sum256([]byte(uniqueKey))
			return hex.EncodeToString(sum[:])[:32]
		}
	}
	if uniqueKey == "" || len(uniqueKey) > 64 {
		sum := sha256.Sum256([]byte(uniqueKey))
		return hex.EncodeToString(sum[:])[:32]
	}
	return uniqueKey
}
