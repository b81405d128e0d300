// Package request defines the unit of work processed by the crawler: a single
// URL together with its method, payload, retry bookkeeping, and user metadata.
package request

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// maxErrorMessages bounds the error history kept per request so that a
// request retried against a persistently failing site cannot grow without
// limit in memory or on disk.
const maxErrorMessages = 10

// Request represents one URL to process. Requests are identified by
// UniqueKey; two requests with the same UniqueKey are considered duplicates
// by the frontier regardless of any other field.
type Request struct {
	// ID is assigned by the queue backend when the request is added. It is
	// empty for requests that have not passed through a queue.
	ID string `json:"id,omitempty"`

	// UniqueKey is the stable identifier of the request. If the caller leaves
	// it empty it is computed from the normalized URL, method, and payload.
	UniqueKey string `json:"uniqueKey"`

	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload []byte            `json:"payload,omitempty"`

	// UserData carries arbitrary caller metadata through the frontier and
	// back into the handler. The engine never inspects it.
	UserData map[string]any `json:"userData,omitempty"`

	RetryCount    int      `json:"retryCount"`
	ErrorMessages []string `json:"errorMessages,omitempty"`

	// NoRetry marks the request as non-retryable: a single handler failure
	// sends it straight to the failed-request handler.
	NoRetry bool `json:"noRetry,omitempty"`

	// LoadedURL is the final URL after redirects, set after handling.
	LoadedURL string `json:"loadedUrl,omitempty"`

	HandledAt *time.Time `json:"handledAt,omitempty"`
}

// New creates a GET request for the given URL with a computed UniqueKey.
func New(rawURL string) *Request {
	r := &Request{URL: rawURL, Method: "GET"}
	r.UniqueKey = ComputeUniqueKey(rawURL, r.Method, nil)
	return r
}

// EnsureUniqueKey fills in UniqueKey if the caller did not override it and
// defaults the method to GET. It is called by every frontier entry point so
// partially constructed requests are safe to enqueue.
func (r *Request) EnsureUniqueKey() {
	if r.Method == "" {
		r.Method = "GET"
	}
	if r.UniqueKey == "" {
		r.UniqueKey = ComputeUniqueKey(r.URL, r.Method, r.Payload)
	}
}

// PushErrorMessage appends msg to the request's error history, keeping only
// the most recent maxErrorMessages entries.
func (r *Request) PushErrorMessage(msg string) {
	r.ErrorMessages = append(r.ErrorMessages, msg)
	if len(r.ErrorMessages) > maxErrorMessages {
		r.ErrorMessages = r.ErrorMessages[len(r.ErrorMessages)-maxErrorMessages:]
	}
}

// MarkHandled stamps the request with the current time.
func (r *Request) MarkHandled(now time.Time) {
	t := now.UTC()
	r.HandledAt = &t
}

// Clone returns a deep copy of the request. The frontier hands clones to
// callers so a retained reference cannot mutate queue state.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	if r.Headers != nil {
		c.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			c.Headers[k] = v
		}
	}
	if r.UserData != nil {
		c.UserData = make(map[string]any, len(r.UserData))
		for k, v := range r.UserData {
			c.UserData[k] = v
		}
	}
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	if r.ErrorMessages != nil {
		c.ErrorMessages = append([]string(nil), r.ErrorMessages...)
	}
	if r.HandledAt != nil {
		t := *r.HandledAt
		c.HandledAt = &t
	}
	return &c
}

// ComputeUniqueKey derives the deduplication identifier from the normalized
// URL, the HTTP method, and the payload. The result is a hex digest, which
// keeps it safe for use as a filename in the local queue backend.
func ComputeUniqueKey(rawURL, method string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(NormalizeURL(rawURL)))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{'|'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// NormalizeURL canonicalizes a URL for deduplication: whitespace trimmed,
// scheme and host lowercased, default ports and fragments dropped. Invalid
// URLs are returned trimmed so they still dedupe against themselves.
func NormalizeURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" {
		return trimmed
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	u.Fragment = ""
	return u.String()
}
