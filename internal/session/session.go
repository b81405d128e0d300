// Package session tracks reputation-scored client identities. A session
// bundles a cookie jar and an optional proxy binding and is reused across
// requests until its error score or usage count retires it.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	defaultMaxUsageCount = 50
	defaultMaxErrorScore = 3.0
	defaultMaxAge        = 50 * time.Minute

	// errorScoreDecrement is subtracted from the error score on each good
	// outcome, letting a session recover from sporadic failures.
	errorScoreDecrement = 1.0
)

// Options configures a new session. Zero values fall back to defaults.
type Options struct {
	ID            string
	MaxUsageCount int
	MaxErrorScore float64
	MaxAge        time.Duration
	ProxyURL      string
}

// Session is one reputation-tracked identity.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	UsageCount    int     `json:"usageCount"`
	ErrorScore    float64 `json:"errorScore"`
	MaxUsageCount int     `json:"maxUsageCount"`
	MaxErrorScore float64 `json:"maxErrorScore"`

	ProxyURL string `json:"proxyUrl,omitempty"`

	// CookiesByOrigin mirrors the jar contents for persistence; the jar
	// itself cannot be enumerated.
	CookiesByOrigin map[string][]*http.Cookie `json:"cookies,omitempty"`

	Retired bool `json:"retired,omitempty"`

	mu  sync.Mutex
	jar http.CookieJar
}

// New creates a session with a fresh public-suffix-aware cookie jar.
func New(opts Options) (*Session, error) {
	if opts.ID == "" {
		opts.ID = newSessionID()
	}
	if opts.MaxUsageCount <= 0 {
		opts.MaxUsageCount = defaultMaxUsageCount
	}
	if opts.MaxErrorScore <= 0 {
		opts.MaxErrorScore = defaultMaxErrorScore
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Session{
		ID:              opts.ID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(opts.MaxAge),
		MaxUsageCount:   opts.MaxUsageCount,
		MaxErrorScore:   opts.MaxErrorScore,
		ProxyURL:        opts.ProxyURL,
		CookiesByOrigin: make(map[string][]*http.Cookie),
		jar:             jar,
	}, nil
}

// snapshot copies the exported fields under the session lock so the copy
// can be marshalled while handler tasks keep mutating the original. The
// jar is left nil; restoreJar rebuilds it from the origin map.
func (s *Session) snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := &Session{
		ID:            s.ID,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
		UsageCount:    s.UsageCount,
		ErrorScore:    s.ErrorScore,
		MaxUsageCount: s.MaxUsageCount,
		MaxErrorScore: s.MaxErrorScore,
		ProxyURL:      s.ProxyURL,
		Retired:       s.Retired,
	}
	if len(s.CookiesByOrigin) > 0 {
		copied.CookiesByOrigin = make(map[string][]*http.Cookie, len(s.CookiesByOrigin))
		for origin, cookies := range s.CookiesByOrigin {
			copied.CookiesByOrigin[origin] = append([]*http.Cookie(nil), cookies...)
		}
	}
	return copied
}

// restoreJar rebuilds the cookie jar from the persisted origin map. Called
// after unmarshalling a persisted session.
func (s *Session) restoreJar() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return err
	}
	for origin, cookies := range s.CookiesByOrigin {
		u, err := url.Parse(origin)
		if err != nil {
			continue
		}
		jar.SetCookies(u, cookies)
	}
	s.jar = jar
	return nil
}

// IsUsable reports whether the session may serve another request.
func (s *Session) IsUsable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

func (s *Session) usableLocked() bool {
	if s.Retired {
		return false
	}
	if s.ErrorScore >= s.MaxErrorScore {
		return false
	}
	if s.UsageCount >= s.MaxUsageCount {
		return false
	}
	if !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt) {
		return false
	}
	return true
}

// MarkGood records a successful use. The error score decays so a session
// with occasional failures stays alive.
func (s *Session) MarkGood() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UsageCount++
	s.ErrorScore -= errorScoreDecrement
	if s.ErrorScore < 0 {
		s.ErrorScore = 0
	}
}

// MarkBad records a failed use.
func (s *Session) MarkBad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UsageCount++
	s.ErrorScore++
}

// Retire takes the session out of rotation permanently.
func (s *Session) Retire() {
	s.mu.Lock()
	s.Retired = true
	s.mu.Unlock()
}

// IsRetired reports whether Retire was called.
func (s *Session) IsRetired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Retired
}

// SetCookies stores cookies for the URL in the jar and in the persisted
// origin map.
func (s *Session) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jar != nil {
		s.jar.SetCookies(u, cookies)
	}
	origin := u.Scheme + "://" + u.Host
	s.CookiesByOrigin[origin] = append(s.CookiesByOrigin[origin], cookies...)
}

// Cookies returns the cookies the jar would send to the URL.
func (s *Session) Cookies(u *url.URL) []*http.Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jar == nil {
		return nil
	}
	return s.jar.Cookies(u)
}

func newSessionID() string {
	var b [10]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "session_" + hex.EncodeToString([]byte(time.Now().Format("150405.000")))
	}
	return "session_" + hex.EncodeToString(b[:])
}
