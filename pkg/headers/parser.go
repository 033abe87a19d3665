// Package headers parses the rate limit headers providers attach to
// throttled responses.
package headers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimit is the request budget a response reports. Remaining is -1
// when the provider did not say.
type RateLimit struct {
	Provider   string
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
}

// Wait is how long a caller should hold off before the next request.
func (rl *RateLimit) Wait(now time.Time) time.Duration {
	if rl == nil {
		return 0
	}
	if rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	if rl.Remaining == 0 && rl.Reset.After(now) {
		return rl.Reset.Sub(now)
	}
	return 0
}

// Parser defines the interface for parsing provider-specific headers
type Parser interface {
	// Parse extracts the rate limit from HTTP response headers
	Parse(headers http.Header, now time.Time) (*RateLimit, error)
	// Provider returns the provider name this parser handles
	Provider() string
	// Detect reports whether headers carry this parser's fields
	Detect(headers http.Header) bool
}

// HubSpotParser parses the X-HubSpot-RateLimit-* family.
type HubSpotParser struct{}

func (p *HubSpotParser) Provider() string { return "hubspot" }

func (p *HubSpotParser) Detect(headers http.Header) bool {
	return headers.Get("X-Hubspot-Ratelimit-Max") != "" ||
		headers.Get("X-Hubspot-Ratelimit-Remaining") != ""
}

// Parse prefers the secondly window and falls back to the daily one when
// that is the exhausted budget.
func (p *HubSpotParser) Parse(headers http.Header, now time.Time) (*RateLimit, error) {
	if !p.Detect(headers) {
		return nil, fmt.Errorf("no hubspot rate limit headers found")
	}
	rl := &RateLimit{
		Provider:   p.Provider(),
		Limit:      parseIntHeader(headers, "X-Hubspot-Ratelimit-Max"),
		Remaining:  parseRemaining(headers, "X-Hubspot-Ratelimit-Remaining"),
		RetryAfter: parseRetryAfter(headers, now),
	}
	if ms := parseIntHeader(headers, "X-Hubspot-Ratelimit-Interval-Milliseconds"); ms > 0 {
		rl.Reset = now.Add(time.Duration(ms) * time.Millisecond)
	}

	if parseRemaining(headers, "X-Hubspot-Ratelimit-Daily-Remaining") == 0 {
		rl.Limit = parseIntHeader(headers, "X-Hubspot-Ratelimit-Daily")
		rl.Remaining = 0
		y, m, d := now.UTC().Date()
		rl.Reset = time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	}
	return rl, nil
}

// GenericParser parses the widespread X-RateLimit-Limit/Remaining/Reset
// trio plus Retry-After.
type GenericParser struct{}

func (p *GenericParser) Provider() string { return "generic" }

func (p *GenericParser) Detect(headers http.Header) bool {
	return headers.Get("X-Ratelimit-Remaining") != "" ||
		headers.Get("X-Ratelimit-Reset") != "" ||
		headers.Get("Retry-After") != ""
}

func (p *GenericParser) Parse(headers http.Header, now time.Time) (*RateLimit, error) {
	if !p.Detect(headers) {
		return nil, fmt.Errorf("no rate limit headers found")
	}
	rl := &RateLimit{
		Provider:   p.Provider(),
		Limit:      parseIntHeader(headers, "X-Ratelimit-Limit"),
		Remaining:  parseRemaining(headers, "X-Ratelimit-Remaining"),
		RetryAfter: parseRetryAfter(headers, now),
	}
	// Reset is either an epoch timestamp or a delta in seconds
	if reset := parseIntHeader(headers, "X-Ratelimit-Reset"); reset > 0 {
		if reset > now.Unix()/2 {
			rl.Reset = time.Unix(reset, 0)
		} else {
			rl.Reset = now.Add(time.Duration(reset) * time.Second)
		}
	}
	return rl, nil
}

// Registry manages parsers for different providers
type Registry struct {
	parsers map[string]Parser
	order   []string
}

// NewRegistry creates a new parser registry with default parsers
func NewRegistry() *Registry {
	r := &Registry{
		parsers: make(map[string]Parser),
	}

	// Specific parsers first, AutoDetect tries them in order
	r.Register(&HubSpotParser{})
	r.Register(&GenericParser{})

	return r
}

// Register adds a parser to the registry
func (r *Registry) Register(parser Parser) {
	if _, ok := r.parsers[parser.Provider()]; !ok {
		r.order = append(r.order, parser.Provider())
	}
	r.parsers[parser.Provider()] = parser
}

// Get retrieves a parser for the given provider
func (r *Registry) Get(provider string) (Parser, bool) {
	parser, ok := r.parsers[provider]
	return parser, ok
}

// Parse attempts to parse headers using the appropriate provider parser
func (r *Registry) Parse(provider string, headers http.Header, now time.Time) (*RateLimit, error) {
	parser, ok := r.Get(provider)
	if !ok {
		return nil, fmt.Errorf("no parser registered for provider: %s", provider)
	}
	return parser.Parse(headers, now)
}

// AutoDetect parses headers with the first parser that recognizes them.
func (r *Registry) AutoDetect(headers http.Header, now time.Time) (*RateLimit, error) {
	for _, name := range r.order {
		if p := r.parsers[name]; p.Detect(headers) {
			return p.Parse(headers, now)
		}
	}
	return nil, fmt.Errorf("unable to detect rate limit headers")
}

// FromMap builds a canonical header set from a flat, possibly lowercased map.
func FromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// Helper functions

func parseIntHeader(headers http.Header, key string) int64 {
	val := strings.TrimSpace(headers.Get(key))
	if val == "" {
		return 0
	}

	// Handle duration format like "0s", "60s"
	if strings.HasSuffix(val, "s") {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0
		}
		return int64(d.Seconds())
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseRemaining(headers http.Header, key string) int64 {
	if strings.TrimSpace(headers.Get(key)) == "" {
		return -1
	}
	return parseIntHeader(headers, key)
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(headers http.Header, now time.Time) time.Duration {
	val := strings.TrimSpace(headers.Get("Retry-After"))
	if val == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(val); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
