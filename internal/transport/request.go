package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/convertful/integrations/internal/logging"
	"github.com/convertful/integrations/internal/metrics"
)

// Status codes synthesized for transport failures that produced no response.
const (
	StatusLoopDetected = http.StatusLoopDetected // 508: timeout, refused or reset connection
	StatusNotFound     = http.StatusNotFound     // 404: host could not be resolved
	StatusBadRequest   = http.StatusBadRequest   // 400: anything else
)

// Request is a chainable HTTP request builder. Every setter returns the
// same *Request. A Request is not safe for concurrent use.
type Request struct {
	method  string
	url     string
	headers map[string]string
	cookies map[string]string
	data    *Payload
	opts    Options

	client  *http.Client
	log     *Log
	logger  *logging.Logger
	metrics *metrics.Metrics
	driver  string
	clock   func() time.Time
	nonceFn func() string
}

// RequestOption configures a Request at construction.
type RequestOption func(*Request)

// WithLogger sets the logger used for per-call debug lines.
func WithLogger(l *logging.Logger) RequestOption {
	return func(r *Request) { r.logger = l }
}

// WithMetrics records every executed call.
func WithMetrics(m *metrics.Metrics) RequestOption {
	return func(r *Request) { r.metrics = m }
}

// WithClient overrides the HTTP client built from the transport options.
func WithClient(c *http.Client) RequestOption {
	return func(r *Request) { r.client = c }
}

// WithClock sets the time source used for OAuth 1.0a timestamps.
func WithClock(now func() time.Time) RequestOption {
	return func(r *Request) { r.clock = now }
}

// WithNonce sets the nonce source used for OAuth 1.0a signing.
func WithNonce(nonce func() string) RequestOption {
	return func(r *Request) { r.nonceFn = nonce }
}

// WithDriverName labels logs and metrics with the calling driver.
func WithDriverName(name string) RequestOption {
	return func(r *Request) { r.driver = name }
}

// WithOptions sets the transport options.
func WithOptions(o Options) RequestOption {
	return func(r *Request) { r.opts = o }
}

// WithLog shares an externally owned log from the start.
func WithLog(l *Log) RequestOption {
	return func(r *Request) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates a GET request with default transport options and its own log.
func New(opts ...RequestOption) *Request {
	r := &Request{
		method:  http.MethodGet,
		headers: make(map[string]string),
		cookies: make(map[string]string),
		data:    NewPayload(),
		opts:    DefaultOptions(),
		log:     NewLog(),
		driver:  "unknown",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Method sets the HTTP method. Empty resets to GET.
func (r *Request) Method(method string) *Request {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	r.method = method
	return r
}

func (r *Request) GetMethod() string { return r.method }

// Header sets one header. Keys are kept exactly as given.
func (r *Request) Header(key, value string) *Request {
	r.headers[key] = value
	return r
}

// Headers merges headers into the current set.
func (r *Request) Headers(h map[string]string) *Request {
	for k, v := range h {
		r.headers[k] = v
	}
	return r
}

func (r *Request) GetHeader(key string) string { return r.headers[key] }

// GetHeaders returns a copy of the request headers.
func (r *Request) GetHeaders() map[string]string {
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

// Cookies merges cookies into the current set.
func (r *Request) Cookies(c map[string]string) *Request {
	for k, v := range c {
		r.cookies[k] = v
	}
	return r
}

func (r *Request) URL(u string) *Request {
	r.url = u
	return r
}

func (r *Request) GetURL() string { return r.url }

// Data merges a map into the payload. Keys are added in sorted order;
// use Set when the provider cares about field order.
func (r *Request) Data(data map[string]any) *Request {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.data.Set(k, data[k])
	}
	return r
}

// Set adds or replaces one payload key, keeping first-insertion order.
func (r *Request) Set(key string, value any) *Request {
	r.data.Set(key, value)
	return r
}

// GetData returns the live payload.
func (r *Request) GetData() *Payload { return r.data }

// TransportOptions replaces the transport options.
func (r *Request) TransportOptions(o Options) *Request {
	r.opts = o
	return r
}

func (r *Request) GetTransportOptions() Options { return r.opts }

// BasicAuth sets the Authorization header for HTTP basic auth.
func (r *Request) BasicAuth(user, pass string) *Request {
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	return r.Header("Authorization", "Basic "+token)
}

// LogTo redirects log entries into an externally owned log.
func (r *Request) LogTo(l *Log) *Request {
	if l != nil {
		r.log = l
	}
	return r
}

// Log returns the log this request appends to.
func (r *Request) Log() *Log { return r.log }

func (r *Request) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

func (r *Request) nonce() string {
	if r.nonceFn != nil {
		return r.nonceFn()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// lookupHeader finds a header ignoring case.
func (r *Request) lookupHeader(name string) (string, string, bool) {
	for k, v := range r.headers {
		if strings.EqualFold(k, name) {
			return k, v, true
		}
	}
	return "", "", false
}

// Execute performs the request. Transport failures never surface as Go
// errors; they become a Response with a synthesized status code and Err set.
func (r *Request) Execute(ctx context.Context) *Response {
	started := time.Now()
	headers := r.GetHeaders()

	body, err := r.encodeBody(headers)
	if err != nil {
		resp := &Response{request: r, code: StatusBadRequest, headers: map[string]string{}, err: err}
		r.finish(ctx, resp, headers, started)
		return resp
	}

	target := r.url
	if r.method == http.MethodGet && r.data.Len() > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + BuildQuery(r.data)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, reader)
	if err != nil {
		resp := &Response{request: r, code: StatusBadRequest, headers: map[string]string{}, err: err}
		r.finish(ctx, resp, headers, started)
		return resp
	}
	for k, v := range headers {
		req.Header[k] = []string{v}
	}
	if _, _, ok := r.lookupHeader("User-Agent"); !ok && r.opts.UserAgent != "" {
		req.Header.Set("User-Agent", r.opts.UserAgent)
	}
	if cookie := r.cookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	httpResp, err := r.httpClient().Do(req)
	if err != nil {
		resp := &Response{request: r, code: classifyTransportError(err), headers: map[string]string{}, err: err}
		r.finish(ctx, resp, headers, started)
		return resp
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil && httpResp.StatusCode != http.StatusNoContent && len(raw) == 0 {
		resp := &Response{request: r, code: classifyTransportError(err), headers: map[string]string{}, err: err}
		r.finish(ctx, resp, headers, started)
		return resp
	}
	if r.opts.FailOnError && httpResp.StatusCode >= 400 {
		raw = nil
	}

	resp := NewResponse(r, httpResp.StatusCode, raw, flattenHeaders(httpResp.Header), r.forcedFormat())
	r.finish(ctx, resp, headers, started)
	return resp
}

// encodeBody serializes the payload for non-GET requests according to the
// Content-Type header. headers is the outgoing set and may be adjusted.
func (r *Request) encodeBody(headers map[string]string) ([]byte, error) {
	if r.method == http.MethodGet {
		return nil, nil
	}

	_, contentType, _ := r.lookupHeader("Content-Type")
	ct := strings.ToLower(strings.TrimSpace(contentType))

	switch {
	case strings.HasPrefix(ct, "application/") && strings.Contains(ct, "json"):
		if r.data.Len() == 0 {
			return nil, nil
		}
		return encodeJSON(r.data)
	case strings.HasPrefix(ct, "application/") && strings.Contains(ct, "xml"):
		if key, method, ok := r.lookupHeader(XMLRPCMethodHeader); ok {
			delete(headers, key)
			return EncodeXMLRPCCall(method, r.data)
		}
		if r.data.Len() == 0 {
			return nil, nil
		}
		return EncodeXML(r.data)
	case ct == "application/x-www-form-urlencoded":
		return []byte(BuildQuery(r.data)), nil
	default:
		if r.data.Len() == 0 {
			return nil, nil
		}
		body, multipartType, err := encodeMultipart(r.data)
		if err != nil {
			return nil, err
		}
		// a multipart body is only readable with its boundary
		if key, _, ok := r.lookupHeader("Content-Type"); ok {
			delete(headers, key)
		}
		headers["Content-Type"] = multipartType
		return body, nil
	}
}

func (r *Request) cookieHeader() string {
	if len(r.cookies) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r.cookies))
	for k := range r.cookies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + r.cookies[k]
	}
	return strings.Join(parts, "; ")
}

// forcedFormat reads an Accept-Type header of the form application/...xml
// or application/...json.
func (r *Request) forcedFormat() string {
	_, accept, ok := r.lookupHeader("Accept-Type")
	if !ok {
		return ""
	}
	accept = strings.ToLower(strings.TrimSpace(accept))
	if !strings.HasPrefix(accept, "application/") {
		return ""
	}
	switch {
	case strings.HasSuffix(accept, "json"):
		return FormatJSON
	case strings.HasSuffix(accept, "xml"):
		return FormatXML
	default:
		return ""
	}
}

func (r *Request) finish(ctx context.Context, resp *Response, headers map[string]string, started time.Time) {
	elapsed := time.Since(started)

	entry := LogEntry{
		Request:         r.method + " " + r.url,
		Time:            started,
		RequestHeaders:  headers,
		ResponseCode:    resp.code,
		ResponseHeaders: resp.Headers(),
		ResponseData:    resp.data,
		ResponseBody:    string(resp.body),
	}
	if r.data.Len() > 0 {
		entry.RequestData = toPlain(r.data)
	}
	r.log.Append(entry)

	fields := []interface{}{
		"driver", r.driver,
		"method", r.method,
		"url", r.url,
		"status", resp.code,
		"duration_ms", elapsed.Milliseconds(),
	}
	if resp.err != nil {
		fields = append(fields, "error", resp.err.Error())
	}
	r.logger.DebugWithContext(ctx, "outbound request", fields...)
	r.metrics.RecordOutbound(r.driver, r.method, resp.code, elapsed.Seconds())
}

var clientCache sync.Map

// httpClient returns the explicit client, a fresh one per call when
// FreshConnect is set, or a cached client per distinct option set.
func (r *Request) httpClient() *http.Client {
	if r.client != nil {
		return r.client
	}
	if r.opts.FreshConnect {
		return newHTTPClient(r.opts)
	}
	if c, ok := clientCache.Load(r.opts); ok {
		return c.(*http.Client)
	}
	c, _ := clientCache.LoadOrStore(r.opts, newHTTPClient(r.opts))
	return c.(*http.Client)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		if len(values) == 0 {
			continue
		}
		out[strings.ToLower(k)] = strings.TrimSpace(values[len(values)-1])
	}
	return out
}

// classifyTransportError maps a failed round trip onto a status code.
func classifyTransportError(err error) int {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return StatusLoopDetected
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusLoopDetected
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return StatusLoopDetected
	}
	return StatusBadRequest
}

func (r *Request) String() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%s %s", r.method, r.url)
}
