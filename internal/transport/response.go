package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/convertful/integrations/internal/models"
)

// Response decode formats.
const (
	FormatJSON = "json"
	FormatXML  = "xml"
	FormatForm = "form"
)

// Response is the decoded result of one executed Request.
type Response struct {
	request *Request
	code    int
	body    []byte
	headers map[string]string
	data    any
	err     error
}

// NewResponse decodes body by forcedFormat, or by the Content-Type header
// when forcedFormat is empty. A successful response with an unknown
// content type becomes 415; one that fails to decode becomes 422.
// An empty body decodes to nil data and keeps the status.
func NewResponse(req *Request, code int, body []byte, headers map[string]string, forcedFormat string) *Response {
	if headers == nil {
		headers = map[string]string{}
	}
	r := &Response{
		request: req,
		code:    code,
		body:    body,
		headers: headers,
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return r
	}

	format := forcedFormat
	if format == "" {
		format = formatFromContentType(headers["content-type"])
	}

	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(body, &r.data)
	case FormatXML:
		r.data, err = DecodeXML(body)
	case FormatForm:
		r.data, err = decodeForm(string(body))
	default:
		if r.IsSuccessful() {
			r.code = http.StatusUnsupportedMediaType
		}
		return r
	}
	if err != nil {
		r.data = nil
		r.err = err
		if r.IsSuccessful() {
			r.code = http.StatusUnprocessableEntity
		}
	}
	return r
}

func formatFromContentType(ct string) string {
	mediaType, _, _ := strings.Cut(ct, ";")
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "application/json":
		return FormatJSON
	case "application/xml", "text/xml":
		return FormatXML
	case "text/plain":
		return FormatForm
	default:
		return ""
	}
}

func decodeForm(body string) (map[string]any, error) {
	parsed, err := url.ParseQuery(strings.TrimSpace(body))
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(parsed))
	for k, values := range parsed {
		if len(values) == 1 {
			out[k] = values[0]
			continue
		}
		list := make([]any, len(values))
		for i := range values {
			list[i] = values[i]
		}
		out[k] = list
	}
	return out, nil
}

func (r *Response) Request() *Request { return r.request }

func (r *Response) Code() int { return r.code }

func (r *Response) Body() string { return string(r.body) }

// Err is the transport or decode error behind a synthesized status, if any.
func (r *Response) Err() error { return r.err }

// IsSuccessful reports a 2xx status.
func (r *Response) IsSuccessful() bool {
	return r.code >= 200 && r.code < 300
}

// IsTemporary reports a 5xx status, worth retrying later.
func (r *Response) IsTemporary() bool {
	return r.code >= 500
}

// Headers returns a copy of the lower-cased response headers.
func (r *Response) Headers() map[string]string {
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

func (r *Response) Header(name string) string {
	return r.headers[strings.ToLower(name)]
}

// Data returns the decoded body: a map, a list, a scalar or nil.
func (r *Response) Data() any { return r.data }

// Values returns the decoded body as a map, or an empty map when it is not one.
func (r *Response) Values() models.Values {
	if m, ok := models.AsMap(r.data); ok {
		return m
	}
	return models.Values{}
}

func (r *Response) Get(key string, def any) any {
	return r.Values().Get(key, def)
}

func (r *Response) Path(def any, keys ...string) any {
	return r.Values().Path(def, keys...)
}

// XMLRPCResult decodes the raw body as an XML-RPC methodResponse.
func (r *Response) XMLRPCResult() (any, error) {
	return DecodeXMLRPCResponse(r.body)
}

// RetryRequest waits and executes the owning request again. The new
// response gets its own log entry.
func (r *Response) RetryRequest(ctx context.Context, wait time.Duration) *Response {
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return r.request.Execute(ctx)
}
