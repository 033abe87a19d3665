package driver

import (
	"net/http"

	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/models"
	"github.com/convertful/integrations/internal/transport"
	"github.com/convertful/integrations/pkg/headers"
)

var rateLimits = headers.NewRegistry()

// CodeForStatus maps a failed provider response status onto an error code.
func CodeForStatus(status int) errors.Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.CodeWrongCredentials
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.CodeTemporary
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return errors.CodeWrongData
	default:
		return errors.CodeWrongRequest
	}
}

// ResponseError turns a failed response into an IntegrationError. The
// message is taken from the first non-empty of messageKeys in the body
// and falls back to the code default.
func (b *Base) ResponseError(resp *transport.Response, field string, messageKeys ...string) *errors.IntegrationError {
	code := CodeForStatus(resp.Code())
	msg := ""
	for _, key := range messageKeys {
		if m := models.Stringify(resp.Path("", models.DottedPath(key)...)); m != "" {
			msg = m
			break
		}
	}

	ie := errors.WrapIntegrationError(code, field, msg, resp.Err())
	if code == errors.CodeTemporary {
		if rl, err := rateLimits.AutoDetect(headers.FromMap(resp.Headers()), b.deps.now()); err == nil {
			ie.RetryAfter = rl.Wait(b.deps.now())
		}
	}
	b.deps.Metrics.RecordIntegrationError(b.self.Name(), code.Category())
	b.Logger().Warn("provider call failed",
		"status", resp.Code(),
		"code", int(code),
		"request", resp.Request().String(),
		"retry_after", ie.RetryAfter.String(),
	)
	return ie
}
