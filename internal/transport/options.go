package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultTimeout        = 12 * time.Second
	DefaultUserAgent      = "Convertful/1.0 (+https://convertful.com)"
)

// Options are the low-level knobs of one outbound call.
type Options struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	// InsecureSkipVerify disables TLS peer and host verification.
	// WARNING: it is ON by default to keep provider staging endpoints with
	// self-signed certificates working. Turn it off in config
	// (http.insecure_skip_verify: false) for any deployment that can.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
	// FreshConnect disables connection reuse between calls.
	FreshConnect bool `yaml:"fresh_connect" json:"fresh_connect"`
	// FailOnError discards the body of responses with status >= 400.
	FailOnError bool   `yaml:"fail_on_error" json:"fail_on_error"`
	UserAgent   string `yaml:"user_agent" json:"user_agent"`
	// UTLSFingerprint dials TLS with a browser ClientHello ("chrome").
	UTLSFingerprint string `yaml:"utls_fingerprint" json:"utls_fingerprint"`
}

// DefaultOptions returns the defaults every request starts from.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:     DefaultConnectTimeout,
		Timeout:            DefaultTimeout,
		InsecureSkipVerify: true,
		FreshConnect:       true,
		FailOnError:        false,
		UserAgent:          DefaultUserAgent,
	}
}

// Merge overlays non-zero fields of o onto base. Booleans always win
// because their zero value is meaningful.
func (base Options) Merge(o Options) Options {
	out := base
	if o.ConnectTimeout > 0 {
		out.ConnectTimeout = o.ConnectTimeout
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	if o.UserAgent != "" {
		out.UserAgent = o.UserAgent
	}
	if o.UTLSFingerprint != "" {
		out.UTLSFingerprint = o.UTLSFingerprint
	}
	out.InsecureSkipVerify = o.InsecureSkipVerify
	out.FreshConnect = o.FreshConnect
	out.FailOnError = o.FailOnError
	return out
}

func newHTTPClient(opts Options) *http.Client {
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: newTransport(opts),
	}
}

func newTransport(opts Options) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	if !strings.EqualFold(opts.UTLSFingerprint, "chrome") {
		return &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: opts.ConnectTimeout,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}, //nolint:gosec // explicit, documented opt-out
			DisableKeepAlives:   opts.FreshConnect,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			rawConn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host := addr
			if strings.Contains(addr, ":") {
				host, _, _ = net.SplitHostPort(addr)
			}
			config := &utls.Config{
				ServerName:         host,
				InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // explicit, documented opt-out
				NextProtos:         []string{"http/1.1"},
			}
			uconn := utls.UClient(rawConn, config, utls.HelloChrome_120)
			if err := uconn.Handshake(); err != nil {
				_ = rawConn.Close()
				return nil, err
			}
			return uconn, nil
		},
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		DisableKeepAlives:   opts.FreshConnect,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
}
