package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/wolfwarden/wolfwarden/pkg/core"
)

// Proxy forwards arbitrary HTTP traffic to the host process over the same
// resilient channel the event reader uses. Hop-by-hop headers are handled
// by httputil.ReverseProxy; X-Forwarded-* headers are set on the way out.
type Proxy struct {
	channel *Channel
	prefix  string
	rp      *httputil.ReverseProxy
}

// NewProxy creates a proxy that strips prefix from incoming request paths
// before forwarding.
func NewProxy(channel *Channel, prefix string) *Proxy {
	p := &Proxy{channel: channel, prefix: prefix}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = "wolf"
			path := strings.TrimPrefix(pr.In.URL.Path, p.prefix)
			if path == "" {
				path = "/"
			}
			pr.Out.URL.Path = path
			pr.SetXForwarded()
		},
		Transport:    &retryTransport{channel: channel, base: channel.httpTransport()},
		ErrorHandler: p.handleError,
	}
	return p
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// Ready reports whether the upstream socket is reachable.
func (p *Proxy) Ready(ctx context.Context) error {
	return p.channel.Ready(ctx)
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	logger.Errorf("proxying %s %s: %v", r.Method, r.URL.Path, err)

	status := http.StatusBadGateway
	label := "UpstreamError"
	var netErr interface{ Timeout() bool }
	switch {
	case errors.Is(err, core.ErrRetryExhausted), isConnectError(err):
		status = http.StatusServiceUnavailable
		label = "UpstreamUnavailable"
	case errors.As(err, &netErr) && netErr.Timeout():
		status = http.StatusGatewayTimeout
		label = "UpstreamTimeout"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   label,
		"message": err.Error(),
	})
}

// retryTransport applies the channel's backoff policy to connection
// failures. Requests whose body cannot be replayed (streaming uploads
// without GetBody) get a single attempt, since a partially consumed body
// must not be resent.
type retryTransport struct {
	channel *Channel
	base    http.RoundTripper
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return t.base.RoundTrip(req)
	}

	var resp *http.Response
	err := t.channel.WithRetry(req.Context(), func(ctx context.Context) error {
		attempt := req
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return bodyErr
			}
			attempt = req.Clone(ctx)
			attempt.Body = body
		}
		res, rtErr := t.base.RoundTrip(attempt)
		if rtErr != nil {
			return rtErr
		}
		resp = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
