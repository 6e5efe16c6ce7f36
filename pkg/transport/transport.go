// Package transport implements the mutual-TLS HTTPS transport: a POST of
// the UTF-8 XML envelope, with Content-Type and a quoted SOAPAction header,
// under a per-request timeout.
//
// Stdlib crypto/tls + net/http: no third-party mTLS client library is the
// default choice in the wider Go ecosystem over crypto/tls.Config{Certificates: ...}
// — this is the one ambient concern legitimately served by stdlib alone
// (see DESIGN.md).
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/certen/verifactu-client/pkg/metrics"
	"github.com/certen/verifactu-client/pkg/vferrors"
)

// Credentials is the caller-supplied certificate material for mutual TLS.
// Loading it from a file or another provider is explicitly out of the
// core's scope — the core only ever consumes an already-parsed
// certificate.
type Credentials struct {
	Certificate tls.Certificate
	RootCAs     *x509.CertPool // nil means use the system root pool
}

// Transport sends SOAP envelopes over a mutually-authenticated HTTPS
// connection.
type Transport struct {
	client         *http.Client
	requestTimeout time.Duration

	metrics     *metrics.Registry
	environment string
}

// Option configures optional Transport behavior beyond the certificate and
// timeout New always takes.
type Option func(*Transport)

// WithMetrics attaches a metrics.Registry so every classified transport
// failure increments TransportErrorsTotal under environment's label. Without
// this option Transport emits no metrics at all.
func WithMetrics(reg *metrics.Registry, environment string) Option {
	return func(t *Transport) {
		t.metrics = reg
		t.environment = environment
	}
}

// New constructs a Transport from client certificate credentials. timeout
// is the per-request deadline; 0 selects the default
// of 30 000 ms.
func New(creds Credentials, timeout time.Duration, opts ...Option) *Transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{creds.Certificate},
		RootCAs:      creds.RootCAs,
		MinVersion:   tls.VersionTLS12,
	}
	t := &Transport{
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		requestTimeout: timeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send posts body to endpoint with the given SOAPAction, returning the raw
// response body. ctx carries the caller's own deadline/cancellation; Send
// additionally applies its own requestTimeout on top — the request timeout
// begins when the transport starts, not when Execute is called.
func (t *Transport) Send(ctx context.Context, endpoint, soapAction string, body []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, vferrors.Wrap(vferrors.KindNetwork, "REQUEST_BUILD_FAILED", "could not build HTTP request", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", fmt.Sprintf("%q", soapAction))

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, vferrors.ErrCancelled
		}
		vfErr := classifyTransportError(err)
		if t.metrics != nil {
			t.metrics.ObserveTransportError(t.environment, vfErr.Kind.String())
		}
		return nil, vfErr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vferrors.Wrap(vferrors.KindNetwork, "RESPONSE_READ_FAILED", "could not read response body", err)
	}
	return raw, nil
}

// classifyTransportError maps a transport-level failure into the taxonomy
// TLS handshake failures are not retryable, everything else
// (connection refused, DNS failure, reset, deadline exceeded) is.
func classifyTransportError(err error) *vferrors.Error {
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) || isTLSHandshakeError(err) {
		return vferrors.Wrap(vferrors.KindNetwork, "TLS_HANDSHAKE", "TLS handshake failed", err).WithRetryHint(false, 0)
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
		return vferrors.Wrap(vferrors.KindTimeout, "TRANSPORT_TIMEOUT", "request exceeded its deadline", err).WithRetryHint(true, 2000)
	}
	return vferrors.Wrap(vferrors.KindNetwork, "CONNECTION_FAILED", "transport request failed", err).WithRetryHint(true, 1000)
}

func isTLSHandshakeError(err error) bool {
	return strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "handshake failure")
}
