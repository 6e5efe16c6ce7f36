package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/certen/verifactu-client/pkg/metrics"
	"github.com/certen/verifactu-client/pkg/vferrors"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func newTLSServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = &tls.Config{ClientAuth: tls.RequestClientCert}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func newTestTransport(t *testing.T, srv *httptest.Server, timeout time.Duration) *Transport {
	t.Helper()
	tr := New(Credentials{Certificate: selfSignedCert(t)}, timeout)
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	tr.client.Transport.(*http.Transport).TLSClientConfig.RootCAs = pool
	tr.client.Transport.(*http.Transport).TLSClientConfig.InsecureSkipVerify = true
	return tr
}

func TestSend_PostsBodyWithExpectedHeaders(t *testing.T) {
	var gotContentType, gotSOAPAction, gotBody string
	srv := newTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotSOAPAction = r.Header.Get("SOAPAction")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Write([]byte("<response/>"))
	})

	tr := newTestTransport(t, srv, 2*time.Second)
	_, err := tr.Send(context.Background(), srv.URL, "SuministroLRFacturasEmitidas", []byte("<envelope/>"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotContentType != "text/xml; charset=utf-8" {
		t.Fatalf("Content-Type = %q", gotContentType)
	}
	if gotSOAPAction != `"SuministroLRFacturasEmitidas"` {
		t.Fatalf("SOAPAction = %q, want quoted action name", gotSOAPAction)
	}
	if gotBody != "<envelope/>" {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestSend_RequestTimeout_IsRetryableTimeout(t *testing.T) {
	srv := newTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte("<response/>"))
	})

	tr := newTestTransport(t, srv, 10*time.Millisecond)
	_, err := tr.Send(context.Background(), srv.URL, "Action", []byte("<envelope/>"))
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var vfErr *vferrors.Error
	if !errors.As(err, &vfErr) || vfErr.Kind != vferrors.KindTimeout {
		t.Fatalf("expected KindTimeout, got %v", err)
	}
	if !vferrors.Retryable(vfErr) {
		t.Fatal("transport timeout should be retryable")
	}
}

func TestSend_TransportFailure_RecordsMetricWhenConfigured(t *testing.T) {
	srv := newTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	})

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	tr := New(Credentials{Certificate: selfSignedCert(t)}, 5*time.Millisecond, WithMetrics(reg, "sandbox"))
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	tr.client.Transport.(*http.Transport).TLSClientConfig.RootCAs = pool
	tr.client.Transport.(*http.Transport).TLSClientConfig.InsecureSkipVerify = true

	if _, err := tr.Send(context.Background(), srv.URL, "Action", []byte("<envelope/>")); err == nil {
		t.Fatal("expected a timeout error")
	}

	got := testutil.ToFloat64(reg.TransportErrorsTotal.WithLabelValues("sandbox", vferrors.KindTimeout.String()))
	if got != 1 {
		t.Fatalf("TransportErrorsTotal{sandbox,TimeoutError} = %v, want 1", got)
	}
}

func TestSend_TransportFailure_NoMetricsConfigured_DoesNotPanic(t *testing.T) {
	srv := newTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	})
	tr := newTestTransport(t, srv, 5*time.Millisecond)
	if _, err := tr.Send(context.Background(), srv.URL, "Action", []byte("<envelope/>")); err == nil {
		t.Fatal("expected a timeout error")
	}
}
