package client

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/certen/verifactu-client/pkg/chain"
	"github.com/certen/verifactu-client/pkg/limiter"
	"github.com/certen/verifactu-client/pkg/metrics"
	"github.com/certen/verifactu-client/pkg/record"
	"github.com/certen/verifactu-client/pkg/retry"
	"github.com/certen/verifactu-client/pkg/vferrors"
)

// fakeSender stands in for the mTLS transport so these tests exercise the
// orchestrator's wiring without a TLS round-trip. respond is called for
// every Send; it may return a different response (or error) per call.
type fakeSender struct {
	respond func(call int) ([]byte, error)
	calls   int32
}

func (f *fakeSender) Send(ctx context.Context, endpoint, soapAction string, body []byte) ([]byte, error) {
	n := int(atomic.AddInt32(&f.calls, 1)) - 1
	return f.respond(n)
}

func acceptedRegisterResponse() []byte {
	return []byte(`<?xml version="1.0"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:sum="https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/SuministroLR.xsd">
  <soapenv:Body>
    <sum:RespuestaRegFactura>
      <EstadoRegistro>Correcto</EstadoRegistro>
      <CSV>CSV123</CSV>
    </sum:RespuestaRegFactura>
  </soapenv:Body>
</soapenv:Envelope>`)
}

func rejectedRegisterResponse() []byte {
	return []byte(`<?xml version="1.0"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:sum="https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/SuministroLR.xsd">
  <soapenv:Body>
    <sum:RespuestaRegFactura>
      <EstadoRegistro>Rechazado</EstadoRegistro>
      <CodigoErrorRegistro>1234</CodigoErrorRegistro>
      <DescripcionErrorRegistro>Bad data</DescripcionErrorRegistro>
    </sum:RespuestaRegFactura>
  </soapenv:Body>
</soapenv:Envelope>`)
}

func newTestClient(t *testing.T, sndr sender) *Client {
	t.Helper()
	return &Client{
		env:      EnvironmentSandbox,
		software: record.SoftwareDescriptor{ProviderTaxID: "B00000000", ProviderName: "Acme", SoftwareName: "Acme Billing", SoftwareID: "01", SoftwareVersion: "1.0", InstallationNumber: "INST-1"},
		chain:     chain.New(record.NewChainState()),
		limiter:   limiter.New(4, 5*time.Second),
		transport: sndr,
		retry:     retry.Policy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1, JitterFactor: 0},
		logger:    log.New(log.Writer(), "[test] ", 0),
	}
}

func newTestClientWithMetrics(t *testing.T, sndr sender, reg *metrics.Registry) *Client {
	t.Helper()
	c := newTestClient(t, sndr)
	c.metrics = reg
	return c
}

func sampleRecord(series, number, date string) record.Record {
	d, _ := time.Parse("2006-01-02", date)
	return record.Record{
		Operation:       record.OperationRegister,
		IssuerTaxID:     "B12345678",
		Identity:        record.InvoiceIdentity{Series: series, Number: number, IssueDate: d},
		IssuerName:      "Test Co SL",
		InvoiceTypeCode: "F1",
		Recipients:      []record.Recipient{{TaxID: "A87654321", TaxIDKind: "NIF", DisplayName: "Client SA"}},
		Breakdown:       record.TaxBreakdown{VAT: []record.VATBreakdown{{TaxBase: 100, Rate: 21, VATAmount: 21}}},
		TotalAmount:     121.00,
	}
}

// Authority rejection returns accepted=false with no
// thrown error, and the chain is NOT rolled back.
func TestSubmit_AuthorityRejection_NoErrorChainNotRolledBack(t *testing.T) {
	sndr := &fakeSender{respond: func(int) ([]byte, error) { return rejectedRegisterResponse(), nil }}
	c := newTestClient(t, sndr)

	resp, err := c.Submit(context.Background(), sampleRecord("A", "001", "2024-01-15"))
	if err != nil {
		t.Fatalf("Submit returned an error for a business rejection: %v", err)
	}
	if resp.Accepted {
		t.Fatal("expected accepted=false")
	}
	if resp.ErrorCode != "1234" || resp.ErrorDescription != "Bad data" {
		t.Fatalf("errorCode/errorDescription = %q/%q", resp.ErrorCode, resp.ErrorDescription)
	}

	state, err := c.ChainState()
	if err != nil {
		t.Fatalf("ChainState: %v", err)
	}
	if state.RecordCount != 1 {
		t.Fatalf("recordCount = %d, want 1 (rejection must not roll back the chain advance)", state.RecordCount)
	}
}

// A retryable network failure on attempt 1, success on
// attempt 2. recordCount must land at 2 and the accepted fingerprint must be
// identical to what a single successful attempt would have produced.
func TestSubmitWithRetry_RollsBackChainBetweenAttempts(t *testing.T) {
	networkErr := vferrors.New(vferrors.KindNetwork, "CONNECTION_FAILED", "connection reset").WithRetryHint(true, 0)

	callCount := int32(0)
	sndr := &fakeSender{respond: func(n int) ([]byte, error) {
		atomic.AddInt32(&callCount, 1)
		if n == 1 {
			return nil, networkErr
		}
		return acceptedRegisterResponse(), nil
	}}
	c := newTestClient(t, sndr)

	first := sampleRecord("A", "001", "2024-01-15")
	if _, err := c.Submit(context.Background(), first); err != nil {
		t.Fatalf("priming Submit: %v", err)
	}
	atomic.StoreInt32(&callCount, 0)

	snapshotAfterFirst, err := c.ChainState()
	if err != nil {
		t.Fatalf("ChainState: %v", err)
	}

	second := sampleRecord("A", "002", "2024-01-16")
	resp, err := c.SubmitWithRetry(context.Background(), second, nil)
	if err != nil {
		t.Fatalf("SubmitWithRetry: %v", err)
	}
	if !resp.Accepted {
		t.Fatal("expected the second attempt to be accepted")
	}
	if atomic.LoadInt32(&callCount) != 2 {
		t.Fatalf("expected exactly 2 transport calls, got %d", callCount)
	}

	finalState, err := c.ChainState()
	if err != nil {
		t.Fatalf("ChainState: %v", err)
	}
	if finalState.RecordCount != 2 {
		t.Fatalf("recordCount = %d, want 2", finalState.RecordCount)
	}

	// Recompute what the fingerprint would have been had only one (successful)
	// attempt ever advanced the chain from snapshotAfterFirst.
	singleAttemptChain := chain.New(snapshotAfterFirst)
	want, err := singleAttemptChain.Process(second, resp.ProcessedRecord.Instant)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.ProcessedRecord.Fingerprint != want.Fingerprint {
		t.Fatalf("fingerprint = %q, want %q (must match the single-attempt result)", resp.ProcessedRecord.Fingerprint, want.Fingerprint)
	}
}

func TestSubmitWithRetry_NonRetryableErrorStopsImmediately(t *testing.T) {
	sndr := &fakeSender{respond: func(int) ([]byte, error) {
		return nil, vferrors.New(vferrors.KindSoap, "MALFORMED_XML", "bad xml")
	}}
	c := newTestClient(t, sndr)

	_, err := c.SubmitWithRetry(context.Background(), sampleRecord("A", "001", "2024-01-15"), nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if atomic.LoadInt32(&sndr.calls) != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", sndr.calls)
	}
}

func TestQueryStatus_DoesNotAdvanceChain(t *testing.T) {
	sndr := &fakeSender{respond: func(int) ([]byte, error) {
		return []byte(`<?xml version="1.0"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:sum="https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/SuministroLR.xsd">
  <soapenv:Body>
    <sum:RespuestaConsultaFactura>
      <EstadoRegistro>Correcto</EstadoRegistro>
      <FechaRegistro>2024-01-15T10:30:00+01:00</FechaRegistro>
    </sum:RespuestaConsultaFactura>
  </soapenv:Body>
</soapenv:Envelope>`), nil
	}}
	c := newTestClient(t, sndr)

	identity := record.InvoiceIdentity{Series: "A", Number: "001", IssueDate: time.Now()}
	resp, err := c.QueryStatus(context.Background(), identity, "B12345678")
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if resp.RegistrationInstant == nil {
		t.Fatal("expected a registration instant")
	}

	state, err := c.ChainState()
	if err != nil {
		t.Fatalf("ChainState: %v", err)
	}
	if !state.IsFirst || state.RecordCount != 0 {
		t.Fatalf("query must not advance the chain, got recordCount=%d isFirst=%v", state.RecordCount, state.IsFirst)
	}
}

func TestConcurrencyStats_ReflectsLimiterMax(t *testing.T) {
	sndr := &fakeSender{respond: func(int) ([]byte, error) { return acceptedRegisterResponse(), nil }}
	c := newTestClient(t, sndr)

	stats := c.ConcurrencyStats()
	if stats.Max != 4 {
		t.Fatalf("Max = %d, want 4", stats.Max)
	}
}

func TestSubmit_TransportFailure_ErrorCarriesCorrelationID(t *testing.T) {
	sndr := &fakeSender{respond: func(int) ([]byte, error) {
		return nil, vferrors.New(vferrors.KindNetwork, "CONNECTION_FAILED", "connection reset")
	}}
	c := newTestClient(t, sndr)

	_, err := c.Submit(context.Background(), sampleRecord("A", "001", "2024-01-15"))
	if err == nil {
		t.Fatal("expected an error")
	}
	var vfErr *vferrors.Error
	if !errors.As(err, &vfErr) {
		t.Fatalf("expected a *vferrors.Error, got %T", err)
	}
	if vfErr.CorrelationID == "" {
		t.Fatal("expected a non-empty CorrelationID attached to the returned error")
	}
}

func TestSubmit_ObservesLimiterSnapshotAndAeatRejection(t *testing.T) {
	sndr := &fakeSender{respond: func(int) ([]byte, error) { return rejectedRegisterResponse(), nil }}
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	c := newTestClientWithMetrics(t, sndr, reg)

	resp, err := c.Submit(context.Background(), sampleRecord("A", "001", "2024-01-15"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Accepted {
		t.Fatal("expected a rejection")
	}

	if got := testutil.ToFloat64(reg.LimiterActive.WithLabelValues(string(EnvironmentSandbox))); got != 0 {
		t.Fatalf("LimiterActive after completion = %v, want 0", got)
	}
	if got := testutil.ToFloat64(reg.AeatRejectionsTotal.WithLabelValues(string(EnvironmentSandbox), "1234")); got != 1 {
		t.Fatalf("AeatRejectionsTotal{sandbox,1234} = %v, want 1", got)
	}
}

func TestSubmitWithRetry_ObservesRetryAttempt(t *testing.T) {
	networkErr := vferrors.New(vferrors.KindNetwork, "CONNECTION_FAILED", "connection reset").WithRetryHint(true, 0)
	sndr := &fakeSender{respond: func(n int) ([]byte, error) {
		if n == 0 {
			return nil, networkErr
		}
		return acceptedRegisterResponse(), nil
	}}
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	c := newTestClientWithMetrics(t, sndr, reg)

	if _, err := c.SubmitWithRetry(context.Background(), sampleRecord("A", "001", "2024-01-15"), nil); err != nil {
		t.Fatalf("SubmitWithRetry: %v", err)
	}

	got := testutil.ToFloat64(reg.RetryAttemptsTotal.WithLabelValues(string(EnvironmentSandbox), "submit", vferrors.KindNetwork.String()))
	if got != 1 {
		t.Fatalf("RetryAttemptsTotal{sandbox,submit,NetworkError} = %v, want 1", got)
	}
}
