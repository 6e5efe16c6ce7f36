// Package client implements the submission client: the
// orchestrator owning a transport, the Record Chain, the Concurrency
// Limiter, and a retry policy, exposing submit/cancel/queryStatus and their
// …WithRetry variants.
//
// Grounded structurally on pkg/anchor/anchor_manager.go's AnchorManager — a
// thin orchestration layer composing a low-level chain client, a
// specialized transport, and a store, exposing a handful of business
// operations that each thread a request through several owned collaborators.
package client

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/certen/verifactu-client/pkg/chain"
	"github.com/certen/verifactu-client/pkg/envelope"
	"github.com/certen/verifactu-client/pkg/limiter"
	"github.com/certen/verifactu-client/pkg/metrics"
	"github.com/certen/verifactu-client/pkg/record"
	"github.com/certen/verifactu-client/pkg/retry"
	"github.com/certen/verifactu-client/pkg/transport"
	"github.com/certen/verifactu-client/pkg/vferrors"
)

// Environment selects the endpoint set. The endpoint table and SOAPAction
// constants below are compile-time constants — no global mutable state.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

type endpointSet struct {
	registerURL string
	cancelURL   string
	queryURL    string
}

var endpoints = map[Environment]endpointSet{
	EnvironmentProduction: {
		registerURL: "https://www1.agenciatributaria.gob.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/SuministroLR",
		cancelURL:   "https://www1.agenciatributaria.gob.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/SuministroLR",
		queryURL:    "https://www1.agenciatributaria.gob.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/ConsultaLR",
	},
	EnvironmentSandbox: {
		registerURL: "https://prewww1.aeat.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/SuministroLR",
		cancelURL:   "https://prewww1.aeat.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/SuministroLR",
		queryURL:    "https://prewww1.aeat.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/ConsultaLR",
	},
}

const (
	registerSOAPAction = "SuministroLRFacturasEmitidas"
	cancelSOAPAction   = "BajaLRFacturasEmitidas"
	querySOAPAction    = "ConsultaLRFacturasEmitidas"
)

// Config configures a Client.
type Config struct {
	Environment        Environment
	Credentials        transport.Credentials
	SoftwareDescriptor record.SoftwareDescriptor
	RequestTimeout     time.Duration // default 30s
	InitialChainState  *record.ChainState
	ChainStore         chain.Store // optional; default is in-memory
	RetryPolicy        *retry.Policy
	MaxConcurrency     int // default 1; 0 is sanitized to 1, there is no "unlimited" sentinel at this layer
	QueueTimeout       time.Duration // default 30s
	Logger             *log.Logger
	Metrics            *metrics.Registry // optional; nil disables all metric emission
}

// sender is the subset of *transport.Transport the client depends on.
// Narrowing to an interface here (rather than embedding the concrete type)
// lets tests substitute a fake transport without spinning up a TLS server.
type sender interface {
	Send(ctx context.Context, endpoint, soapAction string, body []byte) ([]byte, error)
}

// Client is the Submission Client orchestrator.
type Client struct {
	env        Environment
	software   record.SoftwareDescriptor
	chain      *chain.Chain
	limiter    *limiter.Limiter
	transport  sender
	retry      retry.Policy
	logger     *log.Logger
	issuerName string
	metrics    *metrics.Registry
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	queueTimeout := cfg.QueueTimeout
	if queueTimeout <= 0 {
		queueTimeout = 30 * time.Second
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency == 0 {
		maxConcurrency = 1
	}

	var c *chain.Chain
	if cfg.ChainStore != nil {
		c = chain.NewWithStore(cfg.ChainStore)
	} else {
		initial := record.NewChainState()
		if cfg.InitialChainState != nil {
			initial = *cfg.InitialChainState
		}
		c = chain.New(initial)
	}

	policy := retry.DefaultPolicy()
	if cfg.RetryPolicy != nil {
		policy = *cfg.RetryPolicy
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[verifactu-client] ", log.LstdFlags)
	}

	var transportOpts []transport.Option
	if cfg.Metrics != nil {
		transportOpts = append(transportOpts, transport.WithMetrics(cfg.Metrics, string(cfg.Environment)))
	}

	return &Client{
		env:        cfg.Environment,
		software:   cfg.SoftwareDescriptor,
		chain:      c,
		limiter:    limiter.New(maxConcurrency, queueTimeout),
		transport:  transport.New(cfg.Credentials, requestTimeout, transportOpts...),
		retry:      policy,
		logger:     logger,
		issuerName: cfg.SoftwareDescriptor.ProviderName,
		metrics:    cfg.Metrics,
	}
}

// observeLimiterSnapshot records the limiter's current active/queued counts,
// a no-op when the client was built without a metrics.Registry.
func (c *Client) observeLimiterSnapshot() {
	if c.metrics == nil {
		return
	}
	snap := c.limiter.Snapshot()
	c.metrics.ObserveLimiterSnapshot(string(c.env), snap.Active, snap.Queued)
}

// observeAeatRejection records an authority rejection, a no-op when the
// client was built without a metrics.Registry.
func (c *Client) observeAeatRejection(errorCode string) {
	if c.metrics == nil || errorCode == "" {
		return
	}
	c.metrics.ObserveAeatRejection(string(c.env), errorCode)
}

// withMetricsOnRetry wraps p's OnRetry hook so every retry attempt also
// increments RetryAttemptsTotal, labeled by operation and the triggering
// error's Kind, without making pkg/retry itself depend on pkg/metrics. A
// caller-supplied OnRetry (if any) still runs, after the metric is recorded.
func (c *Client) withMetricsOnRetry(p retry.Policy, operation string) retry.Policy {
	if c.metrics == nil {
		return p
	}
	prevOnRetry := p.OnRetry
	environment := string(c.env)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		kind := vferrors.KindUnknown.String()
		var vfErr *vferrors.Error
		if errors.As(err, &vfErr) {
			kind = vfErr.Kind.String()
		}
		c.metrics.ObserveRetryAttempt(environment, operation, kind)
		if prevOnRetry != nil {
			prevOnRetry(attempt, err, delay)
		}
	}
	return p
}

// attachCorrelation stamps correlationID onto err, if err is (or wraps) a
// *vferrors.Error; otherwise it returns err unchanged.
func attachCorrelation(err error, correlationID string) error {
	if err == nil {
		return nil
	}
	var vfErr *vferrors.Error
	if errors.As(err, &vfErr) {
		return vfErr.WithCorrelationID(correlationID)
	}
	return err
}

// Response is the result of submit/cancel.
type Response struct {
	Accepted         bool
	State            envelope.State
	VerificationCode string
	ErrorCode        string
	ErrorDescription string
	ProcessedRecord  record.ProcessedRecord
}

// StatusResponse is the result of queryStatus.
type StatusResponse struct {
	State               envelope.State
	VerificationCode    string
	ErrorCode           string
	ErrorDescription    string
	RegistrationInstant *time.Time
}

// Submit runs one registration attempt: capture instant, advance
// the chain, build the envelope, run it through the limiter and transport,
// parse the response. It does not retry and does not roll back the chain on
// failure — that is SubmitWithRetry's job. A fresh correlation ID is minted
// for this call and stamped onto its logs and any *vferrors.Error returned.
func (c *Client) Submit(ctx context.Context, r record.Record) (Response, error) {
	return c.submit(ctx, r, uuid.NewString())
}

func (c *Client) submit(ctx context.Context, r record.Record, correlationID string) (Response, error) {
	instant := time.Now()
	wasFirst, err := c.chain.IsFirst()
	if err != nil {
		return Response{}, attachCorrelation(err, correlationID)
	}

	processed, err := c.chain.Process(r, instant)
	if err != nil {
		return Response{}, attachCorrelation(err, correlationID)
	}

	body, err := envelope.BuildRegister(processed, wasFirst, c.software)
	if err != nil {
		return Response{}, attachCorrelation(vferrors.Wrap(vferrors.KindHash, "ENVELOPE_BUILD_FAILED", "could not build register envelope", err), correlationID)
	}

	eps := endpoints[c.env]
	rawXML, err := c.limiter.Execute(ctx, func(ctx context.Context) (string, error) {
		raw, err := c.transport.Send(ctx, eps.registerURL, registerSOAPAction, body)
		if err != nil {
			c.logger.Printf("submit %s failed: %v", correlationID, err)
			return "", err
		}
		return string(raw), nil
	})
	c.observeLimiterSnapshot()
	if err != nil {
		return Response{}, attachCorrelation(err, correlationID)
	}

	parsed, err := envelope.ParseRegister([]byte(rawXML))
	if err != nil {
		return Response{}, attachCorrelation(err, correlationID)
	}

	resp := Response{
		Accepted:         parsed.State == envelope.StateCorrecto || parsed.State == envelope.StateAceptadoConErrores,
		State:            parsed.State,
		VerificationCode: parsed.VerificationCode,
		ErrorCode:        parsed.ErrorCode,
		ErrorDescription: parsed.ErrorDescription,
		ProcessedRecord:  processed,
	}
	if !resp.Accepted {
		c.logger.Printf("submit %s rejected: %s %s", correlationID, resp.ErrorCode, resp.ErrorDescription)
		c.observeAeatRejection(resp.ErrorCode)
	}
	return resp, nil
}

// Cancel runs one cancellation attempt analogous to Submit, using the
// cancel envelope. A fresh correlation ID is minted for this call.
func (c *Client) Cancel(ctx context.Context, identity record.InvoiceIdentity, issuerTaxID, reason string) (Response, error) {
	return c.cancel(ctx, identity, issuerTaxID, reason, uuid.NewString())
}

func (c *Client) cancel(ctx context.Context, identity record.InvoiceIdentity, issuerTaxID, reason, correlationID string) (Response, error) {
	r := record.Record{
		Operation:          record.OperationCancel,
		IssuerTaxID:        issuerTaxID,
		Identity:           identity,
		CancellationReason: reason,
	}

	instant := time.Now()
	wasFirst, err := c.chain.IsFirst()
	if err != nil {
		return Response{}, attachCorrelation(err, correlationID)
	}

	processed, err := c.chain.Process(r, instant)
	if err != nil {
		return Response{}, attachCorrelation(err, correlationID)
	}

	body, err := envelope.BuildCancel(processed, wasFirst, c.software, c.issuerName)
	if err != nil {
		return Response{}, attachCorrelation(vferrors.Wrap(vferrors.KindHash, "ENVELOPE_BUILD_FAILED", "could not build cancel envelope", err), correlationID)
	}

	eps := endpoints[c.env]
	rawXML, err := c.limiter.Execute(ctx, func(ctx context.Context) (string, error) {
		raw, err := c.transport.Send(ctx, eps.cancelURL, cancelSOAPAction, body)
		if err != nil {
			c.logger.Printf("cancel %s failed: %v", correlationID, err)
			return "", err
		}
		return string(raw), nil
	})
	c.observeLimiterSnapshot()
	if err != nil {
		return Response{}, attachCorrelation(err, correlationID)
	}

	parsed, err := envelope.ParseCancel([]byte(rawXML))
	if err != nil {
		return Response{}, attachCorrelation(err, correlationID)
	}

	resp := Response{
		Accepted:         parsed.State == envelope.StateCorrecto || parsed.State == envelope.StateAceptadoConErrores,
		State:            parsed.State,
		VerificationCode: parsed.VerificationCode,
		ErrorCode:        parsed.ErrorCode,
		ErrorDescription: parsed.ErrorDescription,
		ProcessedRecord:  processed,
	}
	if !resp.Accepted {
		c.logger.Printf("cancel %s rejected: %s %s", correlationID, resp.ErrorCode, resp.ErrorDescription)
		c.observeAeatRejection(resp.ErrorCode)
	}
	return resp, nil
}

// QueryStatus queries the authority for a previously submitted invoice's
// status. It is read-only: it never advances the chain. A fresh correlation
// ID is minted for this call.
func (c *Client) QueryStatus(ctx context.Context, identity record.InvoiceIdentity, issuerTaxID string) (StatusResponse, error) {
	return c.queryStatus(ctx, identity, issuerTaxID, uuid.NewString())
}

func (c *Client) queryStatus(ctx context.Context, identity record.InvoiceIdentity, issuerTaxID, correlationID string) (StatusResponse, error) {
	body, err := envelope.BuildQuery(issuerTaxID, identity)
	if err != nil {
		return StatusResponse{}, attachCorrelation(vferrors.Wrap(vferrors.KindHash, "ENVELOPE_BUILD_FAILED", "could not build query envelope", err), correlationID)
	}

	eps := endpoints[c.env]
	rawXML, err := c.limiter.Execute(ctx, func(ctx context.Context) (string, error) {
		raw, err := c.transport.Send(ctx, eps.queryURL, querySOAPAction, body)
		if err != nil {
			c.logger.Printf("queryStatus %s failed: %v", correlationID, err)
			return "", err
		}
		return string(raw), nil
	})
	c.observeLimiterSnapshot()
	if err != nil {
		return StatusResponse{}, attachCorrelation(err, correlationID)
	}

	parsed, err := envelope.ParseQuery([]byte(rawXML))
	if err != nil {
		return StatusResponse{}, attachCorrelation(err, correlationID)
	}

	return StatusResponse{
		State:               parsed.State,
		VerificationCode:    parsed.VerificationCode,
		ErrorCode:           parsed.ErrorCode,
		ErrorDescription:    parsed.ErrorDescription,
		RegistrationInstant: parsed.RegistrationInstant,
	}, nil
}

// SubmitWithRetry wraps Submit in the retry policy, rolling the chain back
// to its pre-call snapshot before each re-attempt. Every attempt
// shares the one correlation ID minted for this call, so a retried
// submission's logs and errors correlate across attempts.
func (c *Client) SubmitWithRetry(ctx context.Context, r record.Record, policy *retry.Policy) (Response, error) {
	p := c.retry
	if policy != nil {
		p = *policy
	}
	p = c.withMetricsOnRetry(p, "submit")

	snapshot, err := c.chain.Snapshot()
	if err != nil {
		return Response{}, err
	}

	correlationID := uuid.NewString()
	var resp Response
	opErr := p.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			if err := c.chain.Restore(snapshot); err != nil {
				return err
			}
		}
		attemptResp, err := c.submit(ctx, r, correlationID)
		if err != nil {
			return err
		}
		resp = attemptResp
		return nil
	})
	if opErr != nil {
		return Response{}, attachCorrelation(opErr, correlationID)
	}
	return resp, nil
}

// CancelWithRetry mirrors SubmitWithRetry for cancellations.
func (c *Client) CancelWithRetry(ctx context.Context, identity record.InvoiceIdentity, issuerTaxID, reason string, policy *retry.Policy) (Response, error) {
	p := c.retry
	if policy != nil {
		p = *policy
	}
	p = c.withMetricsOnRetry(p, "cancel")

	snapshot, err := c.chain.Snapshot()
	if err != nil {
		return Response{}, err
	}

	correlationID := uuid.NewString()
	var resp Response
	opErr := p.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			if err := c.chain.Restore(snapshot); err != nil {
				return err
			}
		}
		attemptResp, err := c.cancel(ctx, identity, issuerTaxID, reason, correlationID)
		if err != nil {
			return err
		}
		resp = attemptResp
		return nil
	})
	if opErr != nil {
		return Response{}, attachCorrelation(opErr, correlationID)
	}
	return resp, nil
}

// QueryStatusWithRetry wraps QueryStatus in the retry policy. No rollback is
// needed since queries never advance the chain.
func (c *Client) QueryStatusWithRetry(ctx context.Context, identity record.InvoiceIdentity, issuerTaxID string, policy *retry.Policy) (StatusResponse, error) {
	p := c.retry
	if policy != nil {
		p = *policy
	}
	p = c.withMetricsOnRetry(p, "queryStatus")

	correlationID := uuid.NewString()
	var resp StatusResponse
	opErr := p.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := c.queryStatus(ctx, identity, issuerTaxID, correlationID)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if opErr != nil {
		return StatusResponse{}, attachCorrelation(opErr, correlationID)
	}
	return resp, nil
}

// ChainState returns the chain's current persisted snapshot (a pure read).
func (c *Client) ChainState() (record.ChainState, error) { return c.chain.Snapshot() }

// SoftwareDescriptor returns the descriptor this client embeds into every
// envelope (a pure read).
func (c *Client) SoftwareDescriptor() record.SoftwareDescriptor { return c.software }

// ConcurrencyStats returns the limiter's observability snapshot (a pure
// read).
func (c *Client) ConcurrencyStats() limiter.Snapshot { return c.limiter.Snapshot() }
