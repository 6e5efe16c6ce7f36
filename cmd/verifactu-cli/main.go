// Command verifactu-cli submits a single invoice record, read from a JSON
// file, against the Verifactu sandbox or production environment, and prints
// the resulting response as JSON.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/verifactu-client/pkg/client"
	"github.com/certen/verifactu-client/pkg/config"
	"github.com/certen/verifactu-client/pkg/metrics"
	"github.com/certen/verifactu-client/pkg/qrcode"
	"github.com/certen/verifactu-client/pkg/record"
	"github.com/certen/verifactu-client/pkg/retry"
	"github.com/certen/verifactu-client/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// settings is the subset of either config loader's output this command
// actually needs, so run() doesn't care which one populated it.
type settings struct {
	environment        string
	certificatePath    string
	certificateKeyPath string
	software           record.SoftwareDescriptor
	requestTimeout     time.Duration
	queueTimeout       time.Duration
	maxConcurrency     int
	retryPolicy        *retry.Policy
}

func settingsFromEnv(cfg *config.ClientConfig) settings {
	return settings{
		environment:        cfg.Environment,
		certificatePath:    cfg.CertificatePath,
		certificateKeyPath: cfg.CertificateKeyPath,
		software: record.SoftwareDescriptor{
			ProviderTaxID:      cfg.ProviderTaxID,
			ProviderName:       cfg.ProviderName,
			SoftwareName:       cfg.SoftwareName,
			SoftwareID:         cfg.SoftwareID,
			SoftwareVersion:    cfg.SoftwareVersion,
			InstallationNumber: cfg.InstallationNumber,
		},
		requestTimeout: cfg.RequestTimeout,
		queueTimeout:   cfg.QueueTimeout,
		maxConcurrency: cfg.MaxConcurrency,
		retryPolicy: &retry.Policy{
			MaxRetries:        cfg.RetryMaxRetries,
			InitialDelay:      cfg.RetryInitialDelay,
			MaxDelay:          cfg.RetryMaxDelay,
			BackoffMultiplier: cfg.RetryBackoffMultiplier,
			JitterFactor:      cfg.RetryJitterFactor,
		},
	}
}

func settingsFromFile(cfg *config.FileConfig) settings {
	return settings{
		environment:        cfg.Environment,
		certificatePath:    cfg.Transport.CertificatePath,
		certificateKeyPath: cfg.Transport.CertificateKeyPath,
		software: record.SoftwareDescriptor{
			ProviderTaxID:      cfg.Software.ProviderTaxID,
			ProviderName:       cfg.Software.ProviderName,
			SoftwareName:       cfg.Software.SoftwareName,
			SoftwareID:         cfg.Software.SoftwareID,
			SoftwareVersion:    cfg.Software.SoftwareVersion,
			InstallationNumber: cfg.Software.InstallationNumber,
		},
		requestTimeout: cfg.Transport.RequestTimeout.AsDuration(),
		queueTimeout:   cfg.Concurrency.QueueTimeout.AsDuration(),
		maxConcurrency: cfg.Concurrency.MaxConcurrency,
		retryPolicy: &retry.Policy{
			MaxRetries:        cfg.Retry.MaxRetries,
			InitialDelay:      cfg.Retry.InitialDelay.AsDuration(),
			MaxDelay:          cfg.Retry.MaxDelay.AsDuration(),
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			JitterFactor:      cfg.Retry.JitterFactor,
		},
	}
}

func run() error {
	recordPath := flag.String("record", "", "path to a JSON invoice record")
	certPath := flag.String("cert", "", "path to the mTLS client certificate (PEM)")
	keyPath := flag.String("key", "", "path to the mTLS client private key (PEM)")
	cancel := flag.Bool("cancel", false, "submit a cancellation instead of a registration")
	profilePath := flag.String("profile", "", "path to a YAML configuration profile (overrides VERIFACTU_* env vars)")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics at http://<addr>/metrics instead of exiting after the call completes")
	flag.Parse()

	if *recordPath == "" {
		return fmt.Errorf("-record is required")
	}

	var s settings
	if *profilePath != "" {
		fileCfg, err := config.LoadFile(*profilePath)
		if err != nil {
			return fmt.Errorf("loading -profile: %w", err)
		}
		s = settingsFromFile(fileCfg)
	} else {
		s = settingsFromEnv(config.Load())
	}

	if *certPath != "" {
		s.certificatePath = *certPath
	}
	if *keyPath != "" {
		s.certificateKeyPath = *keyPath
	}
	if s.certificatePath == "" || s.certificateKeyPath == "" {
		return fmt.Errorf("a client certificate and key are required (VERIFACTU_CERT_PATH / VERIFACTU_CERT_KEY_PATH, -cert/-key, or -profile)")
	}

	r, err := loadRecord(*recordPath)
	if err != nil {
		return err
	}

	cert, err := tls.LoadX509KeyPair(s.certificatePath, s.certificateKeyPath)
	if err != nil {
		return fmt.Errorf("loading client certificate: %w", err)
	}

	env := client.EnvironmentSandbox
	if s.environment == "production" {
		env = client.EnvironmentProduction
	}

	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)
	var serveErr chan error
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		serveErr = make(chan error, 1)
		go func() { serveErr <- http.ListenAndServe(*metricsAddr, mux) }()
	}

	c := client.New(client.Config{
		Environment:        env,
		Credentials:        transport.Credentials{Certificate: cert},
		SoftwareDescriptor: s.software,
		RequestTimeout:     s.requestTimeout,
		QueueTimeout:       s.queueTimeout,
		MaxConcurrency:     s.maxConcurrency,
		RetryPolicy:        s.retryPolicy,
		Metrics:            reg,
	})

	ctx := context.Background()

	var resp client.Response
	if *cancel {
		resp, err = c.CancelWithRetry(ctx, r.Identity, r.IssuerTaxID, r.CancellationReason, nil)
	} else {
		resp, err = c.SubmitWithRetry(ctx, r, nil)
	}
	if err != nil {
		return fmt.Errorf("submission failed: %w", err)
	}

	output := map[string]any{
		"accepted":         resp.Accepted,
		"state":            resp.State,
		"verificationCode": resp.VerificationCode,
		"errorCode":        resp.ErrorCode,
		"errorDescription": resp.ErrorDescription,
		"fingerprint":      resp.ProcessedRecord.Fingerprint,
	}
	if resp.Accepted && !*cancel {
		qrEnv := qrcode.EnvironmentSandbox
		if env == client.EnvironmentProduction {
			qrEnv = qrcode.EnvironmentProduction
		}
		output["qrUrl"] = qrcode.BuildURL(qrEnv, r.IssuerTaxID, r.Identity, r.TotalAmount, resp.ProcessedRecord.Fingerprint)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output); err != nil {
		return err
	}
	if serveErr != nil {
		return <-serveErr
	}
	return nil
}

func loadRecord(path string) (record.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return record.Record{}, fmt.Errorf("reading record file: %w", err)
	}
	var r record.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return record.Record{}, fmt.Errorf("parsing record file: %w", err)
	}
	return r, nil
}
