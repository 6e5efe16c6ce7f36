// Package hashengine computes the canonical fingerprint input string and its
// SHA-256 digest for a record. It is a pure function package: no I/O, no
// state, grounded on the canonical-join-then-hash shape used throughout the
// pack for commitments (e.g. anchor_manager.go's deriveCommitmentsFromProof)
// and, more directly, on the computeRecordHash pattern in the kthulu
// verifactu-service reference file.
package hashengine

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/certen/verifactu-client/pkg/record"
)

const amountLayout = "2006-01-02T15:04:05-07:00"
const dateLayout = "2006-01-02"

// FormatAmount renders an amount with exactly two decimals, a dot separator,
// and an optional leading minus — the shared formatting contract for the
// fingerprint input, the XML envelope, and the QR URL.
func FormatAmount(amount float64) string {
	return fmt.Sprintf("%.2f", amount)
}

// FormatDate renders t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// FormatInstant renders t as YYYY-MM-DDTHH:MM:SS±HH:MM using t's own
// location offset. The instant is never coerced to UTC — the authority sees
// the submitter's own wall-clock offset.
func FormatInstant(t time.Time) string {
	return t.Format(amountLayout)
}

// CanonicalInput builds the exact field-joined string described in spec
// §4.1. For a Registration it is the eight-field form; for a Cancellation it
// is the five-field form omitting TipoFactura/CuotaTotal/ImporteTotal.
//
// Exempt and non-subject breakdown bases never enter this string — only the
// VAT total and the record's stated grand total do. This is deliberate, not
// an omission to be "fixed".
func CanonicalInput(r record.Record, previousFingerprint string, instant time.Time) string {
	fields := []string{
		"IDEmisorFactura=" + r.IssuerTaxID,
		"NumSerieFactura=" + r.Identity.ConcatenatedSeriesNumber(),
		"FechaExpedicionFactura=" + FormatDate(r.Identity.IssueDate),
	}
	if r.Operation == record.OperationRegister {
		fields = append(fields,
			"TipoFactura="+r.InvoiceTypeCode,
			"CuotaTotal="+FormatAmount(r.Breakdown.VATTotal()),
			"ImporteTotal="+FormatAmount(r.TotalAmount),
		)
	}
	fields = append(fields,
		"Huella="+previousFingerprint,
		"FechaHoraHusoGenRegistro="+FormatInstant(instant),
	)
	return strings.Join(fields, "&")
}

// Fingerprint computes the SHA-256 digest of CanonicalInput's UTF-8 bytes,
// base64-encoded with standard padding. Two invocations with equal inputs
// always yield equal outputs.
func Fingerprint(r record.Record, previousFingerprint string, instant time.Time) string {
	input := CanonicalInput(r, previousFingerprint, instant)
	sum := sha256.Sum256([]byte(input))
	return base64.StdEncoding.EncodeToString(sum[:])
}
