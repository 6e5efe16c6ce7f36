// Package record defines the data model the submission engine operates on:
// the two Record variants (Registration, Cancellation), the tax breakdown
// composite, the chain's persisted state, and the immutable decoration a
// chain advance produces.
package record

import "time"

// Operation discriminates the two Record variants.
type Operation string

const (
	OperationRegister Operation = "A"
	OperationCancel   Operation = "AN"
)

// InvoiceIdentity identifies one invoice: an optional series, a mandatory
// number, and the issue date.
type InvoiceIdentity struct {
	Series     string // optional; empty if the issuer does not use series
	Number     string // mandatory
	IssueDate  time.Time
}

// ConcatenatedSeriesNumber returns series and number joined with no
// separator, the exact value the NumSerieFactura fingerprint field and the
// QR numserie parameter both use.
func (i InvoiceIdentity) ConcatenatedSeriesNumber() string {
	return i.Series + i.Number
}

// Recipient is one invoice recipient.
type Recipient struct {
	TaxID       string
	TaxIDKind   string // e.g. "NIF", "PASSPORT", "OTHER" — scoped to what the authority's schema names
	Country     string // ISO country code, required when TaxIDKind is not a Spanish NIF
	DisplayName string
}

// RectificationKind identifies how a rectification record amends its targets.
type RectificationKind string

const (
	RectificationSubstitution RectificationKind = "S"
	RectificationDifferences  RectificationKind = "I"
)

// RectificationInfo is present only on rectification records (TipoFactura F3).
type RectificationInfo struct {
	Kind               RectificationKind
	RectifiedInvoices  []InvoiceIdentity // ordered list of prior-invoice references
}

// SoftwareDescriptor identifies the billing software producing records, per
// the authority's schema. InstallationNumber is written into two separate
// XML elements by the envelope codec — see envelope.BuildRegister.
type SoftwareDescriptor struct {
	ProviderTaxID      string
	ProviderName       string
	SoftwareName       string
	SoftwareID         string
	SoftwareVersion    string
	InstallationNumber string
}

// VATBreakdown is one VAT sub-breakdown line.
type VATBreakdown struct {
	TaxBase                 float64
	Rate                    float64 // percent, e.g. 21.0
	VATAmount                float64
	EquivalenceSurchargeRate   *float64
	EquivalenceSurchargeAmount *float64
}

// ExemptBreakdown is one exempt sub-breakdown line.
type ExemptBreakdown struct {
	TaxBase         float64
	ExemptionCause  string
}

// NonSubjectBreakdown is one non-subject sub-breakdown line.
type NonSubjectBreakdown struct {
	Amount           float64
	NonSubjectCause  string
}

// TaxBreakdown is the composite of up to three ordered sub-lists. At least
// one sub-list must be non-empty; this is a validator concern, the core
// does not enforce it.
type TaxBreakdown struct {
	VAT        []VATBreakdown
	Exempt     []ExemptBreakdown
	NonSubject []NonSubjectBreakdown
}

// VATTotal sums the VAT sub-breakdown amounts — the CuotaTotal fingerprint
// field and the envelope's total-VAT element both derive from this.
func (b TaxBreakdown) VATTotal() float64 {
	var total float64
	for _, v := range b.VAT {
		total += v.VATAmount
	}
	return total
}

// Record is the tagged union of Registration and Cancellation, discriminated
// by Operation. Only the fields relevant to Operation are meaningful; the
// zero value of the others is ignored by every downstream component.
type Record struct {
	Operation Operation

	// Common to both variants.
	IssuerTaxID string
	Identity    InvoiceIdentity

	// Registration-only fields.
	IssuerName          string
	InvoiceTypeCode     string // e.g. "F1", "F3" (rectification)
	Recipients          []Recipient
	OperationDescription string
	RegimeCodes         []string
	Breakdown           TaxBreakdown
	TotalAmount         float64
	Rectification       *RectificationInfo
	Software            *SoftwareDescriptor

	// Cancellation-only field.
	CancellationReason string
}

// ChainReference is embedded in a ProcessedRecord when the chain was not in
// its "first" state at the time of processing.
type ChainReference struct {
	PreviousFingerprint string
	PreviousDate        time.Time
	PreviousSeries      string
	PreviousNumber      string
}

// ProcessedRecord is the immutable decoration a successful chain advance
// produces: the new fingerprint, and the chain reference iff the prior
// state was not "first".
type ProcessedRecord struct {
	Record         Record
	Fingerprint    string
	ChainReference *ChainReference
	Instant        time.Time
}

// ChainState is the chain's entire persisted state — the caller's durable
// handle. Serializable as-is with encoding/json.
type ChainState struct {
	PreviousFingerprint string    `json:"previousFingerprint"`
	PreviousDate        time.Time `json:"previousDate"`
	PreviousSeries      string    `json:"previousSeries"`
	PreviousNumber      string    `json:"previousNumber"`
	RecordCount         int64     `json:"recordCount"`
	IsFirst             bool      `json:"isFirst"`
}

// NewChainState returns the empty initial state: isFirst=true, zero count,
// epoch date, empty identity strings.
func NewChainState() ChainState {
	return ChainState{IsFirst: true, PreviousDate: time.Unix(0, 0).UTC()}
}
