// Package qrcode builds the QR verification URL: the customer-visible side
// channel, derived deterministically from the same canonical fields the
// fingerprint and envelope use. Rasterizing the URL into an actual QR image
// is explicitly out of scope.
package qrcode

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/certen/verifactu-client/pkg/hashengine"
	"github.com/certen/verifactu-client/pkg/record"
)

// Environment selects the QR base URL.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

var baseURLs = map[Environment]string{
	EnvironmentProduction: "https://www2.agenciatributaria.gob.es/wlpl/TIKE-CONT/ValidarQR",
	EnvironmentSandbox:    "https://prewww2.aeat.es/wlpl/TIKE-CONT/ValidarQR",
}

// qrDateLayout differs from the XML envelope's YYYY-MM-DD.
const qrDateLayout = "02-01-2006"

// BuildURL constructs the QR verification URL for a registered invoice.
// Query parameters are percent-encoded per standard URL rules (net/url's
// QueryEscape), but assembled in the fixed nif/numserie/fecha/importe/huella
// order the authority's published verification URLs use —
// url.Values.Encode() would instead sort keys alphabetically, which reorders
// the query string even though the URL remains functionally equivalent.
func BuildURL(env Environment, issuerTaxID string, identity record.InvoiceIdentity, amount float64, fingerprint string) string {
	base := baseURLs[env]

	params := []struct{ key, value string }{
		{"nif", issuerTaxID},
		{"numserie", identity.ConcatenatedSeriesNumber()},
		{"fecha", identity.IssueDate.Format(qrDateLayout)},
		{"importe", hashengine.FormatAmount(amount)},
		{"huella", fingerprint},
	}

	var pairs []string
	for _, p := range params {
		pairs = append(pairs, fmt.Sprintf("%s=%s", p.key, url.QueryEscape(p.value)))
	}
	return base + "?" + strings.Join(pairs, "&")
}
