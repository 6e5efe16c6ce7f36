// Package envelope implements the envelope codec: building the
// exact SOAP/XML request envelope for each of the three operations
// (register, cancel, query), and parsing the authority's response envelope.
//
// Building and parsing deliberately use two different tools. The builder
// needs a bit-exact, fixed-element-order wire format — the nearest real
// analog is fiskalhrgo's use of stdlib encoding/xml for a government
// e-invoicing schema, and that is what this file uses: Go
// structs with literal colon-prefixed tag names (a standard technique for
// hand-written SOAP clients that need a specific namespace prefix rather
// than whatever encoding/xml's own namespace-URI resolution would assign).
// The parser (parse.go) instead uses the dynamic, tolerant-of-unknown-
// elements github.com/arturoeanton/go-xml/xml package, since response
// parsing must accept either of two element names and ignore anything it
// does not recognize — a poor fit for a fixed struct shape.
package envelope

import (
	"encoding/xml"
	"time"

	"github.com/certen/verifactu-client/pkg/hashengine"
	"github.com/certen/verifactu-client/pkg/record"
)

const (
	nsSoapEnv = "http://schemas.xmlsoap.org/soap/envelope/"
	nsSum     = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/SuministroLR.xsd"
)

type soapEnvelope struct {
	XMLName    xml.Name `xml:"soapenv:Envelope"`
	XMLNSSoap  string   `xml:"xmlns:soapenv,attr"`
	XMLNSSum   string   `xml:"xmlns:sum,attr"`
	Header     struct{} `xml:"soapenv:Header"`
	Body       body     `xml:"soapenv:Body"`
}

func newEnvelope(b body) soapEnvelope {
	return soapEnvelope{XMLNSSoap: nsSoapEnv, XMLNSSum: nsSum, Body: b}
}

type body struct {
	Register *registerRequest `xml:"sum:RegFactuSistemaFacturacion"`
	Cancel   *cancelRequest   `xml:"sum:BajaLRFacturasEmitidas"`
	Query    *queryRequest    `xml:"sum:ConsultaLRFacturasEmitidas"`
}

// --- Register ---

type cabecera struct {
	ObligadoEmision obligadoEmision `xml:"sum:ObligadoEmision"`
}

type obligadoEmision struct {
	NombreRazon string `xml:"sum:NombreRazon"`
	NIF         string `xml:"sum:NIF"`
}

type registerRequest struct {
	Cabecera        cabecera        `xml:"sum:Cabecera"`
	RegistroFactura registroFactura `xml:"sum:RegistroFactura"`
}

type registroFactura struct {
	RegistroAlta registroAlta `xml:"sum:RegistroAlta"`
}

type idFactura struct {
	IDEmisorFactura        string `xml:"sum:IDEmisorFactura"`
	NumSerieFactura        string `xml:"sum:NumSerieFactura"`
	FechaExpedicionFactura string `xml:"sum:FechaExpedicionFactura"`
}

type destinatario struct {
	NIF         string `xml:"sum:NIF,omitempty"`
	IDOtro      *idOtro `xml:"sum:IDOtro"`
	NombreRazon string `xml:"sum:NombreRazon"`
}

type idOtro struct {
	CodigoPais string `xml:"sum:CodigoPais"`
	IDType     string `xml:"sum:IDType"`
	ID         string `xml:"sum:ID"`
}

type detalleVAT struct {
	BaseImponible          string `xml:"sum:BaseImponibleOimporteNoSujeto"`
	TipoImpositivo         string `xml:"sum:TipoImpositivo"`
	CuotaRepercutida       string `xml:"sum:CuotaRepercutida"`
	TipoRecargoEquivalencia  string `xml:"sum:TipoRecargoEquivalencia,omitempty"`
	CuotaRecargoEquivalencia string `xml:"sum:CuotaRecargoEquivalencia,omitempty"`
}

type detalleExento struct {
	BaseImponible   string `xml:"sum:BaseImponibleOimporteNoSujeto"`
	CausaExencion   string `xml:"sum:CausaExencion"`
}

type detalleNoSujeta struct {
	Importe       string `xml:"sum:BaseImponibleOimporteNoSujeto"`
	CausaNoSujeta string `xml:"sum:CausaNoSujeta"`
}

type desglose struct {
	DetalleVAT      []detalleVAT      `xml:"sum:DetalleDesglose>sum:Sujeta>sum:NoExenta,omitempty"`
	DetalleExento   []detalleExento   `xml:"sum:DetalleDesglose>sum:Sujeta>sum:Exenta,omitempty"`
	DetalleNoSujeta []detalleNoSujeta `xml:"sum:DetalleDesglose>sum:NoSujeta,omitempty"`
}

type encadenamiento struct {
	PrimerRegistro  string           `xml:"sum:PrimerRegistro,omitempty"`
	RegistroAnterior *registroAnterior `xml:"sum:RegistroAnterior,omitempty"`
}

type registroAnterior struct {
	IDEmisorFactura        string `xml:"sum:IDEmisorFactura"`
	NumSerieFacturaAnterior string `xml:"sum:NumSerieFacturaAnterior"`
	FechaExpedicionFacturaAnterior string `xml:"sum:FechaExpedicionFacturaAnterior"`
	Huella                 string `xml:"sum:Huella"`
}

// sistemaInformatico mirrors the source's double-write of the installation
// number into two separate elements; this is preserved intentionally, not a
// bug.
type sistemaInformatico struct {
	NombreRazon          string `xml:"sum:NombreRazon"`
	NIF                  string `xml:"sum:NIF"`
	NombreSistemaInformatico string `xml:"sum:NombreSistemaInformatico"`
	IdSistemaInformatico string `xml:"sum:IdSistemaInformatico"`
	Version              string `xml:"sum:Version"`
	NumeroInstalacion    string `xml:"sum:NumeroInstalacion"`
	// IndicadorMultiplesOT is always "N" regardless of configuration,
	// matching the source exactly.
	IndicadorMultiplesOT string `xml:"sum:IndicadorMultiplesOT"`
}

type rectificacion struct {
	TipoRectificativa string              `xml:"sum:TipoRectificativa"`
	FacturasRectificadas []idFacturaSimple `xml:"sum:FacturasRectificadas>sum:IDFacturaRectificada"`
}

type idFacturaSimple struct {
	IDEmisorFactura string `xml:"sum:IDEmisorFactura"`
	NumSerieFactura string `xml:"sum:NumSerieFactura"`
	FechaExpedicionFactura string `xml:"sum:FechaExpedicionFactura"`
}

type registroAlta struct {
	IDFactura            idFactura           `xml:"sum:IDFactura"`
	NombreRazonEmisor    string              `xml:"sum:NombreRazonEmisor"`
	TipoFactura          string              `xml:"sum:TipoFactura"`
	Rectificacion        *rectificacion      `xml:"sum:Rectificacion,omitempty"`
	DescripcionOperacion string              `xml:"sum:DescripcionOperacion,omitempty"`
	Destinatarios        []destinatario      `xml:"sum:Destinatarios>sum:IDDestinatario,omitempty"`
	ClaveRegimen         []string            `xml:"sum:ClaveRegimen,omitempty"`
	Desglose             desglose            `xml:"sum:Desglose"`
	CuotaTotal           string              `xml:"sum:CuotaTotal"`
	ImporteTotal         string              `xml:"sum:ImporteTotal"`
	Encadenamiento       encadenamiento      `xml:"sum:Encadenamiento"`
	SistemaInformatico   sistemaInformatico  `xml:"sum:SistemaInformatico"`
	FechaHoraHusoGenRegistro string          `xml:"sum:FechaHoraHusoGenRegistro"`
	Huella               string             `xml:"sum:Huella"`
}

// BuildRegister produces the bit-exact registration envelope for a processed
// record. wasFirst must be the chain's isFirst value captured before
// process() advanced it (the processed record itself no longer carries that
// flag directly, only the presence/absence of ChainReference — both agree
// by construction, this parameter makes the PrimerRegistro marker explicit
// at the call site without re-deriving it here).
func BuildRegister(processed record.ProcessedRecord, wasFirst bool, software record.SoftwareDescriptor) ([]byte, error) {
	r := processed.Record

	var chain encadenamiento
	if wasFirst {
		chain.PrimerRegistro = "S"
	} else {
		ref := processed.ChainReference
		chain.RegistroAnterior = &registroAnterior{
			IDEmisorFactura:                r.IssuerTaxID,
			NumSerieFacturaAnterior:        ref.PreviousSeries + ref.PreviousNumber,
			FechaExpedicionFacturaAnterior: hashengine.FormatDate(ref.PreviousDate),
			Huella:                         ref.PreviousFingerprint,
		}
	}

	alta := registroAlta{
		IDFactura: idFactura{
			IDEmisorFactura:        r.IssuerTaxID,
			NumSerieFactura:        r.Identity.ConcatenatedSeriesNumber(),
			FechaExpedicionFactura: hashengine.FormatDate(r.Identity.IssueDate),
		},
		NombreRazonEmisor:        r.IssuerName,
		TipoFactura:              r.InvoiceTypeCode,
		DescripcionOperacion:     r.OperationDescription,
		ClaveRegimen:             r.RegimeCodes,
		Desglose:                 buildDesglose(r.Breakdown),
		CuotaTotal:               hashengine.FormatAmount(r.Breakdown.VATTotal()),
		ImporteTotal:             hashengine.FormatAmount(r.TotalAmount),
		Encadenamiento:           chain,
		SistemaInformatico:       buildSistemaInformatico(software),
		FechaHoraHusoGenRegistro: hashengine.FormatInstant(processed.Instant),
		Huella:                   processed.Fingerprint,
	}
	if r.Rectification != nil {
		alta.Rectificacion = &rectificacion{
			TipoRectificativa: string(r.Rectification.Kind),
		}
		for _, prior := range r.Rectification.RectifiedInvoices {
			alta.Rectificacion.FacturasRectificadas = append(alta.Rectificacion.FacturasRectificadas, idFacturaSimple{
				IDEmisorFactura:        r.IssuerTaxID,
				NumSerieFactura:        prior.ConcatenatedSeriesNumber(),
				FechaExpedicionFactura: hashengine.FormatDate(prior.IssueDate),
			})
		}
	}
	for _, recipient := range r.Recipients {
		d := destinatario{NombreRazon: recipient.DisplayName}
		if recipient.TaxIDKind == "NIF" || recipient.TaxIDKind == "" {
			d.NIF = recipient.TaxID
		} else {
			d.IDOtro = &idOtro{CodigoPais: recipient.Country, IDType: recipient.TaxIDKind, ID: recipient.TaxID}
		}
		alta.Destinatarios = append(alta.Destinatarios, d)
	}

	req := registerRequest{
		Cabecera: cabecera{ObligadoEmision: obligadoEmision{
			NombreRazon: r.IssuerName,
			NIF:         r.IssuerTaxID,
		}},
		RegistroFactura: registroFactura{RegistroAlta: alta},
	}

	env := newEnvelope(body{Register: &req})
	return marshal(env)
}

func buildDesglose(b record.TaxBreakdown) desglose {
	var d desglose
	for _, v := range b.VAT {
		line := detalleVAT{
			BaseImponible:    hashengine.FormatAmount(v.TaxBase),
			TipoImpositivo:   hashengine.FormatAmount(v.Rate),
			CuotaRepercutida: hashengine.FormatAmount(v.VATAmount),
		}
		if v.EquivalenceSurchargeRate != nil {
			line.TipoRecargoEquivalencia = hashengine.FormatAmount(*v.EquivalenceSurchargeRate)
		}
		if v.EquivalenceSurchargeAmount != nil {
			line.CuotaRecargoEquivalencia = hashengine.FormatAmount(*v.EquivalenceSurchargeAmount)
		}
		d.DetalleVAT = append(d.DetalleVAT, line)
	}
	for _, e := range b.Exempt {
		d.DetalleExento = append(d.DetalleExento, detalleExento{
			BaseImponible: hashengine.FormatAmount(e.TaxBase),
			CausaExencion: e.ExemptionCause,
		})
	}
	for _, n := range b.NonSubject {
		d.DetalleNoSujeta = append(d.DetalleNoSujeta, detalleNoSujeta{
			Importe:       hashengine.FormatAmount(n.Amount),
			CausaNoSujeta: n.NonSubjectCause,
		})
	}
	return d
}

// buildSistemaInformatico preserves the source's double-write of the
// installation number into IdSistemaInformatico and NumeroInstalacion, and
// its unconditional IndicadorMultiplesOT=N.
func buildSistemaInformatico(s record.SoftwareDescriptor) sistemaInformatico {
	return sistemaInformatico{
		NombreRazon:              s.ProviderName,
		NIF:                      s.ProviderTaxID,
		NombreSistemaInformatico: s.SoftwareName,
		IdSistemaInformatico:     s.InstallationNumber,
		Version:                  s.SoftwareVersion,
		NumeroInstalacion:        s.InstallationNumber,
		IndicadorMultiplesOT:     "N",
	}
}

// --- Cancel ---

type cancelRequest struct {
	Cabecera      cabecera      `xml:"sum:Cabecera"`
	RegistroBaja registroBaja `xml:"sum:RegistroFactura"`
}

type registroBaja struct {
	IDFactura                idFactura      `xml:"sum:IDFactura"`
	MotivoBaja               string         `xml:"sum:MotivoBaja,omitempty"`
	Encadenamiento           encadenamiento `xml:"sum:Encadenamiento"`
	SistemaInformatico       sistemaInformatico `xml:"sum:SistemaInformatico"`
	FechaHoraHusoGenRegistro string         `xml:"sum:FechaHoraHusoGenRegistro"`
	Huella                   string         `xml:"sum:Huella"`
}

// BuildCancel produces the cancellation envelope: structurally identical to
// the register envelope but omitting the breakdown, totals, recipients, and
// description.
func BuildCancel(processed record.ProcessedRecord, wasFirst bool, software record.SoftwareDescriptor, issuerName string) ([]byte, error) {
	r := processed.Record

	var chain encadenamiento
	if wasFirst {
		chain.PrimerRegistro = "S"
	} else {
		ref := processed.ChainReference
		chain.RegistroAnterior = &registroAnterior{
			IDEmisorFactura:                r.IssuerTaxID,
			NumSerieFacturaAnterior:        ref.PreviousSeries + ref.PreviousNumber,
			FechaExpedicionFacturaAnterior: hashengine.FormatDate(ref.PreviousDate),
			Huella:                         ref.PreviousFingerprint,
		}
	}

	req := cancelRequest{
		Cabecera: cabecera{ObligadoEmision: obligadoEmision{NombreRazon: issuerName, NIF: r.IssuerTaxID}},
		RegistroBaja: registroBaja{
			IDFactura: idFactura{
				IDEmisorFactura:        r.IssuerTaxID,
				NumSerieFactura:        r.Identity.ConcatenatedSeriesNumber(),
				FechaExpedicionFactura: hashengine.FormatDate(r.Identity.IssueDate),
			},
			MotivoBaja:               r.CancellationReason,
			Encadenamiento:           chain,
			SistemaInformatico:       buildSistemaInformatico(software),
			FechaHoraHusoGenRegistro: hashengine.FormatInstant(processed.Instant),
			Huella:                   processed.Fingerprint,
		},
	}

	env := newEnvelope(body{Cancel: &req})
	return marshal(env)
}

// --- Query ---

type queryRequest struct {
	Cabecera         cabecera  `xml:"sum:Cabecera"`
	FiltroConsulta   idFactura `xml:"sum:FiltroConsulta"`
}

// BuildQuery produces the query envelope: carries only the issuer
// tax-id filter and the invoice identity filter.
func BuildQuery(issuerTaxID string, identity record.InvoiceIdentity) ([]byte, error) {
	req := queryRequest{
		Cabecera: cabecera{ObligadoEmision: obligadoEmision{NIF: issuerTaxID}},
		FiltroConsulta: idFactura{
			IDEmisorFactura:        issuerTaxID,
			NumSerieFactura:        identity.ConcatenatedSeriesNumber(),
			FechaExpedicionFactura: hashengine.FormatDate(identity.IssueDate),
		},
	}
	env := newEnvelope(body{Query: &req})
	return marshal(env)
}

func marshal(env soapEnvelope) ([]byte, error) {
	out, err := xml.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
