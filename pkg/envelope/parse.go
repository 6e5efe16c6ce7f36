package envelope

import (
	"fmt"
	"strings"
	"time"

	goxml "github.com/arturoeanton/go-xml/xml"

	"github.com/certen/verifactu-client/pkg/vferrors"
)

// State is the authority's three possible registration states.
type State string

const (
	StateCorrecto           State = "Correcto"
	StateAceptadoConErrores State = "AceptadoConErrores"
	StateRechazado          State = "Rechazado"
)

// ParsedResponse is the small result shape response parsing extracts from
// the authority's SOAP envelope.
type ParsedResponse struct {
	State             State
	VerificationCode  string // CSV — authority-issued proof-of-receipt identifier
	ErrorCode         string
	ErrorDescription  string
	RegistrationInstant *time.Time // query responses only
}

// operationResponseNames lists, for each operation, the operation-specific
// response element name the parser first looks for, before falling back to
// the generic "Respuesta" element.
var operationResponseNames = map[string]string{
	"register": "RespuestaRegFactura",
	"cancel":   "RespuestaBajaFactura",
	"query":    "RespuestaConsultaFactura",
}

// ParseRegister parses a register response envelope.
func ParseRegister(raw []byte) (ParsedResponse, error) { return parseResponse(raw, "register") }

// ParseCancel parses a cancel response envelope.
func ParseCancel(raw []byte) (ParsedResponse, error) { return parseResponse(raw, "cancel") }

// ParseQuery parses a query response envelope, additionally extracting the
// registration instant when present.
func ParseQuery(raw []byte) (ParsedResponse, error) { return parseResponse(raw, "query") }

func parseResponse(raw []byte, operation string) (ParsedResponse, error) {
	doc, err := goxml.MapXML(strings.NewReader(string(raw)),
		goxml.RegisterNamespace("soapenv", nsSoapEnv),
		goxml.RegisterNamespace("sum", nsSum),
	)
	if err != nil {
		return ParsedResponse{}, vferrors.Wrap(vferrors.KindSoap, "MALFORMED_XML", "could not parse response envelope", err)
	}

	if faultCode, faultString, ok := queryFault(doc); ok {
		return ParsedResponse{}, vferrors.New(vferrors.KindSoap, faultCode, faultString)
	}

	respName := operationResponseNames[operation]
	node, err := firstNonNil(doc,
		"soapenv:Envelope/soapenv:Body/sum:"+respName,
		"soapenv:Envelope/soapenv:Body/"+respName,
		"soapenv:Envelope/soapenv:Body/sum:Respuesta",
		"soapenv:Envelope/soapenv:Body/Respuesta",
	)
	if err != nil || node == nil {
		return ParsedResponse{}, vferrors.New(vferrors.KindSoap, "INVALID_RESPONSE", "invalid response: missing operation response element")
	}

	result := ParsedResponse{
		State:            State(queryString(node, "EstadoRegistro")),
		VerificationCode: queryString(node, "CSV"),
		ErrorCode:        queryString(node, "CodigoErrorRegistro"),
		ErrorDescription: queryString(node, "DescripcionErrorRegistro"),
	}
	if operation == "query" {
		if raw := queryString(node, "FechaRegistro"); raw != "" {
			if ts, err := time.Parse("2006-01-02T15:04:05-07:00", raw); err == nil {
				result.RegistrationInstant = &ts
			}
		}
	}
	return result, nil
}

// queryFault detects a soapenv:Fault element that is a direct child of Body
// and surfaces it as a protocol-level error, never as a business rejection.
// A Fault nested deeper under Body is not looked for.
func queryFault(doc any) (code, message string, found bool) {
	fault, err := goxml.Query(doc, "soapenv:Envelope/soapenv:Body/soapenv:Fault")
	if err != nil || fault == nil {
		return "", "", false
	}
	code = queryString(fault, "faultcode")
	message = queryString(fault, "faultstring")
	return code, message, true
}

// firstNonNil tries each path in order and returns the first node found.
func firstNonNil(doc any, paths ...string) (any, error) {
	for _, p := range paths {
		node, err := goxml.Query(doc, p)
		if err == nil && node != nil {
			return node, nil
		}
	}
	return nil, fmt.Errorf("none of %d candidate paths matched", len(paths))
}

// queryString reads a child element's text content, tolerating its absence
// (unknown/missing elements are ignored).
func queryString(node any, childPath string) string {
	val, err := goxml.Query(node, childPath+"/#text")
	if err != nil || val == nil {
		val, err = goxml.Query(node, childPath)
		if err != nil || val == nil {
			return ""
		}
	}
	return fmt.Sprintf("%v", val)
}
