// Package fhir holds the typed resources accepted and produced by the
// service together with their JSON and XML codecs.
//
// Each endpoint fixes its payload type statically; there is no dynamic
// resource dispatch. The JSON form is the canonical in-memory model, the XML
// form is derived mechanically (see xml.go).
package fhir

import (
	"net/http"
	"strings"
)

// Format selects the wire representation of a resource.
type Format int

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatXML
)

const (
	ContentTypeJSON = "application/fhir+json"
	ContentTypeXML  = "application/fhir+xml"
)

// Identifier and code systems used across resources.
const (
	SystemPrescriptionID = "https://gematik.de/fhir/NamingSystem/PrescriptionID"
	SystemAccessCode     = "https://gematik.de/fhir/NamingSystem/AccessCode"
	SystemSecret         = "https://gematik.de/fhir/NamingSystem/Secret"
	SystemKVNR           = "http://fhir.de/NamingSystem/gkv/kvid-10"
	SystemTelematikID    = "https://gematik.de/fhir/NamingSystem/TelematikID"
	SystemFlowType       = "https://gematik.de/fhir/CodeSystem/Flowtype"
	SystemDocumentType   = "https://gematik.de/fhir/CodeSystem/Documenttype"

	ExtensionPrescriptionType = "https://gematik.de/fhir/StructureDefinition/PrescriptionType"
	ExtensionAcceptDate       = "https://gematik.de/fhir/StructureDefinition/AcceptDate"
	ExtensionExpiryDate       = "https://gematik.de/fhir/StructureDefinition/ExpiryDate"
)

func (f Format) ContentType() string {
	if f == FormatXML {
		return ContentTypeXML
	}
	return ContentTypeJSON
}

func formatFromMime(mime string) Format {
	mime = strings.TrimSpace(strings.SplitN(mime, ";", 2)[0])
	switch mime {
	case ContentTypeJSON, "application/json", "json":
		return FormatJSON
	case ContentTypeXML, "application/xml", "text/xml", "xml":
		return FormatXML
	case "", "*/*", "application/*":
		return FormatUnknown
	default:
		return FormatUnknown
	}
}

// RequestFormat resolves the response format from _format, Accept and
// Content-Type, in that order. Defaults to XML, which is what the
// prescription clients speak unless they ask otherwise.
func RequestFormat(r *http.Request) Format {
	if f := formatFromMime(r.URL.Query().Get("_format")); f != FormatUnknown {
		return f
	}
	for _, accept := range strings.Split(r.Header.Get("Accept"), ",") {
		if f := formatFromMime(accept); f != FormatUnknown {
			return f
		}
	}
	if f := formatFromMime(r.Header.Get("Content-Type")); f != FormatUnknown {
		return f
	}
	return FormatXML
}

// BodyFormat resolves the format of the request body from Content-Type.
func BodyFormat(r *http.Request) Format {
	if f := formatFromMime(r.Header.Get("Content-Type")); f != FormatUnknown {
		return f
	}
	return FormatXML
}
