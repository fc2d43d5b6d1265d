package fhir

import (
	"fmt"

	"github.com/beevik/etree"
)

// KBVBundle is the subset of a prescription bundle the workflow engine needs.
// The raw bytes are retained verbatim: they are what the QES signature
// covers and what the patient later downloads.
type KBVBundle struct {
	ID               string
	PrescriptionID   string
	PatientKVNR      string
	PractitionerLANR string
	Raw              []byte
}

const (
	systemLANR = "https://fhir.kbv.de/NamingSystem/KBV_NS_Base_ANR"
)

// ParseKBVBundle extracts the relevant fields from a KBV prescription bundle
// (FHIR XML document as carried inside the QES container).
func ParseKBVBundle(data []byte) (*KBVBundle, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse bundle XML: %w", err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "Bundle" {
		return nil, fmt.Errorf("document is not a Bundle")
	}

	bundle := &KBVBundle{Raw: data}

	if id := root.FindElement("./id"); id != nil {
		bundle.ID = id.SelectAttrValue("value", "")
	}
	if bundle.ID == "" {
		return nil, fmt.Errorf("bundle has no id")
	}

	if ident := root.FindElement("./identifier/value"); ident != nil {
		bundle.PrescriptionID = ident.SelectAttrValue("value", "")
	}

	for _, entry := range root.FindElements("./entry/resource/Patient") {
		for _, ident := range entry.FindElements("./identifier") {
			system := ident.FindElement("./system")
			value := ident.FindElement("./value")
			if system != nil && value != nil && system.SelectAttrValue("value", "") == SystemKVNR {
				bundle.PatientKVNR = value.SelectAttrValue("value", "")
			}
		}
	}

	for _, entry := range root.FindElements("./entry/resource/Practitioner") {
		for _, ident := range entry.FindElements("./identifier") {
			system := ident.FindElement("./system")
			value := ident.FindElement("./value")
			if system != nil && value != nil && system.SelectAttrValue("value", "") == systemLANR {
				bundle.PractitionerLANR = value.SelectAttrValue("value", "")
			}
		}
	}

	return bundle, nil
}
