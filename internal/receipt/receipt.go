// Package receipt builds and signs the dispensation receipts produced by
// $close.
package receipt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/open-eprescription/erx-service/internal/fhir"
	"github.com/open-eprescription/erx-service/internal/qes"
	"github.com/open-eprescription/erx-service/internal/store"
	"github.com/open-eprescription/erx-service/internal/version"
)

// compositionTypeReceipt is the coding of a dispensation receipt.
const compositionTypeReceipt = "3"

// deviceName identifies the service inside receipts.
const deviceName = "ErxService"

// Builder renders receipt bundles and signs them with the service identity.
type Builder struct {
	signer *qes.Signer
}

func NewBuilder(signer *qes.Signer) *Builder {
	return &Builder{signer: signer}
}

// Build assembles the receipt bundle, signs its canonical bytes and returns
// both the renderable bundle and the raw signed form for storage.
func (b *Builder) Build(data *store.ReceiptData) (*fhir.Bundle, []byte, []byte, error) {
	bundle := b.bundle(data)

	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal receipt: %w", err)
	}

	// The signature covers the canonical JSON form of the unsigned bundle.
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to canonicalise receipt: %w", err)
	}

	signature, err := b.signer.Sign(canonical, data.CloseTime)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to sign receipt: %w", err)
	}

	bundle.Signature = &fhir.Signature{
		Type: []fhir.Coding{{
			System: "urn:iso-astm:E1762-95:2013",
			Code:   "1.2.840.10065.1.12.1.1",
		}},
		When: data.CloseTime.UTC().Format(time.RFC3339),
		Who: fhir.Reference{
			Reference: "Device/" + deviceName,
		},
		SigFormat: "application/pkcs7-mime",
		Data:      base64.StdEncoding.EncodeToString(signature),
	}

	return bundle, canonical, signature, nil
}

// bundle assembles the unsigned receipt document.
func (b *Builder) bundle(data *store.ReceiptData) *fhir.Bundle {
	device := fhir.Device{
		ResourceType: "Device",
		ID:           deviceName,
		Status:       "active",
		SerialNumber: version.Get().Version,
		DeviceName: []fhir.DeviceName{{
			Name: deviceName,
			Type: "user-friendly-name",
		}},
	}

	composition := fhir.Composition{
		ResourceType: "Composition",
		ID:           uuid.NewString(),
		Status:       "final",
		Type: fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System: fhir.SystemDocumentType,
				Code:   compositionTypeReceipt,
			}},
		},
		Date:   data.CloseTime.UTC().Format(time.RFC3339),
		Author: []fhir.Reference{{Reference: "Device/" + deviceName}},
		Title:  "Quittung",
		Event: []fhir.CompositionEvent{{
			Period: fhir.Period{
				Start: data.AcceptTime.UTC().Format(time.RFC3339),
				End:   data.CloseTime.UTC().Format(time.RFC3339),
			},
		}},
	}

	return &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           data.ReceiptID,
		Identifier: &fhir.Identifier{
			System: fhir.SystemPrescriptionID,
			Value:  data.PrescriptionID,
		},
		Type:      "document",
		Timestamp: data.CloseTime.UTC().Format(time.RFC3339),
		Entry: []fhir.BundleEntry{
			{FullURL: "urn:uuid:" + composition.ID, Resource: composition},
			{FullURL: "Device/" + deviceName, Resource: device},
		},
	}
}
