package server

// Conversions between the store's domain records and their FHIR renderings.

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/open-eprescription/erx-service/internal/fhir"
	"github.com/open-eprescription/erx-service/internal/store"
)

func fhirInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fhirDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// taskResource renders a task. The access code appears only for callers
// entitled to it, the secret only on the accept response.
func taskResource(task *store.Task, showAccessCode, showSecret bool) *fhir.Task {
	resource := &fhir.Task{
		ResourceType: "Task",
		ID:           task.ID,
		Status:       string(task.Status),
		Intent:       "order",
		AuthoredOn:   fhirInstant(task.AuthoredOn),
		LastModified: fhirInstant(task.LastModified),
		Extension: []fhir.Extension{{
			URL: fhir.ExtensionPrescriptionType,
			ValueCoding: &fhir.Coding{
				System: fhir.SystemFlowType,
				Code:   strconv.Itoa(int(task.FlowType)),
			},
		}},
		Identifier: []fhir.Identifier{{
			System: fhir.SystemPrescriptionID,
			Value:  task.PrescriptionID,
		}},
		PerformerType: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{
				System:  "urn:ietf:rfc:3986",
				Code:    "urn:oid:1.2.276.0.76.4.54",
				Display: "Öffentliche Apotheke",
			}},
		}},
	}

	if task.AcceptDate != nil {
		resource.Extension = append(resource.Extension, fhir.Extension{
			URL:       fhir.ExtensionAcceptDate,
			ValueDate: fhirDate(*task.AcceptDate),
		})
	}
	if task.ExpiryDate != nil {
		resource.Extension = append(resource.Extension, fhir.Extension{
			URL:       fhir.ExtensionExpiryDate,
			ValueDate: fhirDate(*task.ExpiryDate),
		})
	}

	if showAccessCode && task.AccessCode != "" {
		resource.Identifier = append(resource.Identifier, fhir.Identifier{
			System: fhir.SystemAccessCode,
			Value:  task.AccessCode,
		})
	}
	if showSecret && task.Secret != "" {
		resource.Identifier = append(resource.Identifier, fhir.Identifier{
			System: fhir.SystemSecret,
			Value:  task.Secret,
		})
	}

	if task.ForKVNR != "" {
		resource.For = &fhir.Reference{
			Identifier: &fhir.Identifier{
				System: fhir.SystemKVNR,
				Value:  task.ForKVNR,
			},
		}
	}

	if task.PrescriptionBundleID != "" {
		resource.Input = append(resource.Input, fhir.TaskInput{
			Type: fhir.CodeableConcept{Coding: []fhir.Coding{{
				System: fhir.SystemDocumentType,
				Code:   "1",
			}}},
			ValueReference: fhir.Reference{Reference: "Bundle/" + task.PrescriptionBundleID},
		})
	}
	if task.PatientReceiptID != "" {
		resource.Input = append(resource.Input, fhir.TaskInput{
			Type: fhir.CodeableConcept{Coding: []fhir.Coding{{
				System: fhir.SystemDocumentType,
				Code:   "2",
			}}},
			ValueReference: fhir.Reference{Reference: "Bundle/" + task.PatientReceiptID},
		})
	}
	if task.ReceiptID != "" {
		resource.Output = append(resource.Output, fhir.TaskOutput{
			Type: fhir.CodeableConcept{Coding: []fhir.Coding{{
				System: fhir.SystemDocumentType,
				Code:   "3",
			}}},
			ValueReference: fhir.Reference{Reference: "Bundle/" + task.ReceiptID},
		})
	}

	return resource
}

func auditEventResource(event *store.AuditEvent) *fhir.AuditEvent {
	resource := &fhir.AuditEvent{
		ResourceType: "AuditEvent",
		ID:           event.ID,
		Type: fhir.Coding{
			System: "http://terminology.hl7.org/CodeSystem/audit-event-type",
			Code:   "rest",
		},
		Action:   event.Action,
		Recorded: fhirInstant(event.Recorded),
		Outcome:  "0",
		Agent: []fhir.AuditEventAgent{{
			Who: fhir.Reference{
				Identifier: &fhir.Identifier{Value: event.AgentID},
			},
			Name:      event.AgentName,
			Requestor: true,
		}},
		Source: fhir.AuditEventSource{
			Observer: fhir.Reference{Reference: "Device/ErxService"},
		},
	}

	if event.TaskID != "" {
		resource.Entity = append(resource.Entity, fhir.AuditEventEntity{
			What:        fhir.Reference{Reference: "Task/" + event.TaskID},
			Description: event.Text,
		})
	}
	return resource
}

func communicationResource(comm *store.Communication) *fhir.Communication {
	resource := &fhir.Communication{
		ResourceType: "Communication",
		ID:           comm.ID,
		BasedOn:      []fhir.Reference{{Reference: "Task/" + comm.TaskID}},
		Status:       "completed",
		Sent:         fhirInstant(comm.Sent),
		Sender: &fhir.Reference{
			Identifier: &fhir.Identifier{Value: comm.Sender},
		},
		Recipient: []fhir.Reference{{
			Identifier: &fhir.Identifier{Value: comm.Recipient},
		}},
		Payload: []fhir.CommunicationPayload{{ContentString: comm.Payload}},
	}

	if comm.Received != nil {
		resource.Received = fhirInstant(*comm.Received)
	}
	if len(comm.Attachment) > 0 {
		resource.Payload = append(resource.Payload, fhir.CommunicationPayload{
			ContentAttachment: &fhir.Attachment{
				ContentType: "application/octet-stream",
				Data:        base64.StdEncoding.EncodeToString(comm.Attachment),
				Size:        int64(len(comm.Attachment)),
			},
		})
	}
	return resource
}

func dispenseResource(dispense *store.MedicationDispense) *fhir.MedicationDispense {
	resource := &fhir.MedicationDispense{
		ResourceType: "MedicationDispense",
		ID:           dispense.ID,
		Identifier: []fhir.Identifier{{
			System: fhir.SystemPrescriptionID,
			Value:  dispense.PrescriptionID,
		}},
		Status: "completed",
		Subject: &fhir.Reference{
			Identifier: &fhir.Identifier{
				System: fhir.SystemKVNR,
				Value:  dispense.KVNR,
			},
		},
		SupportingInformation: []fhir.Reference{{Reference: "Task/" + dispense.TaskID}},
		WhenHandedOver:        fhirInstant(dispense.WhenHandedOver),
	}

	resource.Performer = append(resource.Performer, struct {
		Actor fhir.Reference `json:"actor"`
	}{
		Actor: fhir.Reference{
			Identifier: &fhir.Identifier{
				System: fhir.SystemTelematikID,
				Value:  dispense.PerformerID,
			},
		},
	})

	return resource
}
