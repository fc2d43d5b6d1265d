package fhir

// Shared datatypes. Only the elements the endpoints actually read or write
// are modelled; unknown elements are dropped on input rather than carried
// opaquely.

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

type Extension struct {
	URL         string  `json:"url"`
	ValueCoding *Coding `json:"valueCoding,omitempty"`
	ValueDate   string  `json:"valueDate,omitempty"`
	ValueString string  `json:"valueString,omitempty"`
}

type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Signature struct {
	Type []Coding `json:"type,omitempty"`
	When string   `json:"when,omitempty"`
	Who  Reference `json:"who,omitempty"`
	// SigFormat/Data carry the detached CAdES signature, base64.
	SigFormat string `json:"sigFormat,omitempty"`
	Data      string `json:"data,omitempty"`
}

type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Data        string `json:"data,omitempty"`
	URL         string `json:"url,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// OperationOutcome

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

func NewOperationOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{{
			Severity:    "error",
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}

// Parameters, as posted to Task/$create.

type ParametersParameter struct {
	Name        string  `json:"name"`
	ValueCoding *Coding `json:"valueCoding,omitempty"`
	ValueString string  `json:"valueString,omitempty"`
}

type Parameters struct {
	ResourceType string                `json:"resourceType"`
	Parameter    []ParametersParameter `json:"parameter,omitempty"`
}

// WorkflowType returns the flow-type code of a $create parameter set, or ""
// if absent.
func (p *Parameters) WorkflowType() string {
	for _, param := range p.Parameter {
		if param.Name == "workflowType" && param.ValueCoding != nil {
			return param.ValueCoding.Code
		}
	}
	return ""
}

// Task

type TaskInput struct {
	Type           CodeableConcept `json:"type"`
	ValueReference Reference       `json:"valueReference"`
}

type TaskOutput struct {
	Type           CodeableConcept `json:"type"`
	ValueReference Reference       `json:"valueReference"`
}

type Task struct {
	ResourceType  string            `json:"resourceType"`
	ID            string            `json:"id,omitempty"`
	Extension     []Extension       `json:"extension,omitempty"`
	Identifier    []Identifier      `json:"identifier,omitempty"`
	Status        string            `json:"status"`
	Intent        string            `json:"intent,omitempty"`
	For           *Reference        `json:"for,omitempty"`
	AuthoredOn    string            `json:"authoredOn,omitempty"`
	LastModified  string            `json:"lastModified,omitempty"`
	PerformerType []CodeableConcept `json:"performerType,omitempty"`
	Input         []TaskInput       `json:"input,omitempty"`
	Output        []TaskOutput      `json:"output,omitempty"`
}

// AuditEvent

type AuditEventAgent struct {
	Who       Reference `json:"who"`
	Name      string    `json:"name,omitempty"`
	Requestor bool      `json:"requestor"`
}

type AuditEventEntity struct {
	What        Reference `json:"what"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
}

type AuditEventSource struct {
	Observer Reference `json:"observer"`
}

type AuditEvent struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id,omitempty"`
	Type         Coding             `json:"type"`
	Action       string             `json:"action,omitempty"`
	Recorded     string             `json:"recorded"`
	Outcome      string             `json:"outcome,omitempty"`
	Agent        []AuditEventAgent  `json:"agent"`
	Source       AuditEventSource   `json:"source"`
	Entity       []AuditEventEntity `json:"entity,omitempty"`
}

// Communication

type CommunicationPayload struct {
	ContentString     string      `json:"contentString,omitempty"`
	ContentAttachment *Attachment `json:"contentAttachment,omitempty"`
}

type Communication struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id,omitempty"`
	BasedOn      []Reference            `json:"basedOn,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Sent         string                 `json:"sent,omitempty"`
	Received     string                 `json:"received,omitempty"`
	Recipient    []Reference            `json:"recipient,omitempty"`
	Sender       *Reference             `json:"sender,omitempty"`
	Payload      []CommunicationPayload `json:"payload,omitempty"`
}

// MedicationDispense

type MedicationDispense struct {
	ResourceType          string       `json:"resourceType"`
	ID                    string       `json:"id,omitempty"`
	Identifier            []Identifier `json:"identifier,omitempty"`
	Status                string       `json:"status,omitempty"`
	Subject               *Reference   `json:"subject,omitempty"`
	Performer             []struct {
		Actor Reference `json:"actor"`
	} `json:"performer,omitempty"`
	SupportingInformation []Reference `json:"supportingInformation,omitempty"`
	WhenHandedOver        string      `json:"whenHandedOver,omitempty"`
}

// PrescriptionID returns the prescription identifier carried by the dispense.
func (m *MedicationDispense) PrescriptionID() string {
	for _, id := range m.Identifier {
		if id.System == SystemPrescriptionID {
			return id.Value
		}
	}
	return ""
}

// SubjectKVNR returns the patient identifier of the dispense subject.
func (m *MedicationDispense) SubjectKVNR() string {
	if m.Subject != nil && m.Subject.Identifier != nil && m.Subject.Identifier.System == SystemKVNR {
		return m.Subject.Identifier.Value
	}
	return ""
}

// PerformerTelematikID returns the TelematikID of the dispensing pharmacy.
func (m *MedicationDispense) PerformerTelematikID() string {
	for _, p := range m.Performer {
		if p.Actor.Identifier != nil && p.Actor.Identifier.System == SystemTelematikID {
			return p.Actor.Identifier.Value
		}
	}
	return ""
}

// Device, referenced from signed receipts.

type DeviceName struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Device struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Status       string       `json:"status,omitempty"`
	SerialNumber string       `json:"serialNumber,omitempty"`
	DeviceName   []DeviceName `json:"deviceName,omitempty"`
	Version      []struct {
		Value string `json:"value"`
	} `json:"version,omitempty"`
}

// Composition for the receipt bundle.

type CompositionEvent struct {
	Period Period `json:"period"`
}

type Composition struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id,omitempty"`
	Status       string             `json:"status,omitempty"`
	Type         CodeableConcept    `json:"type"`
	Date         string             `json:"date,omitempty"`
	Author       []Reference        `json:"author,omitempty"`
	Title        string             `json:"title,omitempty"`
	Event        []CompositionEvent `json:"event,omitempty"`
}

// Bundle. Entries hold pre-rendered resources: the endpoints fix each entry
// type statically, the bundle itself is shape-only.

type BundleEntry struct {
	FullURL  string `json:"fullUrl,omitempty"`
	Resource any    `json:"resource,omitempty"`
}

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Signature    *Signature    `json:"signature,omitempty"`
}

func NewSearchSet(entries []BundleEntry, total int) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Entry:        entries,
	}
}
