// Package store owns the service's mutable state: tasks, communications,
// audit events, dispenses and the signed bundles they reference. All
// mutations go through the workflow methods, which enforce the task state
// machine and the capability rules, emit audit events and schedule a flush.
//
// Concurrency contract: one RWMutex guards the whole aggregate. Every
// workflow operation is a single writer critical section and performs no
// blocking I/O while holding it; signature verification results are passed
// in and flushing happens on a background goroutine from a read-locked
// snapshot.
package store

import (
	"time"

	"github.com/open-eprescription/erx-service/internal/prescription"
	"github.com/open-eprescription/erx-service/internal/token"
)

// Task is one prescription and its workflow state.
type Task struct {
	ID             string                `json:"id"`
	PrescriptionID string                `json:"prescriptionId"`
	FlowType       prescription.FlowType `json:"flowType"`

	// AccessCode is revealed to the creator and anyone who presents it.
	// Secret exists only while the task is in-progress and is revealed
	// exactly once, to the pharmacy that accepted.
	AccessCode string `json:"accessCode,omitempty"`
	Secret     string `json:"secret,omitempty"`

	Status Status `json:"status"`

	// ForKVNR is the patient, set on activation.
	ForKVNR string `json:"forKvnr,omitempty"`

	AuthoredOn   time.Time  `json:"authoredOn"`
	LastModified time.Time  `json:"lastModified"`
	AcceptDate   *time.Time `json:"acceptDate,omitempty"`
	ExpiryDate   *time.Time `json:"expiryDate,omitempty"`

	// References into the bundle stores.
	PrescriptionBundleID string `json:"prescriptionBundleId,omitempty"`
	PatientReceiptID     string `json:"patientReceiptId,omitempty"`
	ReceiptID            string `json:"receiptId,omitempty"`

	// AcceptedBy is the TelematikID of the pharmacy holding the secret.
	AcceptedBy string `json:"acceptedBy,omitempty"`

	// AcceptTimestamp feeds the receipt's event period.
	AcceptTimestamp *time.Time `json:"acceptTimestamp,omitempty"`
}

// Expired reports whether the task is past its expiry date.
func (t *Task) Expired(now time.Time) bool {
	return t.ExpiryDate != nil && now.After(*t.ExpiryDate)
}

// Communication is a message between actors about a task.
type Communication struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"taskId"`
	Sender     string     `json:"sender"`
	Recipient  string     `json:"recipient"`
	Payload    string     `json:"payload"`
	Attachment []byte     `json:"attachment,omitempty"`
	Sent       time.Time  `json:"sent"`
	Received   *time.Time `json:"received,omitempty"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// AuditEvent is the immutable record of one successful operation.
type AuditEvent struct {
	ID        string    `json:"id"`
	Recorded  time.Time `json:"recorded"`
	Action    string    `json:"action"`
	AgentID   string    `json:"agentId"`
	AgentName string    `json:"agentName"`
	TaskID    string    `json:"taskId,omitempty"`
	KVNR      string    `json:"kvnr,omitempty"`
	Text      string    `json:"text"`
}

// MedicationDispense is stored at $close and read back by the patient and
// the dispensing pharmacy.
type MedicationDispense struct {
	ID             string    `json:"id"`
	PrescriptionID string    `json:"prescriptionId"`
	TaskID         string    `json:"taskId"`
	KVNR           string    `json:"kvnr"`
	PerformerID    string    `json:"performerId"`
	WhenHandedOver time.Time `json:"whenHandedOver"`
	Body           []byte    `json:"body"`
}

// SignedBundle stores bundle bytes together with their detached signature.
type SignedBundle struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Content   []byte    `json:"content"`
	Signature []byte    `json:"signature,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Actor identifies the verified caller of a workflow operation.
type Actor struct {
	Role        token.Role
	KVNR        string
	TelematikID string
	Name        string
	Subject     string
}

// actorID returns the identifier recorded in audit entries.
func (a Actor) actorID() string {
	if a.KVNR != "" {
		return a.KVNR
	}
	if a.TelematikID != "" {
		return a.TelematikID
	}
	return a.Subject
}
