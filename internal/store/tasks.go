package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/prescription"
	"github.com/open-eprescription/erx-service/internal/token"
)

// Durations from signing time within which a prescription can be accepted
// and dispensed.
const (
	acceptDuration = 30 * 24 * time.Hour
	expiryDuration = 92 * 24 * time.Hour
)

// TaskCreate mints a new draft task for a prescribing caller.
func (s *Store) TaskCreate(actor Actor, flowType prescription.FlowType) (*Task, error) {
	if actor.Role != token.RolePhysician && actor.Role != token.RoleDentist {
		return nil, erx.NewAuthzDeniedError("only prescribers may create tasks")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return nil, err
	}

	accessCode, err := prescription.NewCapabilityCode()
	if err != nil {
		return nil, erx.WrapInternalError(err, "failed to mint access code")
	}

	prescriptionID, err := s.uniquePrescriptionID(flowType)
	if err != nil {
		return nil, err
	}

	now := s.now()
	task := &Task{
		ID:             uuid.NewString(),
		PrescriptionID: prescriptionID,
		FlowType:       flowType,
		AccessCode:     accessCode,
		Status:         StatusDraft,
		AuthoredOn:     now,
		LastModified:   now,
	}
	s.tasks[task.ID] = task

	s.appendAudit(actor, "C", task.ID, task.ForKVNR, "Task created")
	s.markDirty()

	return task.clone(), nil
}

// uniquePrescriptionID regenerates on the (unlikely) collision.
func (s *Store) uniquePrescriptionID(flowType prescription.FlowType) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		id, err := prescription.GenerateID(flowType)
		if err != nil {
			return "", erx.WrapInternalError(err, "failed to generate prescription ID")
		}
		rendered := id.String()
		if !s.prescriptionIDTaken(rendered) {
			return rendered, nil
		}
	}
	return "", erx.NewInternalError("prescription ID space exhausted")
}

func (s *Store) prescriptionIDTaken(id string) bool {
	for _, task := range s.tasks {
		if task.PrescriptionID == id {
			return true
		}
	}
	return false
}

// ActivateInput carries the outcome of the QES verification, which runs
// outside the store lock.
type ActivateInput struct {
	BundleID    string
	KVNR        string
	SigningTime time.Time
	Bundle      []byte
	Signature   []byte
}

// TaskActivate moves a draft task to ready with the verified prescription.
func (s *Store) TaskActivate(actor Actor, taskID, accessCode string, input ActivateInput) (*Task, error) {
	if actor.Role != token.RolePhysician && actor.Role != token.RoleDentist {
		return nil, erx.NewAuthzDeniedError("only prescribers may activate tasks")
	}
	if !prescription.ValidKVNR(input.KVNR) {
		return nil, erx.NewQESInvalidError("prescription bundle carries no valid KVNR")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return nil, err
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, erx.NewNotFoundError("unknown task")
	}
	if !prescription.CapabilityEqual(task.AccessCode, accessCode) {
		return nil, erx.NewAuthzDeniedError("access code mismatch")
	}
	if task.Status != StatusDraft {
		return nil, erx.NewConflictError(fmt.Sprintf("task is %s, not draft", task.Status))
	}
	if s.usedBundleIDs[input.BundleID] {
		return nil, erx.NewConflictError("prescription bundle already registered")
	}

	prescriptionBundle := &SignedBundle{
		ID:        input.BundleID,
		TaskID:    task.ID,
		Content:   input.Bundle,
		Signature: input.Signature,
		CreatedAt: s.now(),
	}
	patientReceipt := &SignedBundle{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Content:   input.Bundle,
		CreatedAt: s.now(),
	}
	s.prescriptions[prescriptionBundle.ID] = prescriptionBundle
	s.patientReceipts[patientReceipt.ID] = patientReceipt
	s.usedBundleIDs[input.BundleID] = true

	acceptDate := input.SigningTime.Add(acceptDuration)
	expiryDate := input.SigningTime.Add(expiryDuration)

	task.Status = StatusReady
	task.ForKVNR = input.KVNR
	task.PrescriptionBundleID = prescriptionBundle.ID
	task.PatientReceiptID = patientReceipt.ID
	task.AcceptDate = &acceptDate
	task.ExpiryDate = &expiryDate
	task.LastModified = s.now()

	s.appendAudit(actor, "C", task.ID, task.ForKVNR, "Task activated")
	s.markDirty()

	return task.clone(), nil
}

// TaskAccept claims a ready task for a pharmacy and mints the secret. The
// secret is part of the returned task exactly this once.
func (s *Store) TaskAccept(actor Actor, taskID, accessCode string) (*Task, *SignedBundle, error) {
	if actor.Role != token.RolePharmacy {
		return nil, nil, erx.NewAuthzDeniedError("only pharmacies may accept tasks")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return nil, nil, err
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, nil, erx.NewNotFoundError("unknown task")
	}
	if task.Status != StatusReady {
		return nil, nil, erx.NewConflictError(fmt.Sprintf("task is %s, not ready", task.Status))
	}
	if !prescription.CapabilityEqual(task.AccessCode, accessCode) {
		return nil, nil, erx.NewAuthzDeniedError("access code mismatch")
	}

	secret, err := prescription.NewCapabilityCode()
	if err != nil {
		return nil, nil, erx.WrapInternalError(err, "failed to mint secret")
	}

	now := s.now()
	task.Status = StatusInProgress
	task.Secret = secret
	task.AcceptedBy = actor.TelematikID
	task.AcceptTimestamp = &now
	task.LastModified = now

	bundle, ok := s.prescriptions[task.PrescriptionBundleID]
	if !ok {
		return nil, nil, erx.NewInternalError("prescription bundle missing")
	}

	s.appendAudit(actor, "U", task.ID, task.ForKVNR, "Task accepted")
	s.markDirty()

	return task.clone(), bundle, nil
}

// TaskReject returns an in-progress task to ready and invalidates the
// secret.
func (s *Store) TaskReject(actor Actor, taskID, secret string) (*Task, error) {
	if actor.Role != token.RolePharmacy {
		return nil, erx.NewAuthzDeniedError("only pharmacies may reject tasks")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return nil, err
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, erx.NewNotFoundError("unknown task")
	}
	if task.Status != StatusInProgress {
		return nil, erx.NewConflictError(fmt.Sprintf("task is %s, not in-progress", task.Status))
	}
	if !prescription.CapabilityEqual(task.Secret, secret) {
		return nil, erx.NewAuthzDeniedError("secret mismatch")
	}

	task.Status = StatusReady
	task.Secret = ""
	task.AcceptedBy = ""
	task.AcceptTimestamp = nil
	task.LastModified = s.now()

	s.appendAudit(actor, "U", task.ID, task.ForKVNR, "Task rejected")
	s.markDirty()

	return task.clone(), nil
}

// DispenseInput is the medication dispense posted with $close, already
// decoded and cross-checked for shape by the handler.
type DispenseInput struct {
	PrescriptionID string
	KVNR           string
	PerformerID    string
	Body           []byte
}

// ReceiptData is what the handler needs to build and sign the receipt
// bundle after the critical section.
type ReceiptData struct {
	ReceiptID      string
	PrescriptionID string
	TaskID         string
	PerformerID    string
	AcceptTime     time.Time
	CloseTime      time.Time
}

// TaskClose completes an in-progress task: it stores the dispense, reserves
// the receipt and removes the task's communications. The receipt content is
// attached afterwards via PutReceipt, once signing is done outside the lock.
func (s *Store) TaskClose(actor Actor, taskID, secret string, dispense DispenseInput) (*Task, *ReceiptData, error) {
	if actor.Role != token.RolePharmacy {
		return nil, nil, erx.NewAuthzDeniedError("only pharmacies may close tasks")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return nil, nil, err
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, nil, erx.NewNotFoundError("unknown task")
	}
	if task.Status != StatusInProgress {
		return nil, nil, erx.NewConflictError(fmt.Sprintf("task is %s, not in-progress", task.Status))
	}
	if !prescription.CapabilityEqual(task.Secret, secret) {
		return nil, nil, erx.NewAuthzDeniedError("secret mismatch")
	}

	if dispense.PrescriptionID != task.PrescriptionID {
		return nil, nil, erx.NewConflictError("dispense references a different prescription")
	}
	if dispense.KVNR != task.ForKVNR {
		return nil, nil, erx.NewConflictError("dispense references a different patient")
	}
	if dispense.PerformerID != actor.TelematikID {
		return nil, nil, erx.NewConflictError("dispense performer is not the caller")
	}
	if task.AcceptTimestamp == nil {
		return nil, nil, erx.NewInternalError("accepted task without accept timestamp")
	}

	now := s.now()
	receipt := &ReceiptData{
		ReceiptID:      uuid.NewString(),
		PrescriptionID: task.PrescriptionID,
		TaskID:         task.ID,
		PerformerID:    actor.TelematikID,
		AcceptTime:     *task.AcceptTimestamp,
		CloseTime:      now,
	}

	dispenseID := uuid.NewString()
	s.dispenses[dispenseID] = &MedicationDispense{
		ID:             dispenseID,
		PrescriptionID: dispense.PrescriptionID,
		TaskID:         task.ID,
		KVNR:           dispense.KVNR,
		PerformerID:    dispense.PerformerID,
		WhenHandedOver: now,
		Body:           dispense.Body,
	}

	task.Status = StatusCompleted
	task.ReceiptID = receipt.ReceiptID
	task.LastModified = now

	s.removeCommunicationsForTask(task.ID)

	s.appendAudit(actor, "U", task.ID, task.ForKVNR, "Task closed")
	s.markDirty()

	return task.clone(), receipt, nil
}

// PutReceipt attaches the signed receipt bundle produced after TaskClose.
func (s *Store) PutReceipt(receiptID, taskID string, content, signature []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receipts[receiptID] = &SignedBundle{
		ID:        receiptID,
		TaskID:    taskID,
		Content:   content,
		Signature: signature,
		CreatedAt: s.now(),
	}
	s.markDirty()
}

// TaskAbort cancels a task per the role matrix: insured and representatives
// cancel ready tasks, prescribers draft or ready tasks, pharmacies the
// in-progress tasks they accepted.
func (s *Store) TaskAbort(actor Actor, taskID, accessCode, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return erx.NewNotFoundError("unknown task")
	}
	if task.Status.Terminal() {
		return erx.NewConflictError(fmt.Sprintf("task is already %s", task.Status))
	}

	switch actor.Role {
	case token.RolePharmacy:
		if task.Status != StatusInProgress {
			return erx.NewConflictError("pharmacies may only abort in-progress tasks")
		}
		if !prescription.CapabilityEqual(task.Secret, secret) || task.AcceptedBy != actor.TelematikID {
			return erx.NewAuthzDeniedError("secret mismatch")
		}

	case token.RolePhysician, token.RoleDentist:
		if task.Status != StatusDraft && task.Status != StatusReady {
			return erx.NewConflictError("prescribers may only abort draft or ready tasks")
		}
		if !prescription.CapabilityEqual(task.AccessCode, accessCode) {
			return erx.NewAuthzDeniedError("access code mismatch")
		}

	case token.RoleInsured:
		if task.Status != StatusReady {
			return erx.NewConflictError("patients may only abort ready tasks")
		}
		if task.ForKVNR == actor.KVNR {
			// the patient the task is for
		} else if !prescription.CapabilityEqual(task.AccessCode, accessCode) {
			// a representative must hold the access code
			return erx.NewAuthzDeniedError("access code mismatch")
		}

	default:
		return erx.NewAuthzDeniedError("role may not abort tasks")
	}

	kvnr := task.ForKVNR
	s.cancelTaskLocked(task)
	s.appendAudit(actor, "D", task.ID, kvnr, "Task aborted")
	s.markDirty()

	return nil
}

// cancelTaskLocked applies the terminal transition and purges everything the
// capabilities guarded.
func (s *Store) cancelTaskLocked(task *Task) {
	task.Status = StatusCancelled
	task.Secret = ""
	task.AccessCode = ""
	task.ForKVNR = ""
	task.AcceptedBy = ""
	task.LastModified = s.now()

	if task.PrescriptionBundleID != "" {
		delete(s.prescriptions, task.PrescriptionBundleID)
		task.PrescriptionBundleID = ""
	}
	if task.PatientReceiptID != "" {
		delete(s.patientReceipts, task.PatientReceiptID)
		task.PatientReceiptID = ""
	}
	if task.ReceiptID != "" {
		delete(s.receipts, task.ReceiptID)
		task.ReceiptID = ""
	}
	for id, dispense := range s.dispenses {
		if dispense.TaskID == task.ID {
			delete(s.dispenses, id)
		}
	}
}

// TaskView is a read result: the task plus the bundles the caller may see.
type TaskView struct {
	Task           *Task
	ShowAccessCode bool
	PatientReceipt *SignedBundle
	Receipt        *SignedBundle
}

// TaskGet reads one task under the per-role visibility rules.
func (s *Store) TaskGet(actor Actor, taskID, accessCode, secret string) (*TaskView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, erx.NewNotFoundError("unknown task")
	}

	view := &TaskView{}

	switch actor.Role {
	case token.RoleInsured:
		if task.ForKVNR != actor.KVNR {
			if !prescription.CapabilityEqual(task.AccessCode, accessCode) {
				return nil, erx.NewAuthzDeniedError("not your task")
			}
		}
		view.ShowAccessCode = true
		if task.PatientReceiptID != "" {
			view.PatientReceipt = s.patientReceipts[task.PatientReceiptID]
		}
		if task.ReceiptID != "" {
			view.Receipt = s.receipts[task.ReceiptID]
		}
		// only the insured read is auditable
		s.appendAudit(actor, "R", task.ID, task.ForKVNR, "Task read by patient")
		s.markDirty()

	case token.RolePhysician, token.RoleDentist:
		if !prescription.CapabilityEqual(task.AccessCode, accessCode) {
			return nil, erx.NewAuthzDeniedError("access code mismatch")
		}
		view.ShowAccessCode = true

	case token.RolePharmacy:
		if prescription.CapabilityEqual(task.AccessCode, accessCode) {
			// summary sufficient to accept
		} else if task.AcceptedBy == actor.TelematikID && prescription.CapabilityEqual(task.Secret, secret) {
			if task.ReceiptID != "" {
				view.Receipt = s.receipts[task.ReceiptID]
			}
		} else {
			return nil, erx.NewAuthzDeniedError("access code mismatch")
		}

	default:
		return nil, erx.NewAuthzDeniedError("role may not read tasks")
	}

	view.Task = task.clone()
	return view, nil
}

// TaskList returns the tasks visible to the caller without capabilities:
// the insured's own tasks, or the tasks a pharmacy currently holds.
func (s *Store) TaskList(actor Actor) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Task
	for _, task := range s.tasks {
		switch actor.Role {
		case token.RoleInsured:
			if task.ForKVNR == actor.KVNR {
				result = append(result, task.clone())
			}
		case token.RolePharmacy:
			if task.AcceptedBy == actor.TelematikID {
				result = append(result, task.clone())
			}
		}
	}
	return result
}

// clone copies the task so callers never alias store-owned memory.
func (t *Task) clone() *Task {
	copied := *t
	return &copied
}
