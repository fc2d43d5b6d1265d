package store

import (
	"github.com/google/uuid"
)

// appendAudit records one successful operation. Called with the write lock
// held. The patient reference is passed explicitly because cancellation
// clears it from the task before the event is written.
func (s *Store) appendAudit(actor Actor, action string, taskID, kvnr, text string) {
	event := &AuditEvent{
		ID:        uuid.NewString(),
		Recorded:  s.now(),
		Action:    action,
		AgentID:   actor.actorID(),
		AgentName: actor.Name,
		TaskID:    taskID,
		KVNR:      kvnr,
		Text:      text,
	}
	s.auditEvents[event.ID] = event
}

// AuditEventsFor returns the audit trail visible to a patient.
func (s *Store) AuditEventsFor(kvnr string) []*AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*AuditEvent
	for _, event := range s.auditEvents {
		if event.KVNR == kvnr {
			copied := *event
			result = append(result, &copied)
		}
	}
	return result
}

// AuditEventGet returns one audit event if it concerns the given patient.
func (s *Store) AuditEventGet(kvnr, id string) (*AuditEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.auditEvents[id]
	if !ok || event.KVNR != kvnr {
		return nil, false
	}
	copied := *event
	return &copied, true
}

// auditEventsForTask supports _revinclude on task reads. Called with at
// least the read lock held.
func (s *Store) auditEventsForTask(taskID string) []*AuditEvent {
	var result []*AuditEvent
	for _, event := range s.auditEvents {
		if event.TaskID == taskID {
			copied := *event
			result = append(result, &copied)
		}
	}
	return result
}

// AuditEventsForTask is the exported, self-locking variant.
func (s *Store) AuditEventsForTask(taskID string) []*AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auditEventsForTask(taskID)
}
