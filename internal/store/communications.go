package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/open-eprescription/erx-service/internal/erx"
)

// maxPayloadBytes bounds a communication payload.
const maxPayloadBytes = 10 * 1024

// communicationTTL is how long an unread message is retained.
const communicationTTL = 90 * 24 * time.Hour

// CommunicationCreate stores a message about a task. The sender is always
// the verified caller.
func (s *Store) CommunicationCreate(actor Actor, taskID, recipient, payload string, attachment []byte) (*Communication, error) {
	if len(payload) > maxPayloadBytes {
		return nil, erx.NewPayloadTooLargeError("communication payload too large")
	}
	if recipient == "" {
		return nil, erx.NewConflictError("communication has no recipient")
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

	now := s.now()
	comm := &Communication{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		Sender:     actor.actorID(),
		Recipient:  recipient,
		Payload:    payload,
		Attachment: attachment,
		Sent:       now,
		ExpiresAt:  now.Add(communicationTTL),
	}
	s.communications[comm.ID] = comm

	s.appendAudit(actor, "C", task.ID, task.ForKVNR, "Communication sent")
	s.markDirty()

	copied := *comm
	return &copied, nil
}

// CommunicationGet returns one message to its sender or recipient. The first
// read by the recipient stamps the received timestamp.
func (s *Store) CommunicationGet(actor Actor, id string) (*Communication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	comm, ok := s.communications[id]
	if !ok {
		return nil, erx.NewNotFoundError("unknown communication")
	}

	actorID := actor.actorID()
	switch actorID {
	case comm.Recipient:
		if comm.Received == nil {
			now := s.now()
			comm.Received = &now
			s.markDirty()
		}
	case comm.Sender:
	default:
		return nil, erx.NewAuthzDeniedError("not a party to this communication")
	}

	copied := *comm
	return &copied, nil
}

// CommunicationList returns the messages the caller sent or received.
func (s *Store) CommunicationList(actor Actor) []*Communication {
	s.mu.RLock()
	defer s.mu.RUnlock()

	actorID := actor.actorID()
	var result []*Communication
	for _, comm := range s.communications {
		if comm.Sender == actorID || comm.Recipient == actorID {
			copied := *comm
			result = append(result, &copied)
		}
	}
	return result
}

// CommunicationDelete removes a message; only the sender may.
func (s *Store) CommunicationDelete(actor Actor, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	comm, ok := s.communications[id]
	if !ok {
		return erx.NewNotFoundError("unknown communication")
	}
	if comm.Sender != actor.actorID() {
		return erx.NewAuthzDeniedError("only the sender may delete a communication")
	}

	delete(s.communications, id)
	s.markDirty()
	return nil
}

// removeCommunicationsForTask drops a completed task's messages. Called with
// the write lock held.
func (s *Store) removeCommunicationsForTask(taskID string) {
	for id, comm := range s.communications {
		if comm.TaskID == taskID {
			delete(s.communications, id)
		}
	}
}
