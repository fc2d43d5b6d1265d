package store

import (
	"sync"
	"time"

	"github.com/open-eprescription/erx-service/internal/erx"
)

// Store is the single owning aggregate of all mutable service state.
type Store struct {
	mu sync.RWMutex

	tasks          map[string]*Task
	communications map[string]*Communication
	auditEvents    map[string]*AuditEvent
	dispenses      map[string]*MedicationDispense

	// prescriptions holds the QES-signed KBV binaries, patientReceipts the
	// unsigned copies handed to patients, receipts the signed close
	// receipts. Keyed by their bundle id; tasks reference them by id, never
	// by pointer, so document cycles cannot form.
	prescriptions   map[string]*SignedBundle
	patientReceipts map[string]*SignedBundle
	receipts        map[string]*SignedBundle

	// usedBundleIDs rejects a prescription bundle being activated twice.
	usedBundleIDs map[string]bool

	// dirty wakes the flusher; capacity 1 coalesces pending flushes.
	dirty chan struct{}

	// blocked refuses mutations after flushing has failed for longer than
	// the fatal window.
	blocked bool

	now func() time.Time
}

func New() *Store {
	return &Store{
		tasks:           make(map[string]*Task),
		communications:  make(map[string]*Communication),
		auditEvents:     make(map[string]*AuditEvent),
		dispenses:       make(map[string]*MedicationDispense),
		prescriptions:   make(map[string]*SignedBundle),
		patientReceipts: make(map[string]*SignedBundle),
		receipts:        make(map[string]*SignedBundle),
		usedBundleIDs:   make(map[string]bool),
		dirty:           make(chan struct{}, 1),
		now:             time.Now,
	}
}

// Dirty exposes the flush wakeup channel to the flusher.
func (s *Store) Dirty() <-chan struct{} {
	return s.dirty
}

// markDirty schedules a flush. Called with the write lock held; never
// blocks.
func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// SetBlocked toggles the mutation stop after fatal flush failures.
func (s *Store) SetBlocked(blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = blocked
}

func (s *Store) checkWritable() error {
	if s.blocked {
		return erx.NewInternalError("state flushing is failing; mutations disabled")
	}
	return nil
}
