package store

import (
	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/token"
)

// DispenseGet returns one dispense to the patient it concerns or the
// pharmacy that performed it.
func (s *Store) DispenseGet(actor Actor, id string) (*MedicationDispense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dispense, ok := s.dispenses[id]
	if !ok {
		return nil, erx.NewNotFoundError("unknown medication dispense")
	}
	if !dispenseVisible(actor, dispense) {
		return nil, erx.NewAuthzDeniedError("not your medication dispense")
	}

	copied := *dispense
	return &copied, nil
}

// DispenseList returns the dispenses visible to the caller.
func (s *Store) DispenseList(actor Actor) []*MedicationDispense {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*MedicationDispense
	for _, dispense := range s.dispenses {
		if dispenseVisible(actor, dispense) {
			copied := *dispense
			result = append(result, &copied)
		}
	}
	return result
}

func dispenseVisible(actor Actor, dispense *MedicationDispense) bool {
	switch actor.Role {
	case token.RoleInsured:
		return dispense.KVNR == actor.KVNR
	case token.RolePharmacy:
		return dispense.PerformerID == actor.TelematikID
	default:
		return false
	}
}
