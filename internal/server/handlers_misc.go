package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/fhir"
	"github.com/open-eprescription/erx-service/internal/token"
	"github.com/open-eprescription/erx-service/internal/version"
)

// handleMetadata implements GET /metadata.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	statement := fhir.NewCapabilityStatement(version.Get().Version, fhirInstant(time.Now()))
	respondResource(w, r, http.StatusOK, statement)
}

// handleHealth is served unencrypted on the outer router.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// handleAuditEventList implements GET /AuditEvent for the insured.
func (s *Server) handleAuditEventList(w http.ResponseWriter, r *http.Request) {
	actor := requestActor(r)
	if actor.Role != token.RoleInsured {
		respondError(w, r, erx.NewAuthzDeniedError("only patients may read their audit trail"))
		return
	}

	params := parseSearchParams(r)
	events := page(s.store.AuditEventsFor(actor.KVNR), params.offset, params.count)

	entries := make([]fhir.BundleEntry, 0, len(events))
	for _, event := range events {
		entries = append(entries, fhir.BundleEntry{Resource: auditEventResource(event)})
	}
	respondResource(w, r, http.StatusOK, fhir.NewSearchSet(entries, len(entries)))
}

// handleAuditEventGet implements GET /AuditEvent/{id}.
func (s *Server) handleAuditEventGet(w http.ResponseWriter, r *http.Request) {
	actor := requestActor(r)
	if actor.Role != token.RoleInsured {
		respondError(w, r, erx.NewAuthzDeniedError("only patients may read their audit trail"))
		return
	}

	event, ok := s.store.AuditEventGet(actor.KVNR, chi.URLParam(r, "id"))
	if !ok {
		respondError(w, r, erx.NewNotFoundError("unknown audit event"))
		return
	}
	respondResource(w, r, http.StatusOK, auditEventResource(event))
}

// handleDispenseList implements GET /MedicationDispense.
func (s *Server) handleDispenseList(w http.ResponseWriter, r *http.Request) {
	params := parseSearchParams(r)
	dispenses := page(s.store.DispenseList(requestActor(r)), params.offset, params.count)

	entries := make([]fhir.BundleEntry, 0, len(dispenses))
	for _, dispense := range dispenses {
		entries = append(entries, fhir.BundleEntry{Resource: dispenseResource(dispense)})
	}
	respondResource(w, r, http.StatusOK, fhir.NewSearchSet(entries, len(entries)))
}

// handleDispenseGet implements GET /MedicationDispense/{id}.
func (s *Server) handleDispenseGet(w http.ResponseWriter, r *http.Request) {
	dispense, err := s.store.DispenseGet(requestActor(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondResource(w, r, http.StatusOK, dispenseResource(dispense))
}

// handleOCSPList serves the cached OCSP responses of the trust material.
// The reference deployment caches none; the shape is kept stable for
// clients that poll it.
func (s *Server) handleOCSPList(w http.ResponseWriter, r *http.Request) {
	type ocspList struct {
		Responses []string  `json:"responses"`
		FetchedAt time.Time `json:"fetchedAt"`
	}

	list := ocspList{Responses: []string{}}
	if snapshot := s.trust.Peek(); snapshot != nil {
		list.FetchedAt = snapshot.FetchedAt
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(list)
}
