package server

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/fhir"
)

// handleCommunicationCreate implements POST /Communication.
func (s *Server) handleCommunicationCreate(w http.ResponseWriter, r *http.Request) {
	var resource fhir.Communication
	if err := fhir.DecodeResource(r.Body, fhir.BodyFormat(r), "Communication", &resource); err != nil {
		respondError(w, r, erx.WrapInvalidPayloadError(err, "body is not a Communication"))
		return
	}

	taskID := ""
	for _, basedOn := range resource.BasedOn {
		if id, ok := strings.CutPrefix(basedOn.Reference, "Task/"); ok {
			taskID = id
		}
	}
	if taskID == "" {
		respondError(w, r, erx.NewInvalidPayloadError("communication references no task"))
		return
	}

	recipient := ""
	for _, ref := range resource.Recipient {
		if ref.Identifier != nil {
			recipient = ref.Identifier.Value
		}
	}

	payload := ""
	var attachment []byte
	for _, p := range resource.Payload {
		if p.ContentString != "" {
			payload = p.ContentString
		}
		if p.ContentAttachment != nil && p.ContentAttachment.Data != "" {
			data, err := base64.StdEncoding.DecodeString(p.ContentAttachment.Data)
			if err != nil {
				respondError(w, r, erx.NewInvalidPayloadError("attachment is not base64"))
				return
			}
			attachment = data
		}
	}

	comm, err := s.store.CommunicationCreate(requestActor(r), taskID, recipient, payload, attachment)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondResource(w, r, http.StatusCreated, communicationResource(comm))
}

// handleCommunicationGet implements GET /Communication/{id}.
func (s *Server) handleCommunicationGet(w http.ResponseWriter, r *http.Request) {
	comm, err := s.store.CommunicationGet(requestActor(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondResource(w, r, http.StatusOK, communicationResource(comm))
}

// handleCommunicationList implements GET /Communication.
func (s *Server) handleCommunicationList(w http.ResponseWriter, r *http.Request) {
	params := parseSearchParams(r)
	comms := s.store.CommunicationList(requestActor(r))

	comms = page(comms, params.offset, params.count)

	entries := make([]fhir.BundleEntry, 0, len(comms))
	for _, comm := range comms {
		entries = append(entries, fhir.BundleEntry{Resource: communicationResource(comm)})
	}
	respondResource(w, r, http.StatusOK, fhir.NewSearchSet(entries, len(entries)))
}

// handleCommunicationDelete implements DELETE /Communication/{id}.
func (s *Server) handleCommunicationDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.CommunicationDelete(requestActor(r), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
