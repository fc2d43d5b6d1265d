package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/fhir"
	"github.com/open-eprescription/erx-service/internal/prescription"
	"github.com/open-eprescription/erx-service/internal/store"
	"github.com/open-eprescription/erx-service/internal/token"
)

// handleTaskCreate implements POST /Task/$create.
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var params fhir.Parameters
	if err := fhir.DecodeResource(r.Body, fhir.BodyFormat(r), "Parameters", &params); err != nil {
		respondError(w, r, erx.WrapInvalidPayloadError(err, "body is not a Parameters resource"))
		return
	}

	flowType, err := prescription.ParseFlowType(params.WorkflowType())
	if err != nil {
		respondError(w, r, erx.NewInvalidPayloadError("unknown workflow type"))
		return
	}

	task, err := s.store.TaskCreate(requestActor(r), flowType)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondResource(w, r, http.StatusCreated, taskResource(task, true, false))
}

// handleTaskActivate implements POST /Task/{id}/$activate. The body carries
// the QES-signed prescription bundle; verification runs before the store
// lock is taken and only its outcome enters the critical section.
func (s *Server) handleTaskActivate(w http.ResponseWriter, r *http.Request) {
	actor := requestActor(r)

	signed, err := readSignedBody(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	verified, err := s.qes.Verify(actor.TelematikID, signed, time.Now())
	if err != nil {
		respondError(w, r, err)
		return
	}

	task, err := s.store.TaskActivate(actor, chi.URLParam(r, "id"), accessCode(r), store.ActivateInput{
		BundleID:    verified.Bundle.ID,
		KVNR:        verified.Bundle.PatientKVNR,
		SigningTime: verified.SigningTime,
		Bundle:      verified.Bundle.Raw,
		Signature:   signed,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondResource(w, r, http.StatusOK, taskResource(task, false, false))
}

// readSignedBody accepts the CMS structure either raw (application/pkcs7-mime)
// or base64 encoded.
func readSignedBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, erx.NewPayloadTooLargeError("failed to read request body")
	}
	if len(body) == 0 {
		return nil, erx.NewQESInvalidError("empty signature body")
	}

	if strings.Contains(r.Header.Get("Content-Type"), "pkcs7") {
		return body, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		// not base64: assume raw DER
		return body, nil
	}
	return decoded, nil
}

// handleTaskAccept implements POST /Task/{id}/$accept. The response is the
// only place the secret is ever revealed.
func (s *Server) handleTaskAccept(w http.ResponseWriter, r *http.Request) {
	task, bundle, err := s.store.TaskAccept(requestActor(r), chi.URLParam(r, "id"), accessCode(r))
	if err != nil {
		respondError(w, r, err)
		return
	}

	resource := taskResource(task, false, true)
	response := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Entry: []fhir.BundleEntry{
			{Resource: resource},
			{FullURL: "Binary/" + bundle.ID, Resource: map[string]any{
				"resourceType": "Binary",
				"id":           bundle.ID,
				"contentType":  "application/pkcs7-mime",
				"data":         base64.StdEncoding.EncodeToString(bundle.Signature),
			}},
		},
	}
	respondResource(w, r, http.StatusOK, response)
}

// handleTaskReject implements POST /Task/{id}/$reject.
func (s *Server) handleTaskReject(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.TaskReject(requestActor(r), chi.URLParam(r, "id"), secret(r)); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskClose implements POST /Task/{id}/$close. The receipt is built
// and signed after the state transition committed.
func (s *Server) handleTaskClose(w http.ResponseWriter, r *http.Request) {
	var dispense fhir.MedicationDispense
	if err := fhir.DecodeResource(r.Body, fhir.BodyFormat(r), "MedicationDispense", &dispense); err != nil {
		respondError(w, r, erx.WrapInvalidPayloadError(err, "body is not a MedicationDispense"))
		return
	}

	actor := requestActor(r)
	input := store.DispenseInput{
		PrescriptionID: dispense.PrescriptionID(),
		KVNR:           dispense.SubjectKVNR(),
		PerformerID:    dispense.PerformerTelematikID(),
	}

	task, receiptData, err := s.store.TaskClose(actor, chi.URLParam(r, "id"), secret(r), input)
	if err != nil {
		respondError(w, r, err)
		return
	}

	receiptBundle, canonical, signature, err := s.receipts.Build(receiptData)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.store.PutReceipt(receiptData.ReceiptID, task.ID, canonical, signature)

	respondResource(w, r, http.StatusOK, receiptBundle)
}

// handleTaskAbort implements POST /Task/{id}/$abort.
func (s *Server) handleTaskAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.store.TaskAbort(requestActor(r), chi.URLParam(r, "id"), accessCode(r), secret(r)); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskGet implements GET /Task/{id}.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	actor := requestActor(r)

	view, err := s.store.TaskGet(actor, chi.URLParam(r, "id"), accessCode(r), secret(r))
	if err != nil {
		respondError(w, r, err)
		return
	}

	resource := taskResource(view.Task, view.ShowAccessCode, false)

	entries := []fhir.BundleEntry{{Resource: resource}}
	if view.PatientReceipt != nil {
		entries = append(entries, fhir.BundleEntry{
			FullURL: "Bundle/" + view.PatientReceipt.ID,
			Resource: map[string]any{
				"resourceType": "Binary",
				"id":           view.PatientReceipt.ID,
				"contentType":  fhir.ContentTypeXML,
				"data":         base64.StdEncoding.EncodeToString(view.PatientReceipt.Content),
			},
		})
	}

	if actor.Role == token.RoleInsured && parseSearchParams(r).revinclude == "AuditEvent:entity" {
		for _, event := range s.store.AuditEventsForTask(view.Task.ID) {
			entries = append(entries, fhir.BundleEntry{Resource: auditEventResource(event)})
		}
	}

	if len(entries) == 1 {
		respondResource(w, r, http.StatusOK, resource)
		return
	}

	total := len(entries)
	respondResource(w, r, http.StatusOK, &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Total:        &total,
		Entry:        entries,
	})
}

// handleTaskList implements GET /Task.
func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	actor := requestActor(r)

	params := parseSearchParams(r)
	tasks := applyTaskSearch(s.store.TaskList(actor), params)

	entries := make([]fhir.BundleEntry, 0, len(tasks))
	for _, task := range tasks {
		entries = append(entries, fhir.BundleEntry{Resource: taskResource(task, false, false)})
	}
	respondResource(w, r, http.StatusOK, fhir.NewSearchSet(entries, len(entries)))
}
