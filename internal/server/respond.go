package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/fhir"
)

// respondResource writes a FHIR resource in the negotiated format.
func respondResource(w http.ResponseWriter, r *http.Request, status int, resource any) {
	format := fhir.RequestFormat(r)

	body, err := fhir.EncodeResource(resource, format)
	if err != nil {
		slog.Error("failed to encode resource", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// respondError maps a service error onto its HTTP status and an
// OperationOutcome body.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := erx.AsError(err)

	if serviceErr.Code() == erx.CodeInternal {
		slog.Error("internal error", slog.String("error", serviceErr.Error()))
	}

	if serviceErr.Code() == erx.CodeThrottled {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	outcome := fhir.NewOperationOutcome(serviceErr.IssueCode(), serviceErr.Error())
	respondResource(w, r, serviceErr.HTTPStatus(), outcome)
}

// retryAfterSeconds is the advisory wait announced with Throttled errors.
const retryAfterSeconds = 60
