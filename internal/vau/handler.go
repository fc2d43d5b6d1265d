package vau

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/go-chi/chi/v5"
)

// TokenChecker pre-validates the bearer token carried in the envelope
// plaintext before the inner request is dispatched.
type TokenChecker interface {
	Check(token string) error
}

// Handler terminates the VAU transport: it decrypts inbound envelopes, runs
// the inner request through the plaintext router and encrypts the response.
type Handler struct {
	decrypter *Decrypter
	inner     http.Handler
	tokens    TokenChecker
	logger    *slog.Logger
	cert      []byte
	maxBody   int64

	// decrypt/encrypt are CPU bound; workers bounds the parallelism
	workers chan struct{}
}

func NewHandler(decrypter *Decrypter, inner http.Handler, tokens TokenChecker, cert []byte, maxBody int64, logger *slog.Logger) *Handler {
	return &Handler{
		decrypter: decrypter,
		inner:     inner,
		tokens:    tokens,
		logger:    logger,
		cert:      cert,
		maxBody:   maxBody,
		workers:   make(chan struct{}, runtime.NumCPU()),
	}
}

// Register mounts the outer transport routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/VAU/{pseudonym}", h.handleEnvelope)
	r.Get("/VAUCertificate", h.handleCertificate)
	r.Get("/VAUCertificateOCSPResponse", h.handleCertificateOCSP)
	r.Get("/Random", h.handleRandom)
}

func (h *Handler) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil || int64(len(body)) > h.maxBody {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.workers <- struct{}{}
	defer func() { <-h.workers }()

	plaintext, err := h.decrypter.Decrypt(body)
	if err != nil {
		h.logger.Debug("envelope rejected", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	req, err := ParseRequest(plaintext)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.tokens.Check(req.AccessToken); err != nil {
		h.logger.Debug("envelope token rejected", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	inner, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(req.Inner)))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	inner.RemoteAddr = r.RemoteAddr
	inner.Body = http.MaxBytesReader(nil, inner.Body, h.maxBody)
	if inner.Header.Get("Authorization") == "" {
		inner.Header.Set("Authorization", "Bearer "+req.AccessToken)
	}

	// If the outer request was cancelled there is no point encrypting a
	// response, but the inner mutation must still run to completion.
	// The outer router's route context is dropped so the inner router
	// matches the inner method and path, not the outer POST /VAU route.
	rec := newRecorder()
	h.inner.ServeHTTP(rec, inner.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, nil)))

	innerBytes, err := rec.serialize()
	if err != nil {
		h.logger.Error("failed to serialize inner response", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	select {
	case <-r.Context().Done():
		return
	default:
	}

	sealed, err := EncryptResponse(req.ResponseKey, BuildResponse(req.RequestID, innerBytes))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Userpseudonym", req.RequestID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sealed)
}

func (h *Handler) handleCertificate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/pkix-cert")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.cert)
}

// handleCertificateOCSP serves the cached OCSP response for the VAU
// certificate. The reference deployment has no OCSP responder of its own, so
// the response is empty until operations wire one in.
func (h *Handler) handleCertificateOCSP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/ocsp-response")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleRandom(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf)
}

// recorder captures the inner response for re-serialization.
type recorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) { r.status = status }

func (r *recorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (r *recorder) serialize() ([]byte, error) {
	resp := http.Response{
		StatusCode:    r.status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.header,
		Body:          io.NopCloser(bytes.NewReader(r.body.Bytes())),
		ContentLength: int64(r.body.Len()),
	}

	var buf bytes.Buffer
	if err := resp.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write response: %w", err)
	}
	return buf.Bytes(), nil
}
