package server

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/open-eprescription/erx-service/internal/config"
	"github.com/open-eprescription/erx-service/internal/fhir"
	"github.com/open-eprescription/erx-service/internal/qes"
	"github.com/open-eprescription/erx-service/internal/receipt"
	"github.com/open-eprescription/erx-service/internal/store"
	"github.com/open-eprescription/erx-service/internal/trust"
	"github.com/open-eprescription/erx-service/internal/vau"
)

// testEnv is a fully wired server with direct access to the trust material
// for minting tokens and signatures.
type testEnv struct {
	server    *Server
	idpKey    *ecdsa.PrivateKey
	qesSigner *qes.Signer
	vauKey    *ecdsa.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	idpKey, err := vau.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	caKey, caCert := newTestCA(t)
	qesSigner := newTestEE(t, caKey, caCert)

	trustStore := trust.NewStore()
	trustStore.Replace(&trust.Snapshot{
		QESIssuers: []*x509.Certificate{caCert},
		IDPKey:     &idpKey.PublicKey,
		FetchedAt:  time.Now(),
		TSLExpiry:  time.Now().Add(24 * time.Hour),
	})

	signerKey, signerCert, err := qes.SelfSignedIdentity("ErxService")
	if err != nil {
		t.Fatal(err)
	}

	vauKey, err := vau.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.ServerEnvironment{
		Environment:     "test",
		ListenAddr:      "127.0.0.1:0",
		MaxBodyBytes:    1 << 20,
		RateLimitRPS:    0,
		CompatPlaintext: true,
	}

	srv := NewServer(cfg, Deps{
		Store:     store.New(),
		Trust:     trustStore,
		QES:       qes.NewVerifier(trustStore, qes.NewThrottle(5, 10*time.Minute), slog.Default()),
		Receipts:  receipt.NewBuilder(qes.NewSigner(signerKey, signerCert)),
		Decrypter: vau.NewDecrypter(vauKey),
		VAUCert:   []byte("certificate bytes"),
	}, slog.Default())

	return &testEnv{
		server:    srv,
		idpKey:    idpKey,
		qesSigner: qesSigner,
		vauKey:    vauKey,
	}
}

func newTestCA(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "QES Issuer"},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return key, cert
}

func newTestEE(t *testing.T, caKey *ecdsa.PrivateKey, caCert *x509.Certificate) *qes.Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(99),
		Subject:      pkix.Name{CommonName: "Dr. Test"},
		NotBefore:    time.Now().Add(-24 * time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return qes.NewSigner(key, cert)
}

// mintToken produces a BP256R1-signed access token.
func (e *testEnv) mintToken(t *testing.T, professionOID, idNumber string) string {
	t.Helper()

	now := time.Now()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"BP256R1"}`))
	claimsJSON, err := json.Marshal(map[string]any{
		"iss":           "https://idp.example",
		"sub":           "test-subject",
		"acr":           "eidas-loa-high",
		"exp":           now.Add(5 * time.Minute).Unix(),
		"iat":           now.Add(-time.Minute).Unix(),
		"professionOID": professionOID,
		"idNummer":      idNumber,
		"given_name":    "Test",
		"family_name":   "User",
	})
	if err != nil {
		t.Fatal(err)
	}

	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, e.idpKey, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	signature := make([]byte, 64)
	r.FillBytes(signature[:32])
	s.FillBytes(signature[32:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
}

func (e *testEnv) physicianToken(t *testing.T) string {
	return e.mintToken(t, "1.2.276.0.76.4.30", "838382202")
}

func (e *testEnv) pharmacyToken(t *testing.T) string {
	return e.mintToken(t, "1.2.276.0.76.4.54", "606358757")
}

func (e *testEnv) insuredToken(t *testing.T) string {
	return e.mintToken(t, "1.2.276.0.76.4.49", "X110412640")
}

// do runs one plaintext inner request through the outer router.
func (e *testEnv) do(t *testing.T, method, target, token, accessCode, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	r.Header.Set("User-Agent", "erx-test/1.0")
	r.Header.Set("Accept", fhir.ContentTypeJSON)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	if accessCode != "" {
		r.Header.Set("X-AccessCode", accessCode)
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}

	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, r)
	return w
}

const testKBVBundle = `<Bundle xmlns="http://hl7.org/fhir">
  <id value="f8c2298f-7c00-4a68-af0b-3b3fc2801f4c"/>
  <entry>
    <resource>
      <Patient>
        <identifier>
          <system value="http://fhir.de/NamingSystem/gkv/kvid-10"/>
          <value value="X110412640"/>
        </identifier>
      </Patient>
    </resource>
  </entry>
  <entry>
    <resource>
      <Practitioner>
        <identifier>
          <system value="https://fhir.kbv.de/NamingSystem/KBV_NS_Base_ANR"/>
          <value value="838382202"/>
        </identifier>
      </Practitioner>
    </resource>
  </entry>
</Bundle>`

const createParameters = `{
  "resourceType": "Parameters",
  "parameter": [
    {"name": "workflowType", "valueCoding": {"system": "https://gematik.de/fhir/CodeSystem/Flowtype", "code": "160"}}
  ]
}`

func decodeTask(t *testing.T, body []byte) *fhir.Task {
	t.Helper()
	var task fhir.Task
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatalf("response is not a Task: %v\n%s", err, body)
	}
	return &task
}

func identifierValue(identifiers []fhir.Identifier, system string) string {
	for _, identifier := range identifiers {
		if identifier.System == system {
			return identifier.Value
		}
	}
	return ""
}

// taskFromBundle extracts the Task entry from a collection response.
func taskFromBundle(t *testing.T, body []byte) *fhir.Task {
	t.Helper()

	var bundle struct {
		Entry []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &bundle); err != nil {
		t.Fatalf("response is not a Bundle: %v\n%s", err, body)
	}

	for _, entry := range bundle.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(entry.Resource, &head); err != nil {
			continue
		}
		if head.ResourceType == "Task" {
			return decodeTask(t, entry.Resource)
		}
	}
	t.Fatalf("bundle contains no Task:\n%s", body)
	return nil
}

// TestPrescriptionWorkflow is the create -> activate -> accept -> close
// journey.
func TestPrescriptionWorkflow(t *testing.T) {
	env := newTestEnv(t)

	// physician creates a draft task
	resp := env.do(t, http.MethodPost, "/Task/$create", env.physicianToken(t), "", fhir.ContentTypeJSON, []byte(createParameters))
	if resp.Code != http.StatusCreated {
		t.Fatalf("$create = %d\n%s", resp.Code, resp.Body.String())
	}
	created := decodeTask(t, resp.Body.Bytes())
	if created.Status != "draft" {
		t.Fatalf("status = %q", created.Status)
	}
	accessCode := identifierValue(created.Identifier, fhir.SystemAccessCode)
	if len(accessCode) != 64 {
		t.Fatalf("access code missing on create response: %q", accessCode)
	}

	// physician activates with a QES-signed bundle
	signed, err := env.qesSigner.Sign([]byte(testKBVBundle), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	resp = env.do(t, http.MethodPost, "/Task/"+created.ID+"/$activate", env.physicianToken(t), accessCode, "application/pkcs7-mime", signed)
	if resp.Code != http.StatusOK {
		t.Fatalf("$activate = %d\n%s", resp.Code, resp.Body.String())
	}
	activated := decodeTask(t, resp.Body.Bytes())
	if activated.Status != "ready" {
		t.Fatalf("status = %q", activated.Status)
	}

	// S3: accept with a wrong code is denied and changes nothing
	wrongCode := strings.Repeat("ab", 32)
	resp = env.do(t, http.MethodPost, "/Task/"+created.ID+"/$accept", env.pharmacyToken(t), wrongCode, "", nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("$accept with wrong code = %d", resp.Code)
	}

	// pharmacy accepts with the right code and receives the secret
	resp = env.do(t, http.MethodPost, "/Task/"+created.ID+"/$accept", env.pharmacyToken(t), accessCode, "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("$accept = %d\n%s", resp.Code, resp.Body.String())
	}
	accepted := taskFromBundle(t, resp.Body.Bytes())
	if accepted.Status != "in-progress" {
		t.Fatalf("status = %q", accepted.Status)
	}
	secret := identifierValue(accepted.Identifier, fhir.SystemSecret)
	if len(secret) != 64 {
		t.Fatalf("secret missing on accept response")
	}

	// pharmacy closes with a matching dispense
	dispense, err := json.Marshal(map[string]any{
		"resourceType": "MedicationDispense",
		"identifier": []map[string]any{{
			"system": fhir.SystemPrescriptionID,
			"value":  identifierValue(created.Identifier, fhir.SystemPrescriptionID),
		}},
		"subject": map[string]any{
			"identifier": map[string]any{"system": fhir.SystemKVNR, "value": "X110412640"},
		},
		"performer": []map[string]any{{
			"actor": map[string]any{
				"identifier": map[string]any{"system": fhir.SystemTelematikID, "value": "606358757"},
			},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp = env.do(t, http.MethodPost, "/Task/"+created.ID+"/$close?secret="+secret, env.pharmacyToken(t), "", fhir.ContentTypeJSON, dispense)
	if resp.Code != http.StatusOK {
		t.Fatalf("$close = %d\n%s", resp.Code, resp.Body.String())
	}

	receiptBody := resp.Body.String()
	if !strings.Contains(receiptBody, `"Composition"`) || !strings.Contains(receiptBody, `"code": "3"`) {
		t.Errorf("receipt misses the Composition of type 3:\n%s", receiptBody)
	}
	if !strings.Contains(receiptBody, "ErxService") {
		t.Errorf("receipt misses the service device:\n%s", receiptBody)
	}

	// the insured sees the completed task
	resp = env.do(t, http.MethodGet, "/Task/"+created.ID, env.insuredToken(t), "", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("GET Task = %d\n%s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), `"completed"`) {
		t.Errorf("task is not completed:\n%s", resp.Body.String())
	}

	// and an audit trail exists
	resp = env.do(t, http.MethodGet, "/AuditEvent", env.insuredToken(t), "", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("GET AuditEvent = %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "AuditEvent") {
		t.Errorf("no audit events:\n%s", resp.Body.String())
	}
}

func TestMissingUserAgentIsRejected(t *testing.T) {
	env := newTestEnv(t)

	r := httptest.NewRequest(http.MethodGet, "/Task", nil)
	r.Header.Set("Authorization", "Bearer "+env.insuredToken(t))

	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("missing User-Agent = %d, want 403", w.Code)
	}
}

func TestMissingTokenIsRejected(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/Task", "", "", "", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("missing token = %d, want 401", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"login"`) {
		t.Errorf("expected login OperationOutcome:\n%s", resp.Body.String())
	}
}

func TestHealthIsUnprotected(t *testing.T) {
	env := newTestEnv(t)

	r := httptest.NewRequest(http.MethodGet, "/Health", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /Health = %d", w.Code)
	}
}

// TestVAUEnvelopeRoundtrip drives a full encrypted request through the
// outer endpoint.
func TestVAUEnvelopeRoundtrip(t *testing.T) {
	env := newTestEnv(t)

	responseKey := make([]byte, 16)
	if _, err := rand.Read(responseKey); err != nil {
		t.Fatal(err)
	}
	requestID := "0123456789abcdef0123456789abcdef"

	inner := "GET /metadata HTTP/1.1\r\nHost: erx\r\nUser-Agent: erx-test/1.0\r\nAccept: application/fhir+json\r\n\r\n"
	plaintext := vau.BuildRequest(env.insuredToken(t), requestID, responseKey, []byte(inner))

	envelope, err := vau.Encrypt(&env.vauKey.PublicKey, plaintext)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/VAU/0", bytes.NewReader(envelope))
	r.Header.Set("User-Agent", "erx-test/1.0")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("VAU request = %d\n%s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Userpseudonym"); got != requestID {
		t.Errorf("Userpseudonym = %q", got)
	}

	opened, err := vau.DecryptResponse(responseKey, w.Body.Bytes())
	if err != nil {
		t.Fatalf("response decrypt failed: %v", err)
	}

	response := string(opened)
	if !strings.HasPrefix(response, "1 "+requestID+"\r\n") {
		t.Fatalf("response misses the status line: %q", response[:40])
	}
	if !strings.Contains(response, "200 OK") {
		t.Errorf("inner response is not a 200:\n%s", response)
	}
	if !strings.Contains(response, "CapabilityStatement") {
		t.Errorf("inner response is not the CapabilityStatement:\n%s", response)
	}
}

func TestVAURejectsGarbage(t *testing.T) {
	env := newTestEnv(t)

	r := httptest.NewRequest(http.MethodPost, "/VAU/0", strings.NewReader("not an envelope"))
	r.Header.Set("User-Agent", "erx-test/1.0")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("garbage envelope = %d, want 400", w.Code)
	}
}

func TestVAURejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	responseKey := make([]byte, 16)
	if _, err := rand.Read(responseKey); err != nil {
		t.Fatal(err)
	}

	inner := "GET /metadata HTTP/1.1\r\nHost: erx\r\nUser-Agent: t\r\n\r\n"
	plaintext := vau.BuildRequest("not-a-token", "0123456789abcdef0123456789abcdef", responseKey, []byte(inner))

	envelope, err := vau.Encrypt(&env.vauKey.PublicKey, plaintext)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/VAU/0", bytes.NewReader(envelope))
	r.Header.Set("User-Agent", "erx-test/1.0")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad inner token = %d, want 401", w.Code)
	}
}

func TestVAUCertificateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	r := httptest.NewRequest(http.MethodGet, "/VAUCertificate", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /VAUCertificate = %d", w.Code)
	}
	if w.Body.String() != "certificate bytes" {
		t.Errorf("unexpected certificate body")
	}
}
