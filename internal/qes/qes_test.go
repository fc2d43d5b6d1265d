package qes

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/trust"
)

var qesNow = time.Date(2021, 3, 14, 12, 0, 0, 0, time.UTC)

const kbvBundleXML = `<Bundle xmlns="http://hl7.org/fhir">
  <id value="281a985c-f25b-4aae-91a6-41ad744080b0"/>
  <identifier>
    <system value="https://gematik.de/fhir/NamingSystem/PrescriptionID"/>
    <value value="160.123.456.789.123.58"/>
  </identifier>
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

// newCA mints a self-signed issuing CA.
func newCA(t *testing.T, name string) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             qesNow.Add(-24 * time.Hour),
		NotAfter:              qesNow.Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
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

// newSignerIdentity issues an end-entity signing certificate from the CA.
func newSignerIdentity(t *testing.T, caKey *ecdsa.PrivateKey, caCert *x509.Certificate) *Signer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(4711),
		Subject:      pkix.Name{CommonName: "Dr. Test"},
		NotBefore:    qesNow.Add(-24 * time.Hour),
		NotAfter:     qesNow.Add(365 * 24 * time.Hour),
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
	return NewSigner(key, cert)
}

func newTrustStore(issuers ...*x509.Certificate) *trust.Store {
	store := trust.NewStore()
	store.Replace(&trust.Snapshot{
		QESIssuers: issuers,
		FetchedAt:  qesNow,
		TSLExpiry:  qesNow.Add(24 * time.Hour),
	})
	return store
}

func newVerifier(trustStore *trust.Store, threshold int, window time.Duration) *Verifier {
	return NewVerifier(trustStore, NewThrottle(threshold, window), slog.Default())
}

func TestVerifySignedBundle(t *testing.T) {
	caKey, caCert := newCA(t, "QES Issuer")
	signer := newSignerIdentity(t, caKey, caCert)

	signed, err := signer.Sign([]byte(kbvBundleXML), qesNow.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	verifier := newVerifier(newTrustStore(caCert), 3, time.Minute)

	verified, err := verifier.Verify("606358757", signed, qesNow)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if verified.Bundle.PatientKVNR != "X110412640" {
		t.Errorf("KVNR = %q", verified.Bundle.PatientKVNR)
	}
	if verified.SignerLANR != "838382202" {
		t.Errorf("LANR = %q", verified.SignerLANR)
	}
	if !verified.SigningTime.Equal(qesNow.Add(-time.Hour)) {
		t.Errorf("signing time = %v", verified.SigningTime)
	}
}

func TestVerifyRejects(t *testing.T) {
	caKey, caCert := newCA(t, "QES Issuer")
	signer := newSignerIdentity(t, caKey, caCert)

	otherCAKey, otherCACert := newCA(t, "Unknown Issuer")
	strangeSigner := newSignerIdentity(t, otherCAKey, otherCACert)

	goodSignature := func(t *testing.T) []byte {
		signed, err := signer.Sign([]byte(kbvBundleXML), qesNow.Add(-time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		return signed
	}

	tests := []struct {
		name   string
		signed func(t *testing.T) []byte
	}{
		{
			name: "unknown issuer",
			signed: func(t *testing.T) []byte {
				signed, err := strangeSigner.Sign([]byte(kbvBundleXML), qesNow.Add(-time.Hour))
				if err != nil {
					t.Fatal(err)
				}
				return signed
			},
		},
		{
			name: "signing time in the future",
			signed: func(t *testing.T) []byte {
				signed, err := signer.Sign([]byte(kbvBundleXML), qesNow.Add(2*time.Hour))
				if err != nil {
					t.Fatal(err)
				}
				return signed
			},
		},
		{
			name: "tampered content",
			signed: func(t *testing.T) []byte {
				signed := goodSignature(t)
				signed[len(signed)/2] ^= 0x01
				return signed
			},
		},
		{
			name: "not a CMS structure",
			signed: func(t *testing.T) []byte {
				return []byte("definitely not DER")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := newVerifier(newTrustStore(caCert), 100, time.Minute)
			_, err := verifier.Verify("606358757", tt.signed(t), qesNow)
			if err == nil {
				t.Fatal("expected error")
			}
			if erx.CodeOf(err) != erx.CodeQESInvalid {
				t.Errorf("got code %v, want QESInvalid", erx.CodeOf(err))
			}
		})
	}
}

func TestThrottleAfterRepeatedFailures(t *testing.T) {
	const threshold = 3
	window := 10 * time.Minute

	_, caCert := newCA(t, "QES Issuer")

	strangeCAKey, strangeCACert := newCA(t, "Strange Issuer")
	strangeSigner := newSignerIdentity(t, strangeCAKey, strangeCACert)

	verifier := newVerifier(newTrustStore(caCert), threshold, window)

	untrusted, err := strangeSigner.Sign([]byte(kbvBundleXML), qesNow.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	// Failures up to the threshold report QESInvalid.
	for i := 0; i < threshold; i++ {
		_, err := verifier.Verify("606358757", untrusted, qesNow)
		if erx.CodeOf(err) != erx.CodeQESInvalid {
			t.Fatalf("attempt %d: got %v, want QESInvalid", i, erx.CodeOf(err))
		}
	}

	// The next call inside the window is throttled before any crypto.
	_, err = verifier.Verify("606358757", untrusted, qesNow.Add(time.Minute))
	if erx.CodeOf(err) != erx.CodeThrottled {
		t.Fatalf("got %v, want Throttled", erx.CodeOf(err))
	}

	// Another caller is unaffected.
	_, err = verifier.Verify("123456789", untrusted, qesNow.Add(time.Minute))
	if erx.CodeOf(err) != erx.CodeQESInvalid {
		t.Fatalf("other caller: got %v, want QESInvalid", erx.CodeOf(err))
	}

	// Once the window elapsed, crypto resumes.
	_, err = verifier.Verify("606358757", untrusted, qesNow.Add(window+time.Second))
	if erx.CodeOf(err) != erx.CodeQESInvalid {
		t.Fatalf("after window: got %v, want QESInvalid", erx.CodeOf(err))
	}
}

func TestThrottleResetOnSuccess(t *testing.T) {
	caKey, caCert := newCA(t, "QES Issuer")
	signer := newSignerIdentity(t, caKey, caCert)

	strangeCAKey, strangeCACert := newCA(t, "Strange Issuer")
	strangeSigner := newSignerIdentity(t, strangeCAKey, strangeCACert)

	verifier := newVerifier(newTrustStore(caCert), 3, 10*time.Minute)

	untrusted, err := strangeSigner.Sign([]byte(kbvBundleXML), qesNow.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	trusted, err := signer.Sign([]byte(kbvBundleXML), qesNow.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := verifier.Verify("606358757", untrusted, qesNow); err == nil {
			t.Fatal("expected failure")
		}
	}
	if _, err := verifier.Verify("606358757", trusted, qesNow); err != nil {
		t.Fatalf("trusted signature rejected: %v", err)
	}

	// The counter restarted; two more failures stay below the threshold.
	for i := 0; i < 2; i++ {
		_, err := verifier.Verify("606358757", untrusted, qesNow)
		if erx.CodeOf(err) != erx.CodeQESInvalid {
			t.Fatalf("got %v, want QESInvalid", erx.CodeOf(err))
		}
	}
}

func TestSignRoundtrip(t *testing.T) {
	caKey, caCert := newCA(t, "QES Issuer")
	signer := newSignerIdentity(t, caKey, caCert)

	content := []byte("some receipt content")
	signed, err := signer.Sign(content, qesNow)
	if err != nil {
		t.Fatal(err)
	}

	got, cert, signingTime, err := verifyIntegrity(signed)
	if err != nil {
		t.Fatalf("verifyIntegrity failed: %v", err)
	}
	if string(got) != string(content) {
		t.Error("content mismatch")
	}
	if cert.Serial.Int64() != 4711 {
		t.Errorf("serial = %v", cert.Serial)
	}
	if !signingTime.Equal(qesNow.Truncate(time.Second)) {
		t.Errorf("signing time = %v", signingTime)
	}
}
