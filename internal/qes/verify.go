// Package qes verifies the qualified electronic signatures on prescription
// bundles and creates the service's own CAdES signatures for receipts.
package qes

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"log/slog"
	"time"

	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/fhir"
	"github.com/open-eprescription/erx-service/internal/trust"
)

const cryptoSHA256 = crypto.SHA256

// maxFutureSkew bounds how far a signing time may lie in the future.
const maxFutureSkew = 5 * time.Minute

// VerifiedBundle is the outcome of a successful verification.
type VerifiedBundle struct {
	Bundle      *fhir.KBVBundle
	SignerLANR  string
	SigningTime time.Time
}

// Verifier checks CMS/CAdES signatures against the current trust snapshot
// and throttles callers that keep presenting untrusted signatures.
type Verifier struct {
	trust    *trust.Store
	throttle *Throttle
	logger   *slog.Logger
}

func NewVerifier(trustStore *trust.Store, throttle *Throttle, logger *slog.Logger) *Verifier {
	return &Verifier{trust: trustStore, throttle: throttle, logger: logger}
}

// Verify checks the signed prescription presented by the caller identified
// by telematikID. Format-valid but untrusted signatures count against the
// caller's failure budget; once exhausted, verification short-circuits to
// Throttled without touching crypto.
func (v *Verifier) Verify(telematikID string, signed []byte, now time.Time) (*VerifiedBundle, error) {
	if v.throttle.Throttled(telematikID, now) {
		return nil, erx.NewThrottledError("too many invalid signatures")
	}

	snapshot, err := v.trust.Current(now)
	if err != nil {
		return nil, err
	}

	// Steps that fail here are malformed input, not an untrusted signer;
	// they do not count against the failure budget.
	content, signer, signingTime, err := verifyIntegrity(signed)
	if err != nil {
		return nil, erx.WrapQESInvalidError(err, "signature malformed")
	}

	// Trust decisions: chain, time window, revocation.
	if err := v.verifyTrust(signer, signingTime, snapshot, now); err != nil {
		v.throttle.RecordFailure(telematikID, now)
		return nil, erx.WrapQESInvalidError(err, "signature untrusted")
	}

	bundle, err := fhir.ParseKBVBundle(content)
	if err != nil {
		return nil, erx.WrapQESInvalidError(err, "signed content is not a prescription bundle")
	}

	v.throttle.Reset(telematikID)

	return &VerifiedBundle{
		Bundle:      bundle,
		SignerLANR:  bundle.PractitionerLANR,
		SigningTime: signingTime,
	}, nil
}

// verifyIntegrity parses the CMS structure and checks the signature value
// against the embedded signer certificate. Returns the signed content, the
// signer certificate and the signed signing time.
func verifyIntegrity(signed []byte) ([]byte, *Certificate, time.Time, error) {
	var info contentInfo
	if rest, err := asn1.Unmarshal(signed, &info); err != nil || len(rest) != 0 {
		return nil, nil, time.Time{}, fmt.Errorf("not a CMS structure")
	}
	if !info.ContentType.Equal(oidSignedData) {
		return nil, nil, time.Time{}, fmt.Errorf("not a SignedData structure")
	}

	var sd signedData
	if _, err := asn1.Unmarshal(info.Content.Bytes, &sd); err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("unparsable SignedData: %w", err)
	}

	if len(sd.SignerInfos) == 0 {
		return nil, nil, time.Time{}, fmt.Errorf("SignedData carries no signer")
	}
	si := sd.SignerInfos[0]

	content := sd.EncapContentInfo.EContent
	if len(content) == 0 {
		return nil, nil, time.Time{}, fmt.Errorf("SignedData carries no content")
	}

	signer, err := findSigner(sd.Certificates, si.SID)
	if err != nil {
		return nil, nil, time.Time{}, err
	}

	if len(si.SignedAttrs.FullBytes) == 0 {
		return nil, nil, time.Time{}, fmt.Errorf("signature has no signed attributes")
	}

	attrs, err := parseAttributes(si.SignedAttrs)
	if err != nil {
		return nil, nil, time.Time{}, err
	}

	contentDigest := sha256.Sum256(content)
	if !bytes.Equal(attrs.messageDigest, contentDigest[:]) {
		return nil, nil, time.Time{}, fmt.Errorf("message digest mismatch")
	}

	// The signature covers the signed attributes re-tagged as SET OF.
	signedBytes := make([]byte, len(si.SignedAttrs.FullBytes))
	copy(signedBytes, si.SignedAttrs.FullBytes)
	signedBytes[0] = 0x31

	digest := sha256.Sum256(signedBytes)
	if err := verifyWithKey(signer.PublicKey, si.SignatureAlgorithm.Algorithm, digest[:], si.Signature); err != nil {
		return nil, nil, time.Time{}, err
	}

	return content, signer, attrs.signingTime, nil
}

// verifyTrust checks the signer certificate against the trust snapshot.
func (v *Verifier) verifyTrust(signer *Certificate, signingTime time.Time, snapshot *trust.Snapshot, now time.Time) error {
	if err := issuedByAny(signer, snapshot.QESIssuers); err != nil {
		return err
	}

	if signingTime.IsZero() {
		return fmt.Errorf("signature carries no signing time")
	}
	if signingTime.Before(signer.NotBefore) || signingTime.After(signer.NotAfter) {
		return fmt.Errorf("signing time outside certificate validity")
	}
	if signingTime.After(now.Add(maxFutureSkew)) {
		return fmt.Errorf("signing time in the future")
	}

	return v.checkRevocation(signer, snapshot)
}

// checkRevocation is the OCSP/CRL hook required by the verification
// contract. The reference implementation has no responder to ask and
// accepts the certificate; deployments substitute a real check here.
func (v *Verifier) checkRevocation(signer *Certificate, snapshot *trust.Snapshot) error {
	return nil
}

// findSigner locates the signer certificate by issuer and serial.
func findSigner(certsRaw asn1.RawValue, sid issuerAndSerialNumber) (*Certificate, error) {
	if len(certsRaw.Bytes) == 0 {
		return nil, fmt.Errorf("SignedData embeds no certificates")
	}

	// certificates is an implicit SET OF; walk the concatenated DER.
	rest := certsRaw.Bytes
	for len(rest) > 0 {
		var raw asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &raw)
		if err != nil {
			return nil, fmt.Errorf("unparsable embedded certificate: %w", err)
		}

		cert, err := parseCertificate(raw.FullBytes)
		if err != nil {
			return nil, err
		}

		if cert.Serial.Cmp(sid.SerialNumber) == 0 && bytes.Equal(cert.IssuerDER, sid.Issuer.FullBytes) {
			return cert, nil
		}
	}
	return nil, fmt.Errorf("signer certificate not embedded")
}

type signedAttributes struct {
	contentType   asn1.ObjectIdentifier
	messageDigest []byte
	signingTime   time.Time
}

func parseAttributes(raw asn1.RawValue) (*signedAttributes, error) {
	var attrs []attribute
	if _, err := asn1.UnmarshalWithParams(raw.FullBytes, &attrs, "set,tag:0"); err != nil {
		return nil, fmt.Errorf("unparsable signed attributes: %w", err)
	}

	parsed := &signedAttributes{}
	for _, attr := range attrs {
		switch {
		case attr.Type.Equal(oidContentType):
			if _, err := asn1.Unmarshal(attr.Values.Bytes, &parsed.contentType); err != nil {
				return nil, fmt.Errorf("invalid content-type attribute: %w", err)
			}
		case attr.Type.Equal(oidMessageDigest):
			var digest []byte
			if _, err := asn1.Unmarshal(attr.Values.Bytes, &digest); err != nil {
				return nil, fmt.Errorf("invalid message-digest attribute: %w", err)
			}
			parsed.messageDigest = digest
		case attr.Type.Equal(oidSigningTime):
			var when time.Time
			if _, err := asn1.Unmarshal(attr.Values.Bytes, &when); err != nil {
				return nil, fmt.Errorf("invalid signing-time attribute: %w", err)
			}
			parsed.signingTime = when
		}
	}

	if parsed.messageDigest == nil {
		return nil, fmt.Errorf("signature has no message-digest attribute")
	}
	return parsed, nil
}

var x509SignatureAlgorithms = map[string]x509.SignatureAlgorithm{
	"1.2.840.113549.1.1.11": x509.SHA256WithRSA,
	"1.2.840.113549.1.1.12": x509.SHA384WithRSA,
	"1.2.840.10045.4.3.2":   x509.ECDSAWithSHA256,
	"1.2.840.10045.4.3.3":   x509.ECDSAWithSHA384,
}

// issuedByAny verifies the signer certificate carries a valid signature from
// one of the listed QES issuers. It does not check validity periods.
func issuedByAny(signer *Certificate, issuers []*x509.Certificate) error {
	var shell certificateShell
	if _, err := asn1.Unmarshal(signer.Raw, &shell); err != nil {
		return fmt.Errorf("unparsable signer certificate")
	}

	alg, ok := x509SignatureAlgorithms[shell.SignatureAlgorithm.Algorithm.String()]
	if !ok {
		return fmt.Errorf("unsupported issuer signature algorithm %v", shell.SignatureAlgorithm.Algorithm)
	}

	for _, issuer := range issuers {
		if err := issuer.CheckSignature(alg, shell.TBSCertificate.FullBytes, shell.SignatureValue.RightAlign()); err == nil {
			return nil
		}
	}
	return fmt.Errorf("signer does not chain to a listed QES issuer")
}
