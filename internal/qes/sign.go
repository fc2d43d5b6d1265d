package qes

// CAdES creation for the receipts the service signs itself.

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// Marshal-side shapes: same structures as asn1.go minus the optional fields
// the service never emits, so encoding/asn1 produces clean DER.

type signerInfoOut struct {
	Version            int
	SID                issuerAndSerialNumber
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
}

type signedDataOut struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     asn1.RawValue
	SignerInfos      []signerInfoOut `asn1:"set"`
}

// Signer creates CMS SignedData structures with the service's signing
// identity (a standard-curve ECDSA key, unlike the brainpool cards it
// verifies).
type Signer struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
}

func NewSigner(key *ecdsa.PrivateKey, cert *x509.Certificate) *Signer {
	return &Signer{key: key, cert: cert}
}

// Certificate returns the signing certificate. Consumers embed this into the
// receipt through this accessor only: its placement inside the signature is
// expected to move between releases.
func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}

// Sign wraps content into a SignedData structure with content-type,
// message-digest and signing-time signed attributes.
func (s *Signer) Sign(content []byte, signingTime time.Time) ([]byte, error) {
	contentDigest := sha256.Sum256(content)

	attrs, err := marshalSignedAttributes(contentDigest[:], signingTime)
	if err != nil {
		return nil, err
	}

	// signature input is the attributes as SET OF
	signedBytes := make([]byte, len(attrs.FullBytes))
	copy(signedBytes, attrs.FullBytes)
	signedBytes[0] = 0x31
	digest := sha256.Sum256(signedBytes)

	signature, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign receipt: %w", err)
	}

	sd := signedDataOut{
		Version: 1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{
			{Algorithm: oidSHA256},
		},
		EncapContentInfo: encapsulatedContentInfo{
			EContentType: oidData,
			EContent:     content,
		},
		Certificates: asn1.RawValue{FullBytes: wrapTag(0xa0, s.cert.Raw)},
		SignerInfos: []signerInfoOut{{
			Version: 1,
			SID: issuerAndSerialNumber{
				Issuer:       asn1.RawValue{FullBytes: s.cert.RawIssuer},
				SerialNumber: s.cert.SerialNumber,
			},
			DigestAlgorithm:    pkix.AlgorithmIdentifier{Algorithm: oidSHA256},
			SignedAttrs:        attrs,
			SignatureAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA256},
			Signature:          signature,
		}},
	}

	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SignedData: %w", err)
	}

	wrapped, err := asn1.Marshal(contentInfo{
		ContentType: oidSignedData,
		Content:     asn1.RawValue{FullBytes: wrapTag(0xa0, sdDER)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ContentInfo: %w", err)
	}
	return wrapped, nil
}

// marshalSignedAttributes builds the implicit [0] signed attribute set.
func marshalSignedAttributes(messageDigest []byte, signingTime time.Time) (asn1.RawValue, error) {
	contentTypeVal, err := asn1.Marshal(oidData)
	if err != nil {
		return asn1.RawValue{}, err
	}
	digestVal, err := asn1.Marshal(messageDigest)
	if err != nil {
		return asn1.RawValue{}, err
	}
	timeVal, err := asn1.Marshal(signingTime.UTC().Truncate(time.Second))
	if err != nil {
		return asn1.RawValue{}, err
	}

	attrs := []attribute{
		{Type: oidContentType, Values: asn1.RawValue{FullBytes: wrapTag(0x31, contentTypeVal)}},
		{Type: oidSigningTime, Values: asn1.RawValue{FullBytes: wrapTag(0x31, timeVal)}},
		{Type: oidMessageDigest, Values: asn1.RawValue{FullBytes: wrapTag(0x31, digestVal)}},
	}

	der, err := asn1.MarshalWithParams(attrs, "set")
	if err != nil {
		return asn1.RawValue{}, err
	}

	// re-tag the SET as implicit [0] for embedding in SignerInfo
	der[0] = 0xa0

	return asn1.RawValue{FullBytes: der}, nil
}

// wrapTag prefixes value with the given constructed tag and DER length.
func wrapTag(tag byte, value []byte) []byte {
	length := len(value)
	if length < 128 {
		out := make([]byte, 0, length+2)
		out = append(out, tag, byte(length))
		return append(out, value...)
	}

	var lenBytes []byte
	for v := length; v > 0; v >>= 8 {
		lenBytes = append([]byte{byte(v)}, lenBytes...)
	}
	out := make([]byte, 0, length+2+len(lenBytes))
	out = append(out, tag, 0x80|byte(len(lenBytes)))
	out = append(out, lenBytes...)
	return append(out, value...)
}

// SelfSignedIdentity mints a development signing identity when none is
// configured.
func SelfSignedIdentity(commonName string) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(5, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}
