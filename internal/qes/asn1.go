package qes

// ASN.1 shapes of CMS SignedData (RFC 5652) and the slice of X.509 needed to
// verify prescription signatures. crypto/x509 rejects certificates on
// brainpool curves, which is exactly what qualified signature cards use, so
// end-entity certificates get a lenient parser here.

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/open-eprescription/erx-service/internal/vau"
)

var (
	oidSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}

	oidSHA256          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidRSASHA256       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidECPublicKey     = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}

	oidCurveP256            = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidCurveBrainpoolP256r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 7}
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,optional,tag:0"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue `asn1:"set"`
}

type signerInfo struct {
	Version            int
	SID                issuerAndSerialNumber
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

// Certificate is the lenient end-entity view: parsed far enough to check
// validity, identify the issuer and verify signatures, regardless of curve.
type Certificate struct {
	Raw       []byte
	TBSRaw    []byte
	Serial    *big.Int
	IssuerDER []byte
	NotBefore time.Time
	NotAfter  time.Time

	// PublicKey is *ecdsa.PublicKey or *rsa.PublicKey.
	PublicKey any
}

type tbsValidity struct {
	NotBefore time.Time
	NotAfter  time.Time
}

type publicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

type tbsCertificate struct {
	Version            int `asn1:"optional,explicit,default:0,tag:0"`
	SerialNumber       *big.Int
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Issuer             asn1.RawValue
	Validity           tbsValidity
	Subject            asn1.RawValue
	PublicKey          publicKeyInfo
	IssuerUniqueID     asn1.BitString `asn1:"optional,tag:1"`
	SubjectUniqueID    asn1.BitString `asn1:"optional,tag:2"`
	Extensions         asn1.RawValue  `asn1:"optional,explicit,tag:3"`
}

type certificateShell struct {
	TBSCertificate     asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

// parseCertificate parses one DER certificate leniently.
func parseCertificate(der []byte) (*Certificate, error) {
	var shell certificateShell
	if _, err := asn1.Unmarshal(der, &shell); err != nil {
		return nil, fmt.Errorf("unparsable certificate: %w", err)
	}

	var tbs tbsCertificate
	if _, err := asn1.Unmarshal(shell.TBSCertificate.FullBytes, &tbs); err != nil {
		return nil, fmt.Errorf("unparsable TBSCertificate: %w", err)
	}

	publicKey, err := parsePublicKey(tbs.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Certificate{
		Raw:       der,
		TBSRaw:    shell.TBSCertificate.FullBytes,
		Serial:    tbs.SerialNumber,
		IssuerDER: tbs.Issuer.FullBytes,
		NotBefore: tbs.Validity.NotBefore,
		NotAfter:  tbs.Validity.NotAfter,
		PublicKey: publicKey,
	}, nil
}

func parsePublicKey(info publicKeyInfo) (any, error) {
	switch {
	case info.Algorithm.Algorithm.Equal(oidECPublicKey):
		var curveOID asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(info.Algorithm.Parameters.FullBytes, &curveOID); err != nil {
			return nil, fmt.Errorf("missing EC curve parameter: %w", err)
		}

		var curve elliptic.Curve
		switch {
		case curveOID.Equal(oidCurveBrainpoolP256r1):
			curve = vau.P256r1()
		case curveOID.Equal(oidCurveP256):
			curve = elliptic.P256()
		default:
			return nil, fmt.Errorf("unsupported EC curve %v", curveOID)
		}

		point := info.PublicKey.RightAlign()
		if len(point) != 65 || point[0] != 0x04 {
			return nil, fmt.Errorf("unsupported EC point encoding")
		}
		x := new(big.Int).SetBytes(point[1:33])
		y := new(big.Int).SetBytes(point[33:])
		if !curve.IsOnCurve(x, y) {
			return nil, fmt.Errorf("EC point not on curve")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil

	case info.Algorithm.Algorithm.Equal(oidRSAEncryption):
		key, err := x509.ParsePKCS1PublicKey(info.PublicKey.RightAlign())
		if err != nil {
			return nil, fmt.Errorf("unparsable RSA key: %w", err)
		}
		return key, nil

	default:
		return nil, fmt.Errorf("unsupported public key algorithm %v", info.Algorithm.Algorithm)
	}
}

// verifyWithKey checks a SHA-256 signature with either key family.
func verifyWithKey(publicKey any, algorithm asn1.ObjectIdentifier, digest, signature []byte) error {
	switch key := publicKey.(type) {
	case *ecdsa.PublicKey:
		if !algorithm.Equal(oidECDSAWithSHA256) && !algorithm.Equal(oidECPublicKey) {
			return fmt.Errorf("signature algorithm %v does not match EC key", algorithm)
		}
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return fmt.Errorf("ECDSA signature invalid")
		}
		return nil
	case *rsa.PublicKey:
		if !algorithm.Equal(oidRSASHA256) && !algorithm.Equal(oidRSAEncryption) {
			return fmt.Errorf("signature algorithm %v does not match RSA key", algorithm)
		}
		return rsa.VerifyPKCS1v15(key, cryptoSHA256, digest, signature)
	default:
		return fmt.Errorf("unsupported key type %T", publicKey)
	}
}
