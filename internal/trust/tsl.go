package trust

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/moov-io/signedxml"

	"github.com/open-eprescription/erx-service/internal/erx"
)

// ETSI TSL identifiers.
const (
	serviceTypeCA   = "http://uri.etsi.org/TrstSvc/Svctype/CA/PKC"
	serviceTypeQC   = "http://uri.etsi.org/TrstSvc/Svctype/CA/QC"
	statusInAccord  = "http://uri.etsi.org/TrstSvc/Svcstatus/inaccord"
	extensionOIDUse = "1.2.276.0.76.4.203"
	useComponentSig = "oid_fd_sig"
	useIDPSig       = "oid_idp_sig"
	useTSLSig       = "oid_tsl_sig"
)

// LoadAnchor reads the bootstrap trust anchor (self signed X.509, PEM).
func LoadAnchor(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust anchor: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE block in %s", path)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trust anchor: %w", err)
	}
	return cert, nil
}

// TSL is the material extracted from a verified Trust Service List.
type TSL struct {
	SequenceNumber string
	NextUpdate     time.Time
	CACerts        []*x509.Certificate
	QESIssuers     []*x509.Certificate
	IDPIssuers     []*x509.Certificate
	TSLSignerCerts []*x509.Certificate
}

// ParseTSL verifies the XML signature of a TSL document against the trust
// anchor and extracts the listed certificates.
func ParseTSL(document []byte, anchor *x509.Certificate) (*TSL, error) {
	validator, err := signedxml.NewValidator(string(document))
	if err != nil {
		return nil, erx.WrapInternalError(err, "failed to parse TSL document")
	}
	validator.Certificates = append(validator.Certificates, *anchor)

	if _, err := validator.ValidateReferences(); err != nil {
		return nil, erx.WrapInternalError(err, "TSL signature invalid")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(document); err != nil {
		return nil, erx.WrapInternalError(err, "failed to parse TSL XML")
	}

	root := doc.Root()
	if root == nil {
		return nil, erx.NewInternalError("empty TSL document")
	}

	tsl := &TSL{TSLSignerCerts: []*x509.Certificate{anchor}}

	if info := root.FindElement(".//SchemeInformation"); info != nil {
		if seq := info.FindElement("./TSLSequenceNumber"); seq != nil {
			tsl.SequenceNumber = strings.TrimSpace(seq.Text())
		}
		if next := info.FindElement("./NextUpdate/dateTime"); next != nil {
			when, err := time.Parse(time.RFC3339, strings.TrimSpace(next.Text()))
			if err != nil {
				return nil, erx.WrapInternalError(err, "invalid TSL NextUpdate")
			}
			tsl.NextUpdate = when
		}
	}

	now := time.Now()
	for _, service := range root.FindElements(".//TrustServiceProviderList/TrustServiceProvider/TSPServices/TSPService") {
		info := service.FindElement("./ServiceInformation")
		if info == nil {
			continue
		}

		ident := elementText(info, "./ServiceTypeIdentifier")
		status := elementText(info, "./ServiceStatus")
		if status != statusInAccord {
			continue
		}

		if start := elementText(info, "./StatusStartingTime"); start != "" {
			if when, err := time.Parse(time.RFC3339, start); err == nil && when.After(now) {
				continue
			}
		}

		certs, err := serviceCertificates(info)
		if err != nil {
			return nil, err
		}

		switch {
		case ident == serviceTypeQC:
			tsl.QESIssuers = append(tsl.QESIssuers, certs...)
		case ident == serviceTypeCA:
			switch serviceUse(info) {
			case useIDPSig:
				tsl.IDPIssuers = append(tsl.IDPIssuers, certs...)
			case useTSLSig:
				tsl.TSLSignerCerts = append(tsl.TSLSignerCerts, certs...)
			default:
				tsl.CACerts = append(tsl.CACerts, certs...)
			}
		}
	}

	if len(tsl.CACerts) == 0 && len(tsl.QESIssuers) == 0 {
		return nil, erx.NewInternalError("TSL lists no usable services")
	}

	return tsl, nil
}

func elementText(parent *etree.Element, path string) string {
	if elem := parent.FindElement(path); elem != nil {
		return strings.TrimSpace(elem.Text())
	}
	return ""
}

// serviceUse returns the value of the usage extension that distinguishes
// component signing, IDP signing and TSL signing CAs.
func serviceUse(info *etree.Element) string {
	for _, ext := range info.FindElements("./ServiceInformationExtensions/Extension") {
		oid := elementText(ext, ".//ExtensionOID")
		if oid != extensionOIDUse {
			continue
		}
		return elementText(ext, ".//ExtensionValue")
	}
	return ""
}

func serviceCertificates(info *etree.Element) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, elem := range info.FindElements("./ServiceDigitalIdentity/DigitalId/X509Certificate") {
		der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(elem.Text()))
		if err != nil {
			return nil, erx.WrapInternalError(err, "invalid certificate in TSL")
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, erx.WrapInternalError(err, "unparsable certificate in TSL")
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// rawCertificate is the outer ASN.1 shape of a certificate; enough to check
// an issuer signature without parsing the subject key, which for the IDP is
// on a curve crypto/x509 refuses.
type rawCertificate struct {
	TBSCertificate     asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

var signatureAlgorithms = map[string]x509.SignatureAlgorithm{
	"1.2.840.113549.1.1.11": x509.SHA256WithRSA,
	"1.2.840.113549.1.1.12": x509.SHA384WithRSA,
	"1.2.840.10045.4.3.2":   x509.ECDSAWithSHA256,
	"1.2.840.10045.4.3.3":   x509.ECDSAWithSHA384,
}

// IssuedByAny verifies that the DER certificate carries a valid signature
// from one of the given issuer certificates.
func IssuedByAny(der []byte, issuers []*x509.Certificate) error {
	var raw rawCertificate
	if rest, err := asn1.Unmarshal(der, &raw); err != nil || len(rest) != 0 {
		return fmt.Errorf("unparsable certificate")
	}

	alg, ok := signatureAlgorithms[raw.SignatureAlgorithm.Algorithm.String()]
	if !ok {
		return fmt.Errorf("unsupported certificate signature algorithm %s", raw.SignatureAlgorithm.Algorithm)
	}

	for _, issuer := range issuers {
		if err := issuer.CheckSignature(alg, raw.TBSCertificate.FullBytes, raw.SignatureValue.RightAlign()); err == nil {
			return nil
		}
	}
	return fmt.Errorf("certificate does not chain to a listed issuer")
}
