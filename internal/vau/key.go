package vau

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
)

// oidBrainpoolP256r1 is 1.3.36.3.3.2.8.1.1.7 (RFC 5639).
var oidBrainpoolP256r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 7}

// sec1PrivateKey mirrors the SEC 1 ECPrivateKey structure. crypto/x509
// refuses curves it does not know, so the brainpool key is parsed here.
type sec1PrivateKey struct {
	Version       int
	PrivateKey    []byte
	NamedCurveOID asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

// LoadPrivateKey reads a brainpoolP256r1 EC private key in PEM form.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no EC PRIVATE KEY block in %s", path)
		}
		if block.Type != "EC PRIVATE KEY" {
			continue
		}
		return parseECPrivateKey(block.Bytes)
	}
}

func parseECPrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	var sec1 sec1PrivateKey
	if _, err := asn1.Unmarshal(der, &sec1); err != nil {
		return nil, fmt.Errorf("failed to parse EC private key: %w", err)
	}
	if sec1.Version != 1 {
		return nil, fmt.Errorf("unsupported EC private key version %d", sec1.Version)
	}
	if len(sec1.NamedCurveOID) > 0 && !sec1.NamedCurveOID.Equal(oidBrainpoolP256r1) {
		return nil, fmt.Errorf("unsupported curve %v, want brainpoolP256r1", sec1.NamedCurveOID)
	}

	curve := P256r1()
	d := new(big.Int).SetBytes(sec1.PrivateKey)
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("EC private key out of range")
	}

	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         d,
	}
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())

	return key, nil
}

// ParsePublicPoint decodes an uncompressed point (x || y, without the 0x04
// prefix) on brainpoolP256r1.
func ParsePublicPoint(data []byte) (*ecdsa.PublicKey, error) {
	curve := P256r1()
	byteLen := (curve.Params().BitSize + 7) / 8
	if len(data) != 2*byteLen {
		return nil, fmt.Errorf("invalid point length %d", len(data))
	}

	x := new(big.Int).SetBytes(data[:byteLen])
	y := new(big.Int).SetBytes(data[byteLen:])
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("point is not on brainpoolP256r1")
	}

	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// MarshalPublicPoint encodes a public key as x || y without the 0x04 prefix.
func MarshalPublicPoint(pub *ecdsa.PublicKey) []byte {
	byteLen := (pub.Curve.Params().BitSize + 7) / 8
	buf := make([]byte, 2*byteLen)
	pub.X.FillBytes(buf[:byteLen])
	pub.Y.FillBytes(buf[byteLen:])
	return buf
}

// GenerateKey mints an ephemeral brainpoolP256r1 keypair (test clients).
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return generateKeyOn(P256r1())
}

func generateKeyOn(curve elliptic.Curve) (*ecdsa.PrivateKey, error) {
	priv, x, y, err := elliptic.GenerateKey(curve, randReader)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         new(big.Int).SetBytes(priv),
	}, nil
}
