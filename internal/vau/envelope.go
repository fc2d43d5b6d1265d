// Package vau implements the confidential transport envelope: an encrypted
// inner HTTP request is posted to the outer server, decrypted, handled, and
// the inner response is returned encrypted under a one-shot client key.
package vau

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"

	"golang.org/x/crypto/hkdf"

	"github.com/open-eprescription/erx-service/internal/erx"
)

var randReader = rand.Reader

const (
	// envelope layout
	lenVersion    = 1
	lenCoordinate = 32
	lenIV         = 12
	lenTag        = 16
	lenHeader     = lenVersion + 2*lenCoordinate + lenIV

	versionByte = 0x01

	// hkdfInfo is the fixed HKDF info label of the transport scheme.
	hkdfInfo = "ecies-vau-transport"

	// lenContentKey is the AES-256 key length derived for the request leg.
	lenContentKey = 32
)

// Decrypter holds the service's static VAU key. It is safe for concurrent
// use: the key is read-only.
type Decrypter struct {
	key *ecdsa.PrivateKey
}

func NewDecrypter(key *ecdsa.PrivateKey) *Decrypter {
	return &Decrypter{key: key}
}

// Decrypt opens an inbound envelope and returns the plaintext.
func (d *Decrypter) Decrypt(payload []byte) ([]byte, error) {
	if len(payload) < lenHeader+lenTag {
		return nil, erx.NewEnvelopeMalformedError("envelope too short")
	}
	if payload[0] != versionByte {
		return nil, erx.NewEnvelopeMalformedError("unsupported envelope version")
	}

	point := payload[lenVersion : lenVersion+2*lenCoordinate]
	iv := payload[lenVersion+2*lenCoordinate : lenHeader]
	ciphertext := payload[lenHeader:]

	clientKey, err := ParsePublicPoint(point)
	if err != nil {
		return nil, erx.WrapEnvelopeMalformedError(err, "invalid ephemeral point")
	}

	aesKey := deriveKey(d.key.D.Bytes(), clientKey)

	plaintext, err := openGCM(aesKey, iv, ciphertext)
	if err != nil {
		return nil, erx.NewDecryptFailedError("envelope authentication failed")
	}
	return plaintext, nil
}

// Encrypt builds an envelope for the given static public key. The server
// never calls this in production; clients and tests do.
func Encrypt(serverKey *ecdsa.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	aesKey := deriveKey(ephemeral.D.Bytes(), serverKey)

	iv := make([]byte, lenIV)
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed, err := sealGCM(aesKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	envelope := make([]byte, 0, lenHeader+len(sealed))
	envelope = append(envelope, versionByte)
	envelope = append(envelope, MarshalPublicPoint(&ephemeral.PublicKey)...)
	envelope = append(envelope, iv...)
	envelope = append(envelope, sealed...)

	return envelope, nil
}

// deriveKey runs ECDH(private scalar, peer point) through HKDF-SHA256 with
// the fixed info label.
func deriveKey(scalar []byte, peer *ecdsa.PublicKey) []byte {
	sharedX, _ := peer.Curve.ScalarMult(peer.X, peer.Y, scalar)

	secret := make([]byte, lenCoordinate)
	sharedX.FillBytes(secret)

	key := make([]byte, lenContentKey)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		// SHA256 HKDF cannot fail to produce 32 bytes
		panic(err)
	}
	return key
}

func openGCM(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, ciphertext, nil)
}

func sealGCM(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

// EncryptResponse encrypts an outbound inner response under the one-shot
// response key: fresh IV || ciphertext || tag.
func EncryptResponse(key, plaintext []byte) ([]byte, error) {
	iv := make([]byte, lenIV)
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed, err := sealGCM(key, iv, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt response: %w", err)
	}

	return append(iv, sealed...), nil
}

// DecryptResponse opens a response envelope (clients and tests).
func DecryptResponse(key, payload []byte) ([]byte, error) {
	if len(payload) < lenIV+lenTag {
		return nil, fmt.Errorf("response envelope too short")
	}
	return openGCM(key, payload[:lenIV], payload[lenIV:])
}

// Request is the decoded plaintext of an inbound envelope:
// "1 <token> <request-id:32hex> <response-key:32hex> <inner request>".
type Request struct {
	AccessToken string
	RequestID   string
	ResponseKey []byte
	Inner       []byte
}

var hex32Pattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// ParseRequest splits the decrypted plaintext into its five fields.
func ParseRequest(plaintext []byte) (*Request, error) {
	fields := splitN(plaintext, ' ', 5)
	if len(fields) != 5 {
		return nil, erx.NewEnvelopeMalformedError("request plaintext has too few fields")
	}
	if string(fields[0]) != "1" {
		return nil, erx.NewEnvelopeMalformedError("unsupported request version")
	}

	requestID := string(fields[2])
	if !hex32Pattern.MatchString(requestID) {
		return nil, erx.NewEnvelopeMalformedError("invalid request id")
	}

	responseKey, err := hex.DecodeString(string(fields[3]))
	if err != nil || len(responseKey) != 16 {
		return nil, erx.NewEnvelopeMalformedError("invalid response key")
	}

	return &Request{
		AccessToken: string(fields[1]),
		RequestID:   requestID,
		ResponseKey: responseKey,
		Inner:       fields[4],
	}, nil
}

// BuildRequest assembles the plaintext for an envelope (clients and tests).
func BuildRequest(token, requestID string, responseKey []byte, inner []byte) []byte {
	buf := make([]byte, 0, len(token)+len(inner)+len(requestID)+64)
	buf = append(buf, '1', ' ')
	buf = append(buf, token...)
	buf = append(buf, ' ')
	buf = append(buf, requestID...)
	buf = append(buf, ' ')
	buf = append(buf, hex.EncodeToString(responseKey)...)
	buf = append(buf, ' ')
	buf = append(buf, inner...)
	return buf
}

// BuildResponse prefixes the inner response with the response status line
// "1 <request-id>\r\n".
func BuildResponse(requestID string, inner []byte) []byte {
	buf := make([]byte, 0, len(inner)+len(requestID)+4)
	buf = append(buf, '1', ' ')
	buf = append(buf, requestID...)
	buf = append(buf, '\r', '\n')
	buf = append(buf, inner...)
	return buf
}

// splitN splits data on sep into at most n fields, keeping the remainder in
// the final field.
func splitN(data []byte, sep byte, n int) [][]byte {
	var fields [][]byte
	start := 0
	for i := 0; i < len(data) && len(fields) < n-1; i++ {
		if data[i] == sep {
			fields = append(fields, data[start:i])
			start = i + 1
		}
	}
	if start <= len(data) {
		fields = append(fields, data[start:])
	}
	return fields
}
