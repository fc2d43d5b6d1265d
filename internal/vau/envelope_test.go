package vau

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/open-eprescription/erx-service/internal/erx"
)

func testKeypair(t *testing.T) *Decrypter {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return NewDecrypter(key)
}

func TestEnvelopeRoundtrip(t *testing.T) {
	decrypter := testKeypair(t)

	for i := 0; i < 50; i++ {
		plaintext := make([]byte, 1+i*17)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatal(err)
		}

		envelope, err := Encrypt(&decrypter.key.PublicKey, plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		decrypted, err := decrypter.Decrypt(envelope)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Fatalf("roundtrip mismatch at size %d", len(plaintext))
		}
	}
}

func TestEnvelopeBitFlips(t *testing.T) {
	decrypter := testKeypair(t)

	envelope, err := Encrypt(&decrypter.key.PublicKey, []byte("Hallo Test"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Flipping any bit of ciphertext or tag must fail authentication.
	for i := lenHeader; i < len(envelope); i++ {
		for bit := 0; bit < 8; bit++ {
			mutated := make([]byte, len(envelope))
			copy(mutated, envelope)
			mutated[i] ^= 1 << bit

			if _, err := decrypter.Decrypt(mutated); err == nil {
				t.Fatalf("bit flip at byte %d bit %d went undetected", i, bit)
			}
		}
	}
}

func TestDecryptRejects(t *testing.T) {
	decrypter := testKeypair(t)

	valid, err := Encrypt(&decrypter.key.PublicKey, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	badVersion := make([]byte, len(valid))
	copy(badVersion, valid)
	badVersion[0] = 0x02

	badPoint := make([]byte, len(valid))
	copy(badPoint, valid)
	for i := 1; i < 1+2*lenCoordinate; i++ {
		badPoint[i] = 0xff
	}

	tests := []struct {
		name     string
		envelope []byte
		wantCode erx.Code
	}{
		{"too short", valid[:lenHeader], erx.CodeEnvelopeMalformed},
		{"wrong version", badVersion, erx.CodeEnvelopeMalformed},
		{"point off curve", badPoint, erx.CodeEnvelopeMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decrypter.Decrypt(tt.envelope)
			if err == nil {
				t.Fatal("expected error")
			}
			if erx.CodeOf(err) != tt.wantCode {
				t.Errorf("got code %v, want %v", erx.CodeOf(err), tt.wantCode)
			}
		})
	}
}

func TestResponseRoundtrip(t *testing.T) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("HTTP/1.1 200 OK\r\n\r\n")
	sealed, err := EncryptResponse(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptResponse failed: %v", err)
	}

	opened, err := DecryptResponse(key, sealed)
	if err != nil {
		t.Fatalf("DecryptResponse failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatal("response roundtrip mismatch")
	}
}

func TestParseRequest(t *testing.T) {
	responseKey := bytes.Repeat([]byte{0xab}, 16)
	requestID := "0123456789abcdef0123456789abcdef"
	inner := []byte("GET /Task HTTP/1.1\r\nHost: erx\r\n\r\n")

	plaintext := BuildRequest("token-value", requestID, responseKey, inner)

	req, err := ParseRequest(plaintext)
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if req.AccessToken != "token-value" {
		t.Errorf("token = %q", req.AccessToken)
	}
	if req.RequestID != requestID {
		t.Errorf("request id = %q", req.RequestID)
	}
	if hex.EncodeToString(req.ResponseKey) != hex.EncodeToString(responseKey) {
		t.Errorf("response key mismatch")
	}
	if !bytes.Equal(req.Inner, inner) {
		t.Errorf("inner request mismatch")
	}
}

func TestParseRequestRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too few fields", "1 token abc"},
		{"wrong version", "2 token 0123456789abcdef0123456789abcdef abababababababababababababababab GET"},
		{"bad request id", "1 token nothex abababababababababababababababab GET"},
		{"bad response key", "1 token 0123456789abcdef0123456789abcdef zzzz GET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRequest([]byte(tt.input)); err == nil {
				t.Error("expected error")
			}
			var serviceErr *erx.Error
			if _, err := ParseRequest([]byte(tt.input)); !errors.As(err, &serviceErr) {
				t.Error("expected typed error")
			}
		})
	}
}

func TestBuildResponse(t *testing.T) {
	out := BuildResponse("0123456789abcdef0123456789abcdef", []byte("HTTP/1.1 200 OK\r\n\r\n"))
	want := "1 0123456789abcdef0123456789abcdef\r\nHTTP/1.1 200 OK\r\n\r\n"
	if string(out) != want {
		t.Errorf("BuildResponse = %q, want %q", out, want)
	}
}
