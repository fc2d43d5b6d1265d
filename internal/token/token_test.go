package token

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/trust"
	"github.com/open-eprescription/erx-service/internal/vau"
)

var testNow = time.Date(2021, 3, 14, 12, 0, 0, 0, time.UTC)

type tokenClaims map[string]any

func defaultClaims() tokenClaims {
	return tokenClaims{
		"iss":              "https://idp.example",
		"sub":              "subject-1",
		"acr":              "eidas-loa-high",
		"exp":              testNow.Add(5 * time.Minute).Unix(),
		"iat":              testNow.Add(-time.Minute).Unix(),
		"professionOID":    "1.2.276.0.76.4.49",
		"idNummer":         "X110412640",
		"given_name":       "Erika",
		"family_name":      "Mustermann",
		"organizationName": "",
	}
}

// mintToken signs a compact token the way the IDP does.
func mintToken(t *testing.T, key *ecdsa.PrivateKey, alg string, claims tokenClaims) string {
	t.Helper()

	headerJSON, err := json.Marshal(map[string]string{"alg": alg})
	if err != nil {
		t.Fatal(err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(claimsJSON)

	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	signature := make([]byte, 64)
	r.FillBytes(signature[:32])
	s.FillBytes(signature[32:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
}

func testSnapshot(t *testing.T) (*trust.Snapshot, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := vau.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return &trust.Snapshot{
		IDPKey:    &key.PublicKey,
		TSLExpiry: testNow.Add(24 * time.Hour),
	}, key
}

func TestVerify(t *testing.T) {
	snapshot, key := testSnapshot(t)
	otherKey, err := vau.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	withClaims := func(mutate func(tokenClaims)) tokenClaims {
		claims := defaultClaims()
		mutate(claims)
		return claims
	}

	tests := []struct {
		name     string
		compact  string
		wantRole Role
		wantErr  bool
	}{
		{
			name:     "valid insured token",
			compact:  mintToken(t, key, "BP256R1", defaultClaims()),
			wantRole: RoleInsured,
		},
		{
			name: "valid pharmacy token",
			compact: mintToken(t, key, "BP256R1", withClaims(func(c tokenClaims) {
				c["professionOID"] = "1.2.276.0.76.4.54"
				c["idNummer"] = "606358757"
			})),
			wantRole: RolePharmacy,
		},
		{
			name: "valid physician token",
			compact: mintToken(t, key, "BP256R1", withClaims(func(c tokenClaims) {
				c["professionOID"] = "1.2.276.0.76.4.30"
				c["idNummer"] = "838382202"
			})),
			wantRole: RolePhysician,
		},
		{
			name:    "wrong algorithm",
			compact: mintToken(t, key, "ES256", defaultClaims()),
			wantErr: true,
		},
		{
			name:    "signed by wrong key",
			compact: mintToken(t, otherKey, "BP256R1", defaultClaims()),
			wantErr: true,
		},
		{
			name: "expired",
			compact: mintToken(t, key, "BP256R1", withClaims(func(c tokenClaims) {
				c["exp"] = testNow.Add(-5 * time.Minute).Unix()
			})),
			wantErr: true,
		},
		{
			name: "issued in the future",
			compact: mintToken(t, key, "BP256R1", withClaims(func(c tokenClaims) {
				c["iat"] = testNow.Add(10 * time.Minute).Unix()
			})),
			wantErr: true,
		},
		{
			name: "within clock skew",
			compact: mintToken(t, key, "BP256R1", withClaims(func(c tokenClaims) {
				c["iat"] = testNow.Add(30 * time.Second).Unix()
			})),
			wantRole: RoleInsured,
		},
		{
			name: "unknown professionOID",
			compact: mintToken(t, key, "BP256R1", withClaims(func(c tokenClaims) {
				c["professionOID"] = "1.2.276.0.76.4.58"
			})),
			wantErr: true,
		},
		{
			name: "insured without KVNR",
			compact: mintToken(t, key, "BP256R1", withClaims(func(c tokenClaims) {
				c["idNummer"] = "not-a-kvnr"
			})),
			wantErr: true,
		},
		{
			name: "wrong acr",
			compact: mintToken(t, key, "BP256R1", withClaims(func(c tokenClaims) {
				c["acr"] = "eidas-loa-low"
			})),
			wantErr: true,
		},
		{
			name:    "not a compact token",
			compact: "garbage",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accessToken, err := Verify(tt.compact, snapshot, testNow)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if erx.CodeOf(err) != erx.CodeTokenInvalid {
					t.Errorf("got code %v, want TokenInvalid", erx.CodeOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if accessToken.Role() != tt.wantRole {
				t.Errorf("role = %v, want %v", accessToken.Role(), tt.wantRole)
			}
		})
	}
}

func TestAccessorsByRole(t *testing.T) {
	snapshot, key := testSnapshot(t)

	claims := defaultClaims()
	claims["professionOID"] = "1.2.276.0.76.4.54"
	claims["idNummer"] = "606358757"
	claims["organizationName"] = "Adler-Apotheke"

	accessToken, err := Verify(mintToken(t, key, "BP256R1", claims), snapshot, testNow)
	if err != nil {
		t.Fatal(err)
	}

	if accessToken.KVNR() != "" {
		t.Errorf("pharmacy token must not expose a KVNR")
	}
	if accessToken.TelematikID() != "606358757" {
		t.Errorf("TelematikID = %q", accessToken.TelematikID())
	}
	if accessToken.DisplayName() != "Adler-Apotheke" {
		t.Errorf("DisplayName = %q", accessToken.DisplayName())
	}
}
