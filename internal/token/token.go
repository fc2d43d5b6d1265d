// Package token verifies the access tokens minted by the identity provider
// and presented on every inner request.
//
// The token is a compact JOSE serialization signed with BP256R1 (ECDSA over
// brainpoolP256r1 with SHA-256). No JOSE library implements that algorithm,
// so the three segments are taken apart by hand, exactly mirroring the
// checks of §4.2: structure, algorithm, signature, validity window, role,
// identity.
package token

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/prescription"
	"github.com/open-eprescription/erx-service/internal/trust"
)

// Role partitions callers by professionOID.
type Role int

const (
	RoleUnknown Role = iota
	RoleInsured
	RolePhysician
	RoleDentist
	RolePharmacy
)

func (r Role) String() string {
	switch r {
	case RoleInsured:
		return "insured"
	case RolePhysician:
		return "physician"
	case RoleDentist:
		return "dentist"
	case RolePharmacy:
		return "pharmacy"
	default:
		return "unknown"
	}
}

// professionRoles maps the recognised professionOIDs onto roles.
var professionRoles = map[string]Role{
	"1.2.276.0.76.4.49": RoleInsured,
	"1.2.276.0.76.4.30": RolePhysician,
	"1.2.276.0.76.4.50": RolePhysician,
	"1.2.276.0.76.4.31": RoleDentist,
	"1.2.276.0.76.4.51": RoleDentist,
	"1.2.276.0.76.4.54": RolePharmacy,
	"1.2.276.0.76.4.55": RolePharmacy,
}

const (
	expectedAlg = "BP256R1"
	expectedAcr = "eidas-loa-high"
	maxSkew     = 60 * time.Second
)

type header struct {
	Alg string `json:"alg"`
}

type claims struct {
	Iss              string `json:"iss"`
	Sub              string `json:"sub"`
	Acr              string `json:"acr"`
	Exp              int64  `json:"exp"`
	Iat              int64  `json:"iat"`
	Nbf              *int64 `json:"nbf,omitempty"`
	ProfessionOID    string `json:"professionOID"`
	IDNumber         string `json:"idNummer"`
	GivenName        string `json:"given_name"`
	FamilyName       string `json:"family_name"`
	OrganizationName string `json:"organizationName"`
}

// AccessToken is a verified token. The claims are deliberately unexported:
// callers see the role and identity accessors only.
type AccessToken struct {
	role   Role
	claims claims
}

func (t *AccessToken) Role() Role { return t.role }

// KVNR returns the patient identifier of an insured caller.
func (t *AccessToken) KVNR() string {
	if t.role == RoleInsured {
		return t.claims.IDNumber
	}
	return ""
}

// TelematikID returns the professional identifier of a non-insured caller.
func (t *AccessToken) TelematikID() string {
	if t.role != RoleInsured {
		return t.claims.IDNumber
	}
	return ""
}

// Subject returns the token subject, the stable per-caller pseudonym.
func (t *AccessToken) Subject() string { return t.claims.Sub }

// DisplayName returns a human-readable agent name for audit entries.
func (t *AccessToken) DisplayName() string {
	if t.claims.OrganizationName != "" {
		return t.claims.OrganizationName
	}
	name := strings.TrimSpace(t.claims.GivenName + " " + t.claims.FamilyName)
	if name != "" {
		return name
	}
	return t.claims.Sub
}

// Verify checks the compact token against the IDP key of the given trust
// snapshot and returns the typed claims. The first failing step
// short-circuits.
func Verify(compact string, snapshot *trust.Snapshot, now time.Time) (*AccessToken, error) {
	segments := strings.Split(compact, ".")
	if len(segments) != 3 {
		return nil, erx.NewTokenInvalidError("malformed token")
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return nil, erx.NewTokenInvalidError("malformed token header")
	}
	var h header
	if err := json.Unmarshal(headerRaw, &h); err != nil {
		return nil, erx.NewTokenInvalidError("malformed token header")
	}
	if h.Alg != expectedAlg {
		return nil, erx.NewTokenInvalidError("unexpected token algorithm")
	}

	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return nil, erx.NewTokenInvalidError("malformed token signature")
	}
	if !verifySignature(snapshot.IDPKey, segments[0]+"."+segments[1], signature) {
		return nil, erx.NewTokenInvalidError("token signature invalid")
	}

	claimsRaw, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return nil, erx.NewTokenInvalidError("malformed token claims")
	}
	var c claims
	if err := json.Unmarshal(claimsRaw, &c); err != nil {
		return nil, erx.NewTokenInvalidError("malformed token claims")
	}

	exp := time.Unix(c.Exp, 0)
	if now.After(exp.Add(maxSkew)) {
		return nil, erx.NewTokenInvalidError("token expired")
	}
	notBefore := time.Unix(c.Iat, 0)
	if c.Nbf != nil {
		notBefore = time.Unix(*c.Nbf, 0)
	}
	if notBefore.After(now.Add(maxSkew)) {
		return nil, erx.NewTokenInvalidError("token not valid yet")
	}

	if c.Acr != expectedAcr {
		return nil, erx.NewTokenInvalidError("unexpected authentication level")
	}

	role, ok := professionRoles[c.ProfessionOID]
	if !ok {
		return nil, erx.NewTokenInvalidError("unrecognised professionOID")
	}

	if role == RoleInsured && !prescription.ValidKVNR(c.IDNumber) {
		return nil, erx.NewTokenInvalidError("token carries no valid KVNR")
	}

	return &AccessToken{role: role, claims: c}, nil
}

// verifySignature checks the JOSE-style r||s ECDSA signature over the
// signing input.
func verifySignature(key *ecdsa.PublicKey, signingInput string, signature []byte) bool {
	if key == nil || len(signature) != 64 {
		return false
	}

	digest := sha256.Sum256([]byte(signingInput))
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])

	return ecdsa.Verify(key, digest[:], r, s)
}

// Checker adapts the verifier to the VAU endpoint's pre-dispatch check.
type Checker struct {
	Store *trust.Store
}

func (c *Checker) Check(compact string) error {
	snapshot, err := c.Store.Current(time.Now())
	if err != nil {
		return err
	}
	_, err = Verify(compact, snapshot, time.Now())
	return err
}
