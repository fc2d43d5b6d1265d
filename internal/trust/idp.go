package trust

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/lestrrat-go/jwx/v3/cert"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/open-eprescription/erx-service/internal/vau"
)

// idpKeyID is the well-known kid of the IDP's token signing key.
const idpKeyID = "puk_idp_sig"

// IDPKey is the validated token signing key of the identity provider.
type IDPKey struct {
	KeyID string
	Key   *ecdsa.PublicKey
}

// FetchIDPKey downloads the IDP's JWK set and returns the token signing key.
// The key's certificate must chain to one of the TSL-listed IDP issuers; a
// set without a valid signing key yields an error and the previous snapshot
// stays in effect.
func FetchIDPKey(ctx context.Context, client *http.Client, url string, idpIssuers []*x509.Certificate) (*IDPKey, error) {
	set, err := fetchJWKSet(ctx, client, url)
	if err != nil {
		return nil, err
	}

	key, err := selectSigningKey(set)
	if err != nil {
		return nil, err
	}

	certDER, err := signingCertDER(key)
	if err != nil {
		return nil, err
	}
	if err := IssuedByAny(certDER, idpIssuers); err != nil {
		return nil, fmt.Errorf("IDP signing certificate untrusted: %w", err)
	}

	publicKey, err := parseBrainpoolJWK(key)
	if err != nil {
		return nil, err
	}

	keyID, _ := key.KeyID()
	return &IDPKey{KeyID: keyID, Key: publicKey}, nil
}

func fetchJWKSet(ctx context.Context, client *http.Client, url string) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build IDP request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch IDP keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("IDP key endpoint returned %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read IDP response: %w", err)
	}

	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse IDP JWK set: %w", err)
	}
	return set, nil
}

// selectSigningKey picks the token signing key: the well-known kid if
// present, otherwise the only key of the set.
func selectSigningKey(set jwk.Set) (jwk.Key, error) {
	if set.Len() == 0 {
		return nil, fmt.Errorf("IDP JWK set is empty")
	}

	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if keyID, ok := key.KeyID(); ok && keyID == idpKeyID {
			return key, nil
		}
	}

	if set.Len() == 1 {
		key, _ := set.Key(0)
		return key, nil
	}
	return nil, fmt.Errorf("IDP JWK set has no %q key", idpKeyID)
}

// parseBrainpoolJWK builds the public key from the JWK coordinates. The IDP
// signs on brainpoolP256r1, which the JOSE libraries cannot export to a
// crypto type, so the coordinates are read directly.
func parseBrainpoolJWK(key jwk.Key) (*ecdsa.PublicKey, error) {
	var xBytes, yBytes []byte
	if err := key.Get("x", &xBytes); err != nil {
		return nil, fmt.Errorf("JWK has no x coordinate: %w", err)
	}
	if err := key.Get("y", &yBytes); err != nil {
		return nil, fmt.Errorf("JWK has no y coordinate: %w", err)
	}

	curve := vau.P256r1()
	x := new(big.Int).SetBytes(xBytes)
	y := new(big.Int).SetBytes(yBytes)
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("JWK point is not on brainpoolP256r1")
	}

	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// signingCertDER returns the first certificate of the key's x5c chain.
func signingCertDER(key jwk.Key) ([]byte, error) {
	var chain cert.Chain
	if err := key.Get("x5c", &chain); err != nil {
		return nil, fmt.Errorf("JWK has no certificate chain: %w", err)
	}
	first, ok := chain.Get(0)
	if !ok {
		return nil, fmt.Errorf("JWK certificate chain is empty")
	}
	der, err := base64.StdEncoding.DecodeString(string(first))
	if err != nil {
		return nil, fmt.Errorf("invalid certificate in JWK chain: %w", err)
	}
	return der, nil
}
