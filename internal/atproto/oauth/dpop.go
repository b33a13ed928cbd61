package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DPoP (Demonstrating Proof of Possession) - RFC 9449
// Binds access tokens to a signing key held by this client. Tokens issued
// against a DPoP key are sender-constrained: every authenticated request must
// carry a fresh proof signed with the same key.

// GenerateDPoPKey generates a new ES256 (NIST P-256) keypair for DPoP.
func GenerateDPoPKey() (jwk.Key, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	jwkKey, err := jwk.FromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK from private key: %w", err)
	}

	if err := jwkKey.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, fmt.Errorf("failed to set algorithm: %w", err)
	}
	if err := jwkKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set key usage: %w", err)
	}

	return jwkKey, nil
}

// CreateDPoPProof creates a DPoP proof JWT for a single HTTP request.
// Parameters:
//   - privateKey: the DPoP private key (ES256) as JWK
//   - method: HTTP method of the request being proven (e.g. "POST")
//   - uri: full HTTP URI of the request being proven
//   - nonce: optional server-provided nonce (empty on first request; on a
//     use_dpop_nonce rejection, retry once with the nonce from the response)
//   - accessToken: optional access token; when set, its hash is embedded as
//     the "ath" claim (required for resource-server calls)
func CreateDPoPProof(privateKey jwk.Key, method, uri, nonce, accessToken string) (string, error) {
	pubKey, err := privateKey.PublicKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}

	builder := jwt.NewBuilder().
		Claim("htm", method).            // HTTP method
		Claim("htu", uri).               // HTTP URI
		Claim("iat", time.Now().Unix()). // Issued at
		Claim("jti", generateJTI())      // Unique, random ID for replay resistance

	if nonce != "" {
		builder = builder.Claim("nonce", nonce)
	}

	if accessToken != "" {
		builder = builder.Claim("ath", hashAccessToken(accessToken))
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build JWT: %w", err)
	}

	payloadBytes, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}

	// RFC 9449 requires the "jwk" header to carry the public key as a JSON
	// object, so build the protected headers explicitly.
	headers := jws.NewHeaders()
	if setErr := headers.Set(jws.AlgorithmKey, jwa.ES256); setErr != nil {
		return "", fmt.Errorf("failed to set algorithm: %w", setErr)
	}
	if setErr := headers.Set(jws.TypeKey, "dpop+jwt"); setErr != nil {
		return "", fmt.Errorf("failed to set type: %w", setErr)
	}
	if setErr := headers.Set(jws.JWKKey, pubKey); setErr != nil {
		return "", fmt.Errorf("failed to set JWK: %w", setErr)
	}

	// jwt.Sign overrides protected headers, so sign with jws directly
	signed, err := jws.Sign(payloadBytes, jws.WithKey(jwa.ES256, privateKey, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}

	return string(signed), nil
}

// generateJTI generates a unique JWT ID for DPoP proofs
func generateJTI() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// hashAccessToken creates the 'ath' claim: base64url(SHA-256(access_token))
func hashAccessToken(accessToken string) string {
	hash := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// ParseJWKFromJSON parses a JWK from JSON bytes
func ParseJWKFromJSON(data []byte) (jwk.Key, error) {
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWK: %w", err)
	}
	return key, nil
}

// JWKToJSON converts a JWK to JSON bytes
func JWKToJSON(key jwk.Key) ([]byte, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JWK: %w", err)
	}
	return data, nil
}
