package apiclient

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// domainClaims reads the "domain" claim from the payload segment of a
// compact token. The claim is either a string or an array of strings. Any
// decoding problem yields an empty set.
func domainClaims(token string) map[string]struct{} {
	domains := make(map[string]struct{})

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return domains
	}

	payload, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return domains
	}

	var claims struct {
		Domain json.RawMessage `json:"domain"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || len(claims.Domain) == 0 {
		return domains
	}

	var single string
	if err := json.Unmarshal(claims.Domain, &single); err == nil {
		addDomain(domains, single)
		return domains
	}

	var list []string
	if err := json.Unmarshal(claims.Domain, &list); err == nil {
		for _, d := range list {
			addDomain(domains, d)
		}
	}
	return domains
}

func addDomain(set map[string]struct{}, d string) {
	d = strings.ToLower(strings.TrimSpace(d))
	if d != "" {
		set[d] = struct{}{}
	}
}

// Verifier checks token signatures against a public key.
type Verifier struct {
	key     any
	methods []string
}

// LoadVerifier reads a PEM encoded RSA, ECDSA or Ed25519 public key.
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read verification key: %w", err)
	}
	return NewVerifier(data)
}

func NewVerifier(pemData []byte) (*Verifier, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pemData); err == nil {
		return &Verifier{key: key, methods: []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}}, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(pemData); err == nil {
		return &Verifier{key: key, methods: []string{"ES256", "ES384", "ES512"}}, nil
	}
	if key, err := jwt.ParseEdPublicKeyFromPEM(pemData); err == nil {
		return &Verifier{key: key, methods: []string{"EdDSA"}}, nil
	}
	return nil, fmt.Errorf("verification key is not an RSA, ECDSA or Ed25519 public key")
}

// Verify checks the signature and the registered time claims of token.
func (v *Verifier) Verify(token string) error {
	parser := jwt.NewParser(jwt.WithValidMethods(v.methods))
	_, err := parser.Parse(token, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	return err
}
