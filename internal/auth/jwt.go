package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// OwnerIDKey stores the authenticated owner id in a request context
const OwnerIDKey contextKey = "owner_id"

// OwnerHeader carries an owner id set by a trusted proxy that already verified the token
const OwnerHeader = "X-Owner-Id"

// JWTValidator verifies RS256 owner tokens
type JWTValidator struct {
	publicKey        atomic.Pointer[rsa.PublicKey]
	issuer           string
	audience         string
	trustProxyHeader bool
}

// NewJWTValidator creates a validator from a PEM encoded RSA public key (PKCS1 or PKIX)
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	publicKey, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return NewJWTValidatorFromKey(publicKey, issuer, audience), nil
}

// ParsePublicKeyPEM decodes an RSA public key in PKCS1 or PKIX form
func ParsePublicKeyPEM(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}

		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}
	return publicKey, nil
}

// NewJWTValidatorFromKey creates a validator for an already parsed key, e.g. one from FetchJWKS
func NewJWTValidatorFromKey(publicKey *rsa.PublicKey, issuer, audience string) *JWTValidator {
	v := &JWTValidator{issuer: issuer, audience: audience}
	v.publicKey.Store(publicKey)
	return v
}

// SetKey swaps the verification key; tokens signed by the old key stop validating
func (v *JWTValidator) SetKey(publicKey *rsa.PublicKey) {
	v.publicKey.Store(publicKey)
}

// TrustProxyHeader makes the middleware accept X-Owner-Id without a token.
// Only enable behind a proxy that strips the header from client requests.
func (v *JWTValidator) TrustProxyHeader(trust bool) *JWTValidator {
	v.trustProxyHeader = trust
	return v
}

// ValidateToken validates a JWT and returns the owner id from its sub claim
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey.Load(), nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	ownerID, err := token.Claims.GetSubject()
	if err != nil || ownerID == "" {
		return "", fmt.Errorf("missing or invalid sub claim")
	}
	return ownerID, nil
}

// HTTPMiddleware rejects requests without a valid bearer token and stores the
// owner id in the request context for downstream handlers.
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.trustProxyHeader {
			if ownerID := r.Header.Get(OwnerHeader); ownerID != "" {
				next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		ownerID, err := v.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
	})
}

// WithOwner returns a copy of ctx carrying ownerID
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerIDKey, ownerID)
}

// OwnerFromContext extracts the owner id stored by HTTPMiddleware
func OwnerFromContext(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(OwnerIDKey).(string)
	return ownerID, ok && ownerID != ""
}

// JSONWebKeySet represents a JWKS response
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey represents a single RSA key in a JWKS
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewJSONWebKey encodes an RSA public key as a JWK
func NewJSONWebKey(kid string, pub *rsa.PublicKey) JSONWebKey {
	return JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// RSAPublicKey decodes the modulus and exponent of an RSA JWK
func (k JSONWebKey) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("invalid RSA key parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// FetchJWKS fetches a JWKS document and returns the key with the given kid,
// or the first signing key when kid is empty.
func FetchJWKS(ctx context.Context, client *http.Client, jwksURL, kid string) (*rsa.PublicKey, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	for _, k := range jwks.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if kid == "" || k.Kid == kid {
			return k.RSAPublicKey()
		}
	}
	return nil, fmt.Errorf("no matching key found in JWKS")
}
