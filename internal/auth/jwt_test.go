package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "harbormail"
	testAudience = "harbormail-api"
)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func publicPEM(t *testing.T, key *rsa.PrivateKey, pkix bool) string {
	t.Helper()
	if !pkix {
		return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)}))
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestNewJWTValidator(t *testing.T) {
	key := newTestKey(t)

	tests := []struct {
		name         string
		publicKeyPEM string
		expectError  bool
	}{
		{name: "invalid PEM format", publicKeyPEM: "invalid-pem", expectError: true},
		{name: "empty PEM", publicKeyPEM: "", expectError: true},
		{name: "garbage inside PEM block", publicKeyPEM: "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n", expectError: true},
		{name: "PKCS1 public key", publicKeyPEM: publicPEM(t, key, false)},
		{name: "PKIX public key", publicKeyPEM: publicPEM(t, key, true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewJWTValidator(tt.publicKeyPEM, testIssuer, testAudience)
			if tt.expectError {
				if err == nil {
					t.Error("NewJWTValidator() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() unexpected error: %v", err)
			}
			if v.issuer != testIssuer || v.audience != testAudience {
				t.Errorf("NewJWTValidator() issuer/audience = %q/%q", v.issuer, v.audience)
			}
		})
	}
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	key := newTestKey(t)
	other := newTestKey(t)
	v := NewJWTValidatorFromKey(&key.PublicKey, testIssuer, testAudience)

	expired := validClaims("owner-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExp := validClaims("owner-1")
	noExp.ExpiresAt = nil

	wrongIss := validClaims("owner-1")
	wrongIss.Issuer = "someone-else"

	wrongAud := validClaims("owner-1")
	wrongAud.Audience = jwt.ClaimStrings{"other-api"}

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("owner-1")).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		token       string
		wantOwner   string
		expectError bool
	}{
		{name: "valid token", token: signToken(t, key, validClaims("owner-1")), wantOwner: "owner-1"},
		{name: "signed by another key", token: signToken(t, other, validClaims("owner-1")), expectError: true},
		{name: "expired", token: signToken(t, key, expired), expectError: true},
		{name: "missing expiry", token: signToken(t, key, noExp), expectError: true},
		{name: "wrong issuer", token: signToken(t, key, wrongIss), expectError: true},
		{name: "wrong audience", token: signToken(t, key, wrongAud), expectError: true},
		{name: "missing subject", token: signToken(t, key, validClaims("")), expectError: true},
		{name: "HMAC algorithm rejected", token: hs, expectError: true},
		{name: "malformed token", token: "not.a.jwt", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, err := v.ValidateToken(tt.token)
			if tt.expectError {
				if err == nil {
					t.Errorf("ValidateToken() expected error, got owner %q", owner)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken() unexpected error: %v", err)
			}
			if owner != tt.wantOwner {
				t.Errorf("ValidateToken() = %q, want %q", owner, tt.wantOwner)
			}
		})
	}
}

func TestJWTValidator_HTTPMiddleware(t *testing.T) {
	key := newTestKey(t)
	token := signToken(t, key, validClaims("owner-42"))

	tests := []struct {
		name           string
		trustProxy     bool
		headers        map[string]string
		expectedStatus int
		expectedOwner  string
	}{
		{
			name:           "valid bearer token",
			headers:        map[string]string{"Authorization": "Bearer " + token},
			expectedStatus: http.StatusOK,
			expectedOwner:  "owner-42",
		},
		{
			name:           "missing authorization header",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "authorization without bearer prefix",
			headers:        map[string]string{"Authorization": token},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid token",
			headers:        map[string]string{"Authorization": "Bearer nope"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "proxy header ignored unless trusted",
			headers:        map[string]string{OwnerHeader: "spoofed"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "proxy header accepted when trusted",
			trustProxy:     true,
			headers:        map[string]string{OwnerHeader: "proxied-owner"},
			expectedStatus: http.StatusOK,
			expectedOwner:  "proxied-owner",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewJWTValidatorFromKey(&key.PublicKey, testIssuer, testAudience).TrustProxyHeader(tt.trustProxy)

			var gotOwner string
			handler := v.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotOwner, _ = OwnerFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/admin/newsletters", nil)
			for k, val := range tt.headers {
				req.Header.Set(k, val)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("HTTPMiddleware() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if gotOwner != tt.expectedOwner {
				t.Errorf("HTTPMiddleware() owner = %q, want %q", gotOwner, tt.expectedOwner)
			}
		})
	}
}

func TestOwnerFromContext(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		expected string
		ok       bool
	}{
		{name: "owner present", ctx: WithOwner(context.Background(), "u1"), expected: "u1", ok: true},
		{name: "owner missing", ctx: context.Background()},
		{name: "empty owner", ctx: WithOwner(context.Background(), "")},
		{name: "wrong type", ctx: context.WithValue(context.Background(), OwnerIDKey, 42)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := OwnerFromContext(tt.ctx)
			if got != tt.expected || ok != tt.ok {
				t.Errorf("OwnerFromContext() = (%q, %v), want (%q, %v)", got, ok, tt.expected, tt.ok)
			}
		})
	}
}

func TestJSONWebKey_RoundTrip(t *testing.T) {
	key := newTestKey(t)
	jwk := NewJSONWebKey("k1", &key.PublicKey)

	if jwk.E != "AQAB" {
		t.Errorf("NewJSONWebKey() E = %q, want AQAB", jwk.E)
	}

	pub, err := jwk.RSAPublicKey()
	if err != nil {
		t.Fatalf("RSAPublicKey() error: %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Error("RSAPublicKey() did not reproduce the original key")
	}

	bad := []JSONWebKey{
		{Kty: "EC", N: jwk.N, E: jwk.E},
		{Kty: "RSA", N: "!!", E: jwk.E},
		{Kty: "RSA", N: jwk.N, E: "!!"},
		{Kty: "RSA", N: "", E: jwk.E},
	}
	for _, k := range bad {
		if _, err := k.RSAPublicKey(); err == nil {
			t.Errorf("RSAPublicKey(%+v) expected error", k)
		}
	}
}

func TestFetchJWKS(t *testing.T) {
	key := newTestKey(t)
	second := newTestKey(t)

	tests := []struct {
		name          string
		kid           string
		handler       http.HandlerFunc
		want          *rsa.PublicKey
		errorContains string
	}{
		{
			name: "first signing key when kid is empty",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{
					{Kty: "RSA", Use: "enc", Kid: "enc-key", N: "AQAB", E: "AQAB"},
					NewJSONWebKey("k1", &key.PublicKey),
				}})
			},
			want: &key.PublicKey,
		},
		{
			name: "select by kid",
			kid:  "k2",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{
					NewJSONWebKey("k1", &key.PublicKey),
					NewJSONWebKey("k2", &second.PublicKey),
				}})
			},
			want: &second.PublicKey,
		},
		{
			name:          "endpoint returns 404",
			handler:       http.NotFound,
			errorContains: "JWKS endpoint returned status 404",
		},
		{
			name: "invalid JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("invalid-json"))
			},
			errorContains: "failed to decode JWKS",
		},
		{
			name: "empty key set",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(JSONWebKeySet{})
			},
			errorContains: "no matching key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			got, err := FetchJWKS(context.Background(), server.Client(), server.URL, tt.kid)
			if tt.errorContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("FetchJWKS() error = %v, want to contain %q", err, tt.errorContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchJWKS() unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Error("FetchJWKS() returned the wrong key")
			}
		})
	}
}

func TestFetchJWKS_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := FetchJWKS(context.Background(), nil, url, "")
	if err == nil || !strings.Contains(err.Error(), "failed to fetch JWKS") {
		t.Errorf("FetchJWKS() error = %v, want to contain 'failed to fetch JWKS'", err)
	}
}
