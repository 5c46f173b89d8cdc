package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_mail/internal/auth"
	"github.com/austindbirch/harbor_mail/internal/config"
	"github.com/austindbirch/harbor_mail/internal/logging"
)

const (
	keyID      = "harbormail-key-1"
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

// tokenServer mints owner tokens for local development and publishes the
// verifying key as a JWKS
type tokenServer struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	now      func() time.Time
}

type tokenRequest struct {
	OwnerID    string `json:"owner_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("token-server", os.Stdout, cfg.LogLevel)

	key, generated, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to load signing key")
	}
	if generated {
		logger.Plain().Warn("JWT_PRIVATE_KEY not set, generated an ephemeral signing key")
	}

	ts := &tokenServer{key: key, issuer: cfg.Auth.Issuer, audience: cfg.Auth.Audience, now: time.Now}

	addr := ":" + getenv("PORT", "8082")
	logger.Plain().WithFields(map[string]any{
		"addr": addr,
		"jwks": "/.well-known/jwks.json",
	}).Info("token server starting")
	srv := &http.Server{Addr: addr, Handler: ts.routes(), ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("token server failed")
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadKey parses a PKCS1 PEM private key, or generates one when pemKey is empty
func loadKey(pemKey string) (*rsa.PrivateKey, bool, error) {
	if pemKey == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, false, fmt.Errorf("generate RSA key: %w", err)
		}
		return key, true, nil
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("parse private key: %w", err)
	}
	return key, false, nil
}

func (s *tokenServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *tokenServer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	// Cache for 5 minutes
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.NewJSONWebKey(keyID, &s.key.PublicKey)}})
}

func (s *tokenServer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	ttl := defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	token, err := s.mint(req.OwnerID, ttl)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresIn: int(ttl.Seconds()), TokenType: "Bearer"})
}

func (s *tokenServer) mint(owner string, ttl time.Duration) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		Subject:   owner,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	token.Header["kid"] = keyID
	return token.SignedString(s.key)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
