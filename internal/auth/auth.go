// Package auth authenticates registry callers.
//
// Authentication model:
// - Reads (items, tokens, admin): no auth required
// - Mutations: require a bearer JWT whose subject is the caller address
// - Tokens are issued by POST /v1/auth/token against an EIP-191 signature
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Errors
var (
	ErrNoToken          = errors.New("bearer token required")
	ErrInvalidToken     = errors.New("invalid or expired token")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleLogin       = errors.New("login timestamp outside allowed skew")
)

// LoginSkew bounds how far a login timestamp may drift from server time.
const LoginSkew = 5 * time.Minute

const issuer = "phraseclaim"

// Claims are the access token claims. Subject holds the caller address.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager issues and verifies access tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a manager signing HS256 tokens valid for ttl.
func NewManager(secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock replaces time.Now, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue returns a signed token for addr and its expiry.
func (m *Manager) Issue(addr common.Address) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(addr.Hex()),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses a token, with or without a "Bearer " prefix, and returns
// the caller address it was issued to.
func (m *Manager) Verify(raw string) (common.Address, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return common.Address{}, ErrNoToken
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return common.Address{}, ErrInvalidToken
	}

	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, ErrInvalidToken
	}
	addr := common.HexToAddress(claims.Subject)
	if addr == (common.Address{}) {
		return common.Address{}, ErrInvalidToken
	}
	return addr, nil
}

// Login checks that signature is addr's EIP-191 signature over
// LoginMessage(addr, timestamp) and issues a token.
func (m *Manager) Login(addr common.Address, timestamp int64, signature string) (string, time.Time, error) {
	skew := m.now().Sub(time.Unix(timestamp, 0))
	if skew < -LoginSkew || skew > LoginSkew {
		return "", time.Time{}, ErrStaleLogin
	}
	if err := VerifySignature(LoginMessage(addr, timestamp), signature, addr); err != nil {
		return "", time.Time{}, err
	}
	return m.Issue(addr)
}

// LoginMessage is the text a caller signs to obtain a token.
// Format: "phraseclaim|login|{address}|{timestamp}"
func LoginMessage(addr common.Address, timestamp int64) string {
	return "phraseclaim|login|" + strings.ToLower(addr.Hex()) + "|" + strconv.FormatInt(timestamp, 10)
}
