package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"user_service/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "user_service"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour

	clockSkew = 5 * time.Second
)

// Millisecond iat keeps tokens issued within the same second ordered.
func init() {
	jwt.TimePrecision = time.Millisecond
}

// ErrInvalidToken is the only error Validate returns for untrusted input.
var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Device string           `json:"device"`
	Kind   models.TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

type TokenCodec struct {
	issuer     string
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu         sync.Mutex
	lastIssued time.Time
}

type Option func(*TokenCodec)

func WithIssuer(issuer string) Option {
	return func(c *TokenCodec) {
		if strings.TrimSpace(issuer) != "" {
			c.issuer = issuer
		}
	}
}

func WithAccessTTL(ttl time.Duration) Option {
	return func(c *TokenCodec) {
		if ttl > 0 {
			c.accessTTL = ttl
		}
	}
}

func WithRefreshTTL(ttl time.Duration) Option {
	return func(c *TokenCodec) {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
	}
}

// WithRefreshKey signs refresh tokens with a key distinct from access tokens.
func WithRefreshKey(key []byte) Option {
	return func(c *TokenCodec) {
		if len(key) > 0 {
			c.refreshKey = key
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *TokenCodec) {
		if now != nil {
			c.now = now
		}
	}
}

func NewTokenCodec(accessKey []byte, opts ...Option) (*TokenCodec, error) {
	if len(accessKey) == 0 {
		return nil, errors.New("token signing key is required")
	}

	c := &TokenCodec{
		issuer:     defaultIssuer,
		accessKey:  accessKey,
		refreshKey: accessKey,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *TokenCodec) AccessTTL() time.Duration  { return c.accessTTL }
func (c *TokenCodec) RefreshTTL() time.Duration { return c.refreshTTL }

func (c *TokenCodec) IssueAccessToken(userID, device string) (models.Token, error) {
	return c.issue(models.AccessTokenKind, userID, device, c.clock())
}

func (c *TokenCodec) IssueRefreshToken(userID, device string) (models.Token, error) {
	return c.issue(models.RefreshTokenKind, userID, device, c.clock())
}

// IssueAccessRefreshPair issues both tokens from a single clock reading.
func (c *TokenCodec) IssueAccessRefreshPair(userID, device string) (models.TokenPair, error) {
	const op = "auth.IssueAccessRefreshPair"

	now := c.clock()

	access, err := c.issue(models.AccessTokenKind, userID, device, now)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	refresh, err := c.issue(models.RefreshTokenKind, userID, device, now)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.TokenPair{Access: access, Refresh: refresh}, nil
}

func (c *TokenCodec) issue(kind models.TokenKind, userID, device string, now time.Time) (models.Token, error) {
	if strings.TrimSpace(userID) == "" {
		return models.Token{}, errors.New("subject is required")
	}
	if strings.TrimSpace(device) == "" {
		return models.Token{}, errors.New("device is required")
	}

	ttl, key := c.accessTTL, c.accessKey
	if kind == models.RefreshTokenKind {
		ttl, key = c.refreshTTL, c.refreshKey
	}
	expiresAt := now.Add(ttl)

	claims := Claims{
		Device: device,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return models.Token{}, fmt.Errorf("sign %s token: %w", kind, err)
	}

	return models.Token{
		Value:     signed,
		ID:        claims.ID,
		Kind:      kind,
		Subject:   userID,
		Device:    device,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}

// Validate checks signature, issuer, timestamps and token kind.
// Every failure is reported as ErrInvalidToken.
func (c *TokenCodec) Validate(token string, kind models.TokenKind) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(*Claims)
		if !ok || claims.Kind != kind {
			return nil, ErrInvalidToken
		}
		if kind == models.RefreshTokenKind {
			return c.refreshKey, nil
		}
		return c.accessKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := c.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Subject validates an access token and returns the user it was issued to.
func (c *TokenCodec) Subject(token string) (string, error) {
	claims, err := c.Validate(token, models.AccessTokenKind)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (c *TokenCodec) validateClaims(claims *Claims) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.Device) == "" {
		return errors.New("device missing")
	}
	if claims.ID == "" {
		return errors.New("token id missing")
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return errors.New("timestamps missing")
	}
	now := c.now()
	if claims.IssuedAt.Time.After(now.Add(clockSkew)) {
		return errors.New("token issued in the future")
	}
	if !claims.ExpiresAt.Time.After(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// clock truncates to the precision JWT numeric dates carry so issued tokens
// report the same timestamps they encode. Readings never repeat or go
// backwards, so every token issued later carries a later IssuedAt.
func (c *TokenCodec) clock() time.Time {
	now := c.now().UTC().Truncate(jwt.TimePrecision)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !now.After(c.lastIssued) {
		now = c.lastIssued.Add(jwt.TimePrecision)
	}
	c.lastIssued = now

	return now
}
