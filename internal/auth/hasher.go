package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	AlgorithmArgon2id = "argon2id"
	AlgorithmBcrypt   = "bcrypt"

	maxArgon2Memory = 4 * 1024 * 1024 // KiB
)

var (
	// ErrHashingFailure is returned when a hasher cannot be built or fails its
	// self-test. It is only ever raised at startup.
	ErrHashingFailure = errors.New("credential hashing unavailable")

	ErrPasswordTooLong = errors.New("password too long")

	errInvalidDigest = errors.New("invalid digest")
)

// CredentialHasher produces salted one-way digests of passwords.
// Matches must never panic and reports false for malformed digests.
type CredentialHasher interface {
	Hash(plaintext string) (string, error)
	Matches(plaintext, digest string) bool
}

type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (p Argon2Params) validate() error {
	switch {
	case p.Iterations < 1:
		return errors.New("iterations must be >= 1")
	case p.Parallelism < 1:
		return errors.New("parallelism must be >= 1")
	case p.Memory < 8*uint32(p.Parallelism) || p.Memory > maxArgon2Memory:
		return fmt.Errorf("memory %d KiB out of range", p.Memory)
	case p.KeyLength < 16:
		return errors.New("key length must be >= 16")
	case p.SaltLength < 8:
		return errors.New("salt length must be >= 8")
	}
	return nil
}

type Argon2Hasher struct {
	params Argon2Params
}

func NewArgon2Hasher(params Argon2Params) (*Argon2Hasher, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("%w: argon2id: %v", ErrHashingFailure, err)
	}
	return &Argon2Hasher{params: params}, nil
}

func (a *Argon2Hasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, a.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, a.params.Iterations, a.params.Memory, a.params.Parallelism, a.params.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		a.params.Memory,
		a.params.Iterations,
		a.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (a *Argon2Hasher) Matches(plaintext, digest string) bool {
	params, salt, key, err := decodeArgon2Digest(digest)
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(plaintext), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	return subtle.ConstantTimeCompare(key, computed) == 1
}

func decodeArgon2Digest(digest string) (Argon2Params, []byte, []byte, error) {
	var params Argon2Params

	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != AlgorithmArgon2id {
		return params, nil, nil, errInvalidDigest
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return params, nil, nil, errInvalidDigest
	}

	var p uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &p); err != nil {
		return params, nil, nil, errInvalidDigest
	}
	if p > 255 {
		return params, nil, nil, errInvalidDigest
	}
	params.Parallelism = uint8(p)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, errInvalidDigest
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, errInvalidDigest
	}

	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))

	// argon2.IDKey panics on zero rounds or threads, so bad parameters must
	// be rejected before recomputing.
	if err := params.validate(); err != nil {
		return params, nil, nil, errInvalidDigest
	}

	return params, salt, key, nil
}

type HasherConfig struct {
	Algorithm  string
	Argon2     Argon2Params
	BcryptCost int
}

// DigestHasher hashes with the configured algorithm and verifies digests of
// any supported algorithm by their prefix, so stored digests survive an
// algorithm switch.
type DigestHasher struct {
	primary CredentialHasher
	argon2  *Argon2Hasher
	bcrypt  *BcryptHasher
	dummy   string
}

// NewDigestHasher builds the hasher and runs a hash/match self-test.
// Any error wraps ErrHashingFailure.
func NewDigestHasher(cfg HasherConfig) (*DigestHasher, error) {
	const op = "auth.NewDigestHasher"

	argon, err := NewArgon2Hasher(cfg.Argon2)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	bc, err := NewBcryptHasher(cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	h := &DigestHasher{argon2: argon, bcrypt: bc}
	switch cfg.Algorithm {
	case AlgorithmArgon2id, "":
		h.primary = argon
	case AlgorithmBcrypt:
		h.primary = bc
	default:
		return nil, fmt.Errorf("%s: %w: unknown algorithm %q", op, ErrHashingFailure, cfg.Algorithm)
	}

	probe, err := RandomString(24)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrHashingFailure, err)
	}
	dummy, err := h.primary.Hash(probe)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrHashingFailure, err)
	}
	if !h.Matches(probe, dummy) || h.Matches(probe+"x", dummy) {
		return nil, fmt.Errorf("%s: %w: self-test failed", op, ErrHashingFailure)
	}
	h.dummy = dummy

	return h, nil
}

func (h *DigestHasher) Hash(plaintext string) (string, error) {
	return h.primary.Hash(plaintext)
}

func (h *DigestHasher) Matches(plaintext, digest string) bool {
	switch {
	case strings.HasPrefix(digest, "$argon2id$"):
		return h.argon2.Matches(plaintext, digest)
	case strings.HasPrefix(digest, "$2a$"), strings.HasPrefix(digest, "$2b$"), strings.HasPrefix(digest, "$2y$"):
		return h.bcrypt.Matches(plaintext, digest)
	default:
		return false
	}
}

// DummyDigest is a valid digest of a random secret. Matching against it costs
// the same as matching a real account.
func (h *DigestHasher) DummyDigest() string {
	return h.dummy
}
