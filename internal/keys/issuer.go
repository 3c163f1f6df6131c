// Package keys provides API key generation, hashing and verification.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidLength is returned when a non-positive key length is requested.
	ErrInvalidLength = errors.New("key length must be positive")

	// ErrEmptyCharset is returned when the charset is empty.
	ErrEmptyCharset = errors.New("charset must not be empty")

	// ErrInvalidMetadata is returned when key metadata fails validation.
	ErrInvalidMetadata = errors.New("invalid key metadata")

	// ErrUnknownAlgorithm is returned when a record carries an unsupported
	// hash-scheme version.
	ErrUnknownAlgorithm = errors.New("unknown verifier algorithm")
)

// Verifier algorithm versions. Legacy records hash with plain SHA-256 over
// salt||secret; current records use PBKDF2-HMAC-SHA256. Validating a legacy
// record still succeeds, but the record is flagged for rotation.
const (
	AlgoVersionLegacy  = 1
	AlgoVersionCurrent = 2
)

// Defaults for key generation.
const (
	DefaultKeyLength = 32
	DefaultPrefix    = "dshield_"
	DefaultCharset   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	saltLength       = 16
	pbkdf2Iterations = 100000
	digestLength     = 32
)

// IssuerTag identifies records generated by this issuer in metadata.
const IssuerTag = "dshield-gate"

// metadataSchemaVersion tags the metadata layout for forward migration.
const metadataSchemaVersion = "2"

// Permissions is the capability set attached to an API key.
type Permissions struct {
	CanRead            bool     `json:"can_read" yaml:"can_read"`
	CanWrite           bool     `json:"can_write" yaml:"can_write"`
	CanAdmin           bool     `json:"can_admin" yaml:"can_admin"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" validate:"gte=0"`
	AllowedTools       []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	DeniedTools        []string `json:"denied_tools,omitempty" yaml:"denied_tools,omitempty"`
}

// DefaultPermissions returns the capability set granted when none is given.
func DefaultPermissions() Permissions {
	return Permissions{
		CanRead:            true,
		CanWrite:           false,
		CanAdmin:           false,
		RateLimitPerMinute: 60,
	}
}

// ToolAllowed reports whether the capability set permits the named tool.
// An explicit deny always wins; an empty allow-list means "allow all except
// denied"; otherwise the tool must appear in the allow-list.
func (p Permissions) ToolAllowed(tool string) bool {
	for _, t := range p.DeniedTools {
		if t == tool {
			return false
		}
	}
	if len(p.AllowedTools) == 0 {
		return true
	}
	for _, t := range p.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// APIKeyRecord is the identity and capability record for a credential.
// The plaintext secret is returned to the caller exactly once at creation
// or rotation time; only the salted verifier persists.
type APIKeyRecord struct {
	KeyID         string            `json:"key_id"`
	Verifier      string            `json:"verifier"` // hex digest over salt||secret
	Salt          string            `json:"salt"`     // hex
	AlgoVersion   int               `json:"algo_version"`
	Name          string            `json:"name"`
	Permissions   Permissions       `json:"permissions"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"` // nil = never expires
	LastUsed      time.Time         `json:"last_used,omitzero"`
	UsageCount    int64             `json:"usage_count"`
	IsActive      bool              `json:"is_active"`
	NeedsRotation bool              `json:"needs_rotation"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the record's expiry has passed. A record with
// expires_at in the past is never valid regardless of is_active.
func (r *APIKeyRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Valid reports whether the record may authenticate at the given instant.
func (r *APIKeyRecord) Valid(now time.Time) bool {
	return r.IsActive && !r.Expired(now)
}

// HashedKey is the result of hashing a secret.
type HashedKey struct {
	Hash        string // hex
	Salt        string // hex
	AlgoVersion int
}

// Issuer generates and verifies API key credentials. It performs no I/O
// beyond consuming cryptographic randomness.
type Issuer struct {
	validate  *validator.Validate
	keyLength int
	charset   string
	prefix    string
}

// NewIssuer creates a credential issuer with the package defaults.
func NewIssuer() *Issuer {
	return NewIssuerWithDefaults(DefaultKeyLength, DefaultCharset, DefaultPrefix)
}

// NewIssuerWithDefaults creates an issuer whose generated secrets use the
// given length, charset and prefix. A non-positive length or empty charset
// falls back to the package default; an empty prefix is kept as given.
func NewIssuerWithDefaults(length int, charset, prefix string) *Issuer {
	if length <= 0 {
		length = DefaultKeyLength
	}
	if charset == "" {
		charset = DefaultCharset
	}
	return &Issuer{
		validate:  validator.New(),
		keyLength: length,
		charset:   charset,
		prefix:    prefix,
	}
}

// GenerateDefaultKey draws a secret using the issuer's configured length,
// charset and prefix.
func (i *Issuer) GenerateDefaultKey() (string, error) {
	return i.GenerateKey(i.keyLength, i.charset, i.prefix)
}

// GenerateKey draws length characters from charset using crypto/rand and
// prepends prefix. An empty charset or non-positive length is rejected.
func (i *Issuer) GenerateKey(length int, charset, prefix string) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}
	if charset == "" {
		return "", ErrEmptyCharset
	}

	max := big.NewInt(int64(len(charset)))
	buf := make([]byte, length)
	for n := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random source failed: %w", err)
		}
		buf[n] = charset[idx.Int64()]
	}

	return prefix + string(buf), nil
}

// HashKey computes a salted one-way digest of secret using the current
// scheme. If salt is nil a random salt is generated. Deterministic for a
// fixed salt.
func (i *Issuer) HashKey(secret string, salt []byte) (HashedKey, error) {
	if salt == nil {
		salt = make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return HashedKey{}, fmt.Errorf("salt generation failed: %w", err)
		}
	}

	digest := digestSecret(secret, salt, AlgoVersionCurrent)

	return HashedKey{
		Hash:        hex.EncodeToString(digest),
		Salt:        hex.EncodeToString(salt),
		AlgoVersion: AlgoVersionCurrent,
	}, nil
}

// VerifyKey recomputes the digest for the given scheme version and compares
// in constant time. The comparison never leaks where a mismatch occurs.
func (i *Issuer) VerifyKey(secret, hashHex, saltHex string, algoVersion int) (bool, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false, fmt.Errorf("malformed salt: %w", err)
	}
	expected, err := hex.DecodeString(hashHex)
	if err != nil {
		return false, fmt.Errorf("malformed hash: %w", err)
	}
	if algoVersion != AlgoVersionLegacy && algoVersion != AlgoVersionCurrent {
		return false, fmt.Errorf("%w: version %d", ErrUnknownAlgorithm, algoVersion)
	}

	digest := digestSecret(secret, salt, algoVersion)
	return subtle.ConstantTimeCompare(digest, expected) == 1, nil
}

func digestSecret(secret string, salt []byte, algoVersion int) []byte {
	if algoVersion == AlgoVersionLegacy {
		h := sha256.New()
		h.Write(salt)
		h.Write([]byte(secret))
		return h.Sum(nil)
	}
	return pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, digestLength, sha256.New)
}

// keyMetadataInput is the validated input for GenerateKeyWithMetadata.
type keyMetadataInput struct {
	Name           string `validate:"required,min=1,max=128"`
	ExpirationDays int    `validate:"gte=0"`
	RateLimit      int    `validate:"gte=0"`
}

// GenerateKeyWithMetadata creates a full key record plus its plaintext
// secret. The secret is not retained; callers must deliver it to the client
// immediately. expirationDays and rateLimit are optional (0 = default).
func (i *Issuer) GenerateKeyWithMetadata(name string, perms Permissions, expirationDays, rateLimit int) (*APIKeyRecord, string, error) {
	input := keyMetadataInput{Name: name, ExpirationDays: expirationDays, RateLimit: rateLimit}
	if err := i.validate.Struct(input); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := i.validate.Struct(perms); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	secret, err := i.GenerateDefaultKey()
	if err != nil {
		return nil, "", err
	}

	hashed, err := i.HashKey(secret, nil)
	if err != nil {
		return nil, "", err
	}

	if rateLimit > 0 {
		perms.RateLimitPerMinute = rateLimit
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if expirationDays > 0 {
		t := now.AddDate(0, 0, expirationDays)
		expiresAt = &t
	}

	record := &APIKeyRecord{
		KeyID:       uuid.NewString(),
		Verifier:    hashed.Hash,
		Salt:        hashed.Salt,
		AlgoVersion: hashed.AlgoVersion,
		Name:        name,
		Permissions: perms,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		IsActive:    true,
		Metadata: map[string]string{
			"issuer":         IssuerTag,
			"schema_version": metadataSchemaVersion,
			"generated_at":   now.Format(time.RFC3339),
		},
	}

	return record, secret, nil
}
