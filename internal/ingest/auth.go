package ingest

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidKeyHash reports a stored API key digest that does not parse
// as an argon2id PHC string.
var ErrInvalidKeyHash = errors.New("ingest: malformed api key hash")

// Default argon2id parameters for newly issued key digests.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// argonDigest is one parsed stored hash with its own parameters, so
// digests issued under older settings keep verifying.
type argonDigest struct {
	time    uint32
	memory  uint32
	threads uint8
	salt    []byte
	hash    []byte
}

// KeyVerifier checks presented API keys against a set of argon2id
// digests. Verification is constant time per digest; any match passes.
type KeyVerifier struct {
	digests []argonDigest
}

// NewKeyVerifier parses the encoded digests up front so malformed
// configuration fails at startup instead of on the first request.
func NewKeyVerifier(encoded []string) (*KeyVerifier, error) {
	v := &KeyVerifier{digests: make([]argonDigest, 0, len(encoded))}
	for i, e := range encoded {
		d, err := parseDigest(e)
		if err != nil {
			return nil, fmt.Errorf("api key hash %d: %w", i, err)
		}
		v.digests = append(v.digests, d)
	}
	return v, nil
}

// Verify reports whether key matches any configured digest.
func (v *KeyVerifier) Verify(key string) bool {
	matched := false
	for _, d := range v.digests {
		derived := argon2.IDKey([]byte(key), d.salt, d.time, d.memory, d.threads, uint32(len(d.hash)))
		if subtle.ConstantTimeCompare(derived, d.hash) == 1 {
			matched = true
		}
	}
	return matched
}

// HashAPIKey issues a new argon2id digest for key in PHC string format,
// suitable for the auth.api_key_hashes configuration list.
func HashAPIKey(key string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// parseDigest decodes a PHC argon2id string:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func parseDigest(encoded string) (argonDigest, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return argonDigest{}, ErrInvalidKeyHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return argonDigest{}, ErrInvalidKeyHash
	}
	if version != argon2.Version {
		return argonDigest{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidKeyHash, version)
	}

	var d argonDigest
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &d.memory, &d.time, &d.threads); err != nil {
		return argonDigest{}, ErrInvalidKeyHash
	}
	if d.memory == 0 || d.time == 0 || d.threads == 0 {
		return argonDigest{}, ErrInvalidKeyHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return argonDigest{}, ErrInvalidKeyHash
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return argonDigest{}, ErrInvalidKeyHash
	}
	if len(salt) == 0 || len(hash) == 0 {
		return argonDigest{}, ErrInvalidKeyHash
	}

	d.salt = salt
	d.hash = hash
	return d, nil
}
