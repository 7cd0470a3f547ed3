package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Algorithm identifies a slow hash.
type Algorithm string

const (
	BCRYPT   Algorithm = "bcrypt"
	ARGON2ID Algorithm = "argon2id"
	SCRYPT   Algorithm = "scrypt"
	PBKDF2   Algorithm = "pbkdf2"
)

const (
	// saltSize is the size of the per-secret salt in bytes.
	saltSize = 16
	// keySize is the derived key length for the KDF based hashers.
	keySize = 32

	defaultBcryptCost   = 10
	defaultArgon2Time   = 2
	defaultArgon2Memory = 19 * 1024
	defaultArgon2Thread = 1
	defaultScryptLogN   = 15
	defaultScryptR      = 8
	defaultScryptP      = 1
	defaultPBKDF2Iter   = 210000
)

// HashParams selects an algorithm and its work factor. Zero values fall back
// to the defaults of the chosen algorithm.
type HashParams struct {
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`
	// Cost is the bcrypt cost, argon2 time, scrypt log2(N) or pbkdf2 iterations.
	Cost int `yaml:"cost" json:"cost,omitempty"`
	// Memory is the argon2 memory in KiB.
	Memory uint32 `yaml:"memory" json:"memory,omitempty"`
	// Threads is the argon2 parallelism.
	Threads uint8 `yaml:"threads" json:"threads,omitempty"`
}

// Hasher computes and verifies salted slow hashes.
type Hasher interface {
	Algorithm() Algorithm
	Hash(plaintext, salt []byte) ([]byte, error)
	// Verify reports whether candidate hashes to stored under salt. The
	// comparison does not leak the position of the first differing byte.
	Verify(candidate, salt, stored []byte) (bool, error)
}

// NewHasher builds the Hasher described by p.
func NewHasher(p HashParams) (Hasher, error) {
	alg := Algorithm(strings.ToLower(strings.TrimSpace(string(p.Algorithm))))
	if alg == "" {
		alg = BCRYPT
	}
	builder, ok := hasherRegistry[alg]
	if !ok {
		return nil, &ConfigError{Kind: ErrUnknownHash, Field: "hash.algorithm", Name: string(p.Algorithm)}
	}
	return builder(p)
}

// Work factor bounds. Anything below is a fast hash; anything above stalls
// the build.
const (
	maxBcryptCost    = 18
	minArgon2Time    = 1
	maxArgon2Time    = 10
	minArgon2Memory  = 1024
	maxArgon2Memory  = 1 << 20
	minScryptLogN    = 10
	maxScryptLogN    = 20
	minPBKDF2Iter    = 1000
	maxPBKDF2Iter    = 10_000_000
	fieldHashCost    = "hash.cost"
	fieldHashMemory  = "hash.memory"
	fieldHashThreads = "hash.threads"
)

// workFactor returns cost, or def when cost is zero, and fails unless the
// result lies in [lo, hi].
func workFactor(alg Algorithm, field string, cost, def, lo, hi int) (int, error) {
	if cost == 0 {
		cost = def
	}
	if cost < lo || cost > hi {
		return 0, &ConfigError{
			Kind:  fmt.Errorf("%w: %s %d not in [%d, %d]", ErrInvalidWorkFactor, alg, cost, lo, hi),
			Field: field,
		}
	}
	return cost, nil
}

var hasherRegistry = map[Algorithm]func(HashParams) (Hasher, error){
	BCRYPT: func(p HashParams) (Hasher, error) {
		cost, err := workFactor(BCRYPT, fieldHashCost, p.Cost, defaultBcryptCost, bcrypt.MinCost, maxBcryptCost)
		if err != nil {
			return nil, err
		}
		return &bcryptHasher{cost: cost}, nil
	},
	ARGON2ID: func(p HashParams) (Hasher, error) {
		t, err := workFactor(ARGON2ID, fieldHashCost, p.Cost, defaultArgon2Time, minArgon2Time, maxArgon2Time)
		if err != nil {
			return nil, err
		}
		mem, err := workFactor(ARGON2ID, fieldHashMemory, int(p.Memory), defaultArgon2Memory, minArgon2Memory, maxArgon2Memory)
		if err != nil {
			return nil, err
		}
		threads := p.Threads
		if threads == 0 {
			threads = defaultArgon2Thread
		}
		// argon2 needs at least 8 KiB per lane.
		if uint32(mem) < 8*uint32(threads) {
			return nil, &ConfigError{
				Kind:  fmt.Errorf("%w: %d threads need at least %d KiB", ErrInvalidWorkFactor, threads, 8*int(threads)),
				Field: fieldHashThreads,
			}
		}
		h := &kdfHasher{alg: ARGON2ID}
		h.derive = func(secret, salt []byte) ([]byte, error) {
			return argon2.IDKey(secret, salt, uint32(t), uint32(mem), threads, keySize), nil
		}
		return h, nil
	},
	SCRYPT: func(p HashParams) (Hasher, error) {
		logN, err := workFactor(SCRYPT, fieldHashCost, p.Cost, defaultScryptLogN, minScryptLogN, maxScryptLogN)
		if err != nil {
			return nil, err
		}
		n := 1 << logN
		h := &kdfHasher{alg: SCRYPT}
		h.derive = func(secret, salt []byte) ([]byte, error) {
			return scrypt.Key(secret, salt, n, defaultScryptR, defaultScryptP, keySize)
		}
		return h, nil
	},
	PBKDF2: func(p HashParams) (Hasher, error) {
		iter, err := workFactor(PBKDF2, fieldHashCost, p.Cost, defaultPBKDF2Iter, minPBKDF2Iter, maxPBKDF2Iter)
		if err != nil {
			return nil, err
		}
		h := &kdfHasher{alg: PBKDF2}
		h.derive = func(secret, salt []byte) ([]byte, error) {
			return pbkdf2.Key(secret, salt, iter, keySize, sha512.New), nil
		}
		return h, nil
	},
}

// newSalt returns saltSize bytes from crypto/rand.
func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	n, err := rand.Read(salt)
	if err != nil {
		return nil, fmt.Errorf("salt generation: %w", err)
	}
	if n != saltSize {
		return nil, errors.New("salt generation: short read")
	}
	return salt, nil
}

type kdfHasher struct {
	alg    Algorithm
	derive func(secret, salt []byte) ([]byte, error)
}

func (h *kdfHasher) Algorithm() Algorithm { return h.alg }

func (h *kdfHasher) Hash(plaintext, salt []byte) ([]byte, error) {
	key, err := h.derive(plaintext, salt)
	if err != nil {
		return nil, &hashError{algorithm: string(h.alg), err: err}
	}
	return key, nil
}

func (h *kdfHasher) Verify(candidate, salt, stored []byte) (bool, error) {
	key, err := h.Hash(candidate, salt)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(key, stored) == 1, nil
}

// bcryptHasher runs bcrypt over HMAC-SHA256(salt, plaintext). The prehash
// binds the per-secret salt and keeps the input under bcrypt's 72 byte limit.
type bcryptHasher struct {
	cost int
}

func (h *bcryptHasher) Algorithm() Algorithm { return BCRYPT }

func (h *bcryptHasher) Hash(plaintext, salt []byte) ([]byte, error) {
	out, err := bcrypt.GenerateFromPassword(prehash(plaintext, salt), h.cost)
	if err != nil {
		return nil, &hashError{algorithm: string(BCRYPT), err: err}
	}
	return out, nil
}

func (h *bcryptHasher) Verify(candidate, salt, stored []byte) (bool, error) {
	err := bcrypt.CompareHashAndPassword(stored, prehash(candidate, salt))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, &hashError{algorithm: string(BCRYPT), err: err}
	}
}

func prehash(plaintext, salt []byte) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte("secret-service-prehash-v1"))
	mac.Write(plaintext)
	return mac.Sum(nil)
}
