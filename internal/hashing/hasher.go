package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"smsup-service/internal/config"
	"smsup-service/internal/util"

	"golang.org/x/crypto/argon2"
)

const algorithm = "argon2id-v1"

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

// Hasher hashes OTP codes with argon2id. The pepper comes from configuration
// so every instance of the service can verify codes hashed by another.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	oldPeppers    []*Pepper
	mu            sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}
	if params.Memory == 0 {
		params.Memory = 64 * 1024
	}
	if params.Iterations == 0 {
		params.Iterations = 1
	}
	if params.Parallelism == 0 {
		params.Parallelism = 2
	}

	version := cfg.Hashing.PepperVersion
	if version <= 0 {
		version = 1
	}

	h := &Hasher{
		params: params,
		currentPepper: &Pepper{
			Value:     cfg.Hashing.Pepper,
			CreatedAt: time.Now().UTC(),
			Version:   version,
		},
	}
	if prev := cfg.Hashing.PreviousPepper; prev != "" && version > 1 {
		h.currentPepper = &Pepper{Value: prev, CreatedAt: time.Now().UTC(), Version: version - 1}
		h.RotatePepper(cfg.Hashing.Pepper)
	}
	return h
}

// RotatePepper makes value the current pepper. Hashes produced under the
// previous pepper stay verifiable.
func (h *Hasher) RotatePepper(value string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.oldPeppers = append(h.oldPeppers, h.currentPepper)
	if len(h.oldPeppers) > 2 {
		h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
	}
	h.currentPepper = &Pepper{
		Value:     value,
		CreatedAt: time.Now().UTC(),
		Version:   h.currentPepper.Version + 1,
	}

	util.Info("Pepper rotated",
		util.Int("version", h.currentPepper.Version),
		util.Time("created_at", h.currentPepper.CreatedAt),
	)
	return h.currentPepper.Version
}

func (h *Hasher) HashOTP(otp string) (*HashResult, error) {
	return h.hashWithPepper(otp, "otp")
}

func (h *Hasher) VerifyOTP(otp string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(otp, hashResult, "otp")
}

func (h *Hasher) hashWithPepper(data, purpose string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Purpose suffix keeps hashes from being reused across contexts.
	hash := argon2.IDKey(
		[]byte(data+pepper.Value+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     algorithm,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, purpose string) (bool, error) {
	if hashResult == nil {
		return false, ErrInvalidHash
	}
	if hashResult.Algorithm != algorithm {
		return false, ErrIncompatibleVersion
	}

	pepper, err := h.getPepper(hashResult.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expectedHash, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil || len(expectedHash) == 0 {
		return false, ErrInvalidHash
	}

	computedHash := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expectedHash)),
	)

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}
	for _, pepper := range h.oldPeppers {
		if pepper.Version == version {
			return pepper.Value, nil
		}
	}
	return "", ErrUnknownPepper
}

// Encode packs the result into the single column stored with a session:
// algorithm$pepperVersion$salt$hash.
func (r *HashResult) Encode() string {
	return strings.Join([]string{r.Algorithm, strconv.Itoa(r.PepperVersion), r.Salt, r.Hash}, "$")
}

func ParseHashResult(encoded string) (*HashResult, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 {
		return nil, ErrInvalidHash
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, ErrInvalidHash
	}
	return &HashResult{
		Algorithm:     parts[0],
		PepperVersion: version,
		Salt:          parts[2],
		Hash:          parts[3],
	}, nil
}
