package hashing

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"zerotrust-service/internal/config"
)

var ErrUnknownKeyVersion = errors.New("fingerprint hash key version not found")

// Hasher derives the deterministic lookup hash for device fingerprints.
// Raw client signals never hit a queryable column; only this keyed digest
// does. The digest must be stable across requests, so key material is
// version-tagged rather than rotated destructively: old versions stay
// loadable for devices hashed under them.
type Hasher struct {
	currentVersion int
	keys           map[int][]byte
	mu             sync.RWMutex
}

func NewHasher(cfg *config.Config) *Hasher {
	h := &Hasher{
		currentVersion: cfg.Fingerprint.HashKeyVersion,
		keys:           make(map[int][]byte),
	}
	h.keys[cfg.Fingerprint.HashKeyVersion] = deriveKey(cfg.Fingerprint.HashKey)
	return h
}

// AddKeyVersion registers older key material so historical lookup hashes
// remain computable during a key migration.
func (h *Hasher) AddKeyVersion(version int, secret string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys[version] = deriveKey(secret)
}

// FingerprintHash returns the keyed digest of raw fingerprint signals under
// the current key, prefixed with the key version ("v1$...").
func (h *Hasher) FingerprintHash(rawSignals string) (string, error) {
	h.mu.RLock()
	version := h.currentVersion
	key := h.keys[version]
	h.mu.RUnlock()

	digest, err := keyedDigest(key, rawSignals)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d$%s", version, digest), nil
}

// FingerprintHashVersion computes the digest under a specific key version.
func (h *Hasher) FingerprintHashVersion(rawSignals string, version int) (string, error) {
	h.mu.RLock()
	key, ok := h.keys[version]
	h.mu.RUnlock()
	if !ok {
		return "", ErrUnknownKeyVersion
	}

	digest, err := keyedDigest(key, rawSignals)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d$%s", version, digest), nil
}

func keyedDigest(key []byte, data string) (string, error) {
	mac, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("failed to build keyed hash: %w", err)
	}
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// deriveKey stretches the configured secret to blake2b's key size.
func deriveKey(secret string) []byte {
	sum := blake2b.Sum256([]byte(secret))
	return sum[:]
}
