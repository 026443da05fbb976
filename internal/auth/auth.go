// Package auth provides operator authentication for sybilguard.
//
// Authentication model:
// - Admin endpoints (scores, overrides, audit): require a per-operator key
// - Fingerprint ingestion: requires the shared ingest key
// - Health and metrics: no auth required
//
// Operator keys are static configuration. Only their SHA-256 hashes are held
// in memory and compared in constant time.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// AdminOperator is the operator name the legacy ADMIN_SECRET maps to.
const AdminOperator = "admin"

type operatorKey struct {
	name string
	hash []byte
}

// Keyring resolves raw keys to operator names.
type Keyring struct {
	keys      []operatorKey
	anonymous string
}

// NewKeyring builds a keyring from operator name -> raw key. A non-empty
// adminSecret is added as operator "admin" unless that name is already taken.
func NewKeyring(operators map[string]string, adminSecret string) *Keyring {
	k := &Keyring{}
	names := make([]string, 0, len(operators))
	for name := range operators {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		k.add(name, operators[name])
	}
	if adminSecret != "" {
		if _, taken := operators[AdminOperator]; !taken {
			k.add(AdminOperator, adminSecret)
		}
	}
	return k
}

// WithAnonymous lets unauthenticated requests through as the named operator.
// Development only; callers must never enable it in production.
func (k *Keyring) WithAnonymous(name string) *Keyring {
	k.anonymous = name
	return k
}

func (k *Keyring) add(name, raw string) {
	if raw == "" {
		return
	}
	k.keys = append(k.keys, operatorKey{name: name, hash: hashKey(raw)})
}

// Len returns the number of configured keys.
func (k *Keyring) Len() int {
	return len(k.keys)
}

// Operators returns the configured operator names, sorted.
func (k *Keyring) Operators() []string {
	out := make([]string, 0, len(k.keys))
	for _, entry := range k.keys {
		out = append(out, entry.name)
	}
	sort.Strings(out)
	return out
}

// Authenticate returns the operator that owns rawKey. Every configured key
// is compared so timing does not depend on which one matched.
func (k *Keyring) Authenticate(rawKey string) (string, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return "", ErrNoAPIKey
	}

	h := hashKey(rawKey)
	match := ""
	for _, entry := range k.keys {
		if subtle.ConstantTimeCompare(h, entry.hash) == 1 {
			match = entry.name
		}
	}
	if match == "" {
		return "", ErrInvalidAPIKey
	}
	return match, nil
}

// MatchShared compares a raw key against a single shared secret.
func MatchShared(rawKey, secret string) bool {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare(hashKey(rawKey), hashKey(secret)) == 1
}

func hashKey(raw string) []byte {
	h := sha256.Sum256([]byte(raw))
	return h[:]
}

// Fingerprint returns a short non-reversible tag for a key, for logs.
func Fingerprint(raw string) string {
	return hex.EncodeToString(hashKey(raw))[:12]
}
