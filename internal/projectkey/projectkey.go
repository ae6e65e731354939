// Package projectkey generates and validates the capability credentials
// client applications present when reporting events.
package projectkey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"querymon/services/orchestrator/internal/store"
)

const (
	livePrefix = "qm_live_"
	// testPrefix is reserved for sandbox keys.
	testPrefix = "qm_test_"

	randomByteCount = 24
	bcryptCost      = 10
)

// Pair is a freshly generated key. PlainKey is shown to the caller
// exactly once; only the hash and the masked form are stored.
type Pair struct {
	PlainKey  string
	HashedKey string
	MaskedKey string
}

func Generate() (Pair, error) {
	buffer := make([]byte, randomByteCount)
	if _, err := rand.Read(buffer); err != nil {
		return Pair{}, fmt.Errorf("generate key material: %w", err)
	}
	plainKey := livePrefix + hex.EncodeToString(buffer)

	hashed, err := bcrypt.GenerateFromPassword([]byte(plainKey), bcryptCost)
	if err != nil {
		return Pair{}, fmt.Errorf("hash key: %w", err)
	}

	return Pair{
		PlainKey:  plainKey,
		HashedKey: string(hashed),
		MaskedKey: Mask(plainKey),
	}, nil
}

// Mask keeps the first and last four characters visible.
func Mask(plainKey string) string {
	if len(plainKey) <= 8 {
		return plainKey
	}
	return plainKey[:4] + strings.Repeat("*", len(plainKey)-8) + plainKey[len(plainKey)-4:]
}

// KeyLister is the slice of the store the validator needs.
type KeyLister interface {
	ListProjectKeys(ctx context.Context, projectID string) ([]store.ProjectKey, error)
	TouchProjectKey(ctx context.Context, keyID string) error
}

type Validator struct {
	keys KeyLister
}

func NewValidator(keys KeyLister) *Validator {
	return &Validator{keys: keys}
}

// Validate compares the presented plain key against every stored hash
// for the claimed project and returns the first match, or nil when none
// match. Only a hash is stored, so this is an O(keys-per-project) scan;
// bcrypt's comparison is constant-time per hash. Acceptable while key
// counts per project stay small.
func (v *Validator) Validate(ctx context.Context, plainKey, projectID string) (*store.ProjectKey, error) {
	plainKey = strings.TrimSpace(plainKey)
	if plainKey == "" || projectID == "" {
		return nil, nil
	}

	keys, err := v.keys.ListProjectKeys(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project keys: %w", err)
	}

	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.HashedKey), []byte(plainKey)) == nil {
			matched := key
			if err := v.keys.TouchProjectKey(ctx, matched.ID); err != nil {
				// Usage tracking is best effort.
				return &matched, nil
			}
			return &matched, nil
		}
	}
	return nil, nil
}
