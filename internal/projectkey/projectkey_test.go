package projectkey

import (
	"context"
	"strings"
	"testing"

	"querymon/services/orchestrator/internal/store"
)

type fakeKeyLister struct {
	keys    []store.ProjectKey
	touched []string
}

func (f *fakeKeyLister) ListProjectKeys(_ context.Context, projectID string) ([]store.ProjectKey, error) {
	result := make([]store.ProjectKey, 0)
	for _, key := range f.keys {
		if key.ProjectID == projectID {
			result = append(result, key)
		}
	}
	return result, nil
}

func (f *fakeKeyLister) TouchProjectKey(_ context.Context, keyID string) error {
	f.touched = append(f.touched, keyID)
	return nil
}

func TestGenerate(t *testing.T) {
	pair, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if !strings.HasPrefix(pair.PlainKey, "qm_live_") {
		t.Fatalf("expected qm_live_ prefix, got %s", pair.PlainKey)
	}
	if pair.HashedKey == pair.PlainKey {
		t.Fatalf("hash must not equal plain key")
	}
	if !strings.HasPrefix(pair.MaskedKey, pair.PlainKey[:4]) {
		t.Fatalf("masked key must keep leading characters")
	}
	if strings.Contains(pair.MaskedKey, pair.PlainKey[8:len(pair.PlainKey)-4]) {
		t.Fatalf("masked key leaks key material: %s", pair.MaskedKey)
	}

	second, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if second.PlainKey == pair.PlainKey {
		t.Fatalf("keys must be unique")
	}
}

func TestMaskShortKey(t *testing.T) {
	if Mask("short") != "short" {
		t.Fatalf("short keys are returned unmasked")
	}
}

func TestValidateMatchesCorrectKey(t *testing.T) {
	pair, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	other, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	lister := &fakeKeyLister{keys: []store.ProjectKey{
		{ID: "key-other", ProjectID: "proj-1", HashedKey: other.HashedKey},
		{ID: "key-match", ProjectID: "proj-1", HashedKey: pair.HashedKey},
		{ID: "key-elsewhere", ProjectID: "proj-2", HashedKey: pair.HashedKey},
	}}

	validator := NewValidator(lister)
	matched, err := validator.Validate(context.Background(), pair.PlainKey, "proj-1")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if matched == nil || matched.ID != "key-match" {
		t.Fatalf("expected key-match, got %+v", matched)
	}
	if len(lister.touched) != 1 || lister.touched[0] != "key-match" {
		t.Fatalf("expected last-used touch for key-match, got %v", lister.touched)
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	pair, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	lister := &fakeKeyLister{keys: []store.ProjectKey{
		{ID: "key-1", ProjectID: "proj-1", HashedKey: pair.HashedKey},
	}}

	validator := NewValidator(lister)
	matched, err := validator.Validate(context.Background(), "qm_live_wrong", "proj-1")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if matched != nil {
		t.Fatalf("expected no match, got %+v", matched)
	}
}

func TestValidateEmptyInputs(t *testing.T) {
	validator := NewValidator(&fakeKeyLister{})
	if matched, err := validator.Validate(context.Background(), "", "proj-1"); err != nil || matched != nil {
		t.Fatalf("expected nil result for empty key, got %v %v", matched, err)
	}
	if matched, err := validator.Validate(context.Background(), "qm_live_x", ""); err != nil || matched != nil {
		t.Fatalf("expected nil result for empty project, got %v %v", matched, err)
	}
}
