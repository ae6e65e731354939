// Package artifacts stores analysis report files. Reports arrive either
// pre-uploaded by the analysis service (the callback carries the object
// key) or inline in the callback body, in which case the orchestrator
// writes the object itself.
package artifacts

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("artifact store not configured")

type Store interface {
	StoreObject(ctx context.Context, objectKey string, body []byte, contentType string) error
	LoadObject(ctx context.Context, objectKey string) ([]byte, string, error)
	DeleteObject(ctx context.Context, objectKey string) error
	Close() error
}

// LifecycleConfigurer is implemented by backends that can expire old
// report objects on their own.
type LifecycleConfigurer interface {
	EnsureLifecyclePolicy(ctx context.Context, expirationDays int, prefixes []string) error
}

// NoopStore stands in when no bucket is configured. Report downloads
// fail with ErrNotConfigured; everything else keeps working.
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) StoreObject(_ context.Context, _ string, _ []byte, _ string) error {
	return ErrNotConfigured
}

func (s *NoopStore) LoadObject(_ context.Context, _ string) ([]byte, string, error) {
	return nil, "", ErrNotConfigured
}

func (s *NoopStore) DeleteObject(_ context.Context, _ string) error {
	return ErrNotConfigured
}

func (s *NoopStore) Close() error {
	return nil
}

func (s *NoopStore) EnsureLifecyclePolicy(_ context.Context, _ int, _ []string) error {
	return ErrNotConfigured
}
