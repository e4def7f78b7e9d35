package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"duedigest/internal/domain"
)

var ErrMissingCredential = errors.New("source credential not available")

// EnvCredentials resolves a subject's CredentialRef as an environment variable
// name, optionally prefixed.
type EnvCredentials struct {
	Prefix string
	Lookup func(string) (string, bool)
}

func (e EnvCredentials) Token(_ context.Context, s domain.Subject) (string, error) {
	ref := strings.TrimSpace(s.CredentialRef)
	if ref == "" {
		return "", fmt.Errorf("subject %s: %w", s.ID, ErrMissingCredential)
	}
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(e.Prefix + ref)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("subject %s ref %s: %w", s.ID, ref, ErrMissingCredential)
	}
	return strings.TrimSpace(v), nil
}

// StaticCredentials returns the same token for every subject.
type StaticCredentials string

func (s StaticCredentials) Token(context.Context, domain.Subject) (string, error) {
	if s == "" {
		return "", ErrMissingCredential
	}
	return string(s), nil
}
