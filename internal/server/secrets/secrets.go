// Package secrets resolves named secrets for external collaborators. The
// production provider talks to HCP Vault Secrets; a static provider serves
// tests and config-only deployments. Values are cached after the first
// successful fetch.
package secrets

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/driveback/internal/common"
)

// Provider is a key→value secret lookup.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// StaticProvider serves secrets from a fixed map.
type StaticProvider struct {
	values map[string]string
}

func NewStaticProvider(values map[string]string) *StaticProvider {
	return &StaticProvider{values: values}
}

func (p *StaticProvider) Get(_ context.Context, key string) (string, error) {
	v, ok := p.values[key]
	if !ok {
		return "", fmt.Errorf("secret %q: %w", key, common.ErrorNotFound)
	}
	return v, nil
}
