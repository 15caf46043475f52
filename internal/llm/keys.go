package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// KeySource supplies the bearer token for a provider.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is a key injected through configuration.
type StaticKey string

func (k StaticKey) APIKey(context.Context) (string, error) {
	return string(k), nil
}

// ParameterGetter reads one parameter from a secret store.
type ParameterGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// tokenPayload is the JSON shape stored in the secret store.
type tokenPayload struct {
	Token string `json:"token"`
}

// ParamStoreKey resolves the key from a secret store on every call. Reuse
// and expiry belong to the getter, so a failed fetch is retried on the next
// request and a rotated key is picked up once the getter's cache expires.
type ParamStoreKey struct {
	getter ParameterGetter
	name   string
}

// NewParamStoreKey reads parameter prefix+"/model-api-token".
func NewParamStoreKey(getter ParameterGetter, prefix string) (*ParamStoreKey, error) {
	if getter == nil {
		return nil, errors.New("llm: parameter getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("llm: parameter prefix must not be empty")
	}
	return &ParamStoreKey{getter: getter, name: prefix + "/model-api-token"}, nil
}

func (p *ParamStoreKey) APIKey(ctx context.Context) (string, error) {
	return p.fetch(ctx)
}

// ParameterName returns the fully qualified parameter name.
func (p *ParamStoreKey) ParameterName() string {
	return p.name
}

func (p *ParamStoreKey) fetch(ctx context.Context) (string, error) {
	raw, err := p.getter.GetParameter(ctx, p.name)
	if err != nil {
		return "", fmt.Errorf("llm: fetch api token: %w", err)
	}
	token := strings.TrimSpace(raw)
	if strings.HasPrefix(token, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(token), &tp); err != nil {
			return "", fmt.Errorf("llm: unmarshal api token parameter: %w", err)
		}
		token = strings.TrimSpace(tp.Token)
	}
	if token == "" {
		return "", errors.New("llm: api token is empty")
	}
	return token, nil
}
