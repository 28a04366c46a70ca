package integrations

import (
	"context"
	"encoding/json"

	"github.com/servicehero/flowd/internal/secrets"
)

// Integration is an external service an action step can call. Execute runs
// the named capability with fully interpolated params and returns the step
// output map recorded on the StepResult.
//
// Execute errors decide retry behavior: transient integration errors are
// retried per the step's policy, everything else fails the step outright.
type Integration interface {
	Name() string
	Actions() []ActionInfo
	Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// ActionInfo describes one capability of an integration, for listings and
// MCP tool discovery.
type ActionInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CredentialSource resolves integration credentials by key. A nil source, or
// a missing key, leaves a builtin in mock mode.
type CredentialSource interface {
	Credential(ctx context.Context, key string) (string, bool)
}

// VaultCredentials adapts the secrets vault into a CredentialSource.
type VaultCredentials struct {
	Vault secrets.Vault
}

func (v VaultCredentials) Credential(ctx context.Context, key string) (string, bool) {
	if v.Vault == nil {
		return "", false
	}
	val, err := v.Vault.Resolve(ctx, key)
	if err != nil || len(val) == 0 {
		return "", false
	}
	return string(val), true
}

func credential(ctx context.Context, src CredentialSource, key string) (string, bool) {
	if src == nil {
		return "", false
	}
	return src.Credential(ctx, key)
}

// Param helpers shared by the builtin integrations.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}
