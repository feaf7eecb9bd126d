package agent

import (
	"context"
	"os"
	"strings"

	"github.com/restflow/restflow/pkg/rferrors"
)

// SecretGetter resolves a secret name to its plaintext value.
// pkg/secret's Store implements it.
type SecretGetter interface {
	Get(ctx context.Context, key string) (string, error)
}

// providerEnvVars maps a provider name to the conventional environment
// variable consulted when neither a direct value nor a secret is
// configured.
var providerEnvVars = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
}

// ResolveAPIKey returns the provider credential for the definition:
// the direct value when set, else the named secret, else the provider's
// conventional environment variable. secrets may be nil when no secret
// store is available.
func (d *Definition) ResolveAPIKey(ctx context.Context, secrets SecretGetter) (string, error) {
	if d.APIKey.Value != "" {
		return d.APIKey.Value, nil
	}
	if d.APIKey.SecretName != "" {
		if secrets == nil {
			return "", rferrors.New(rferrors.NotFound, "no secret store to resolve "+d.APIKey.SecretName)
		}
		return secrets.Get(ctx, d.APIKey.SecretName)
	}
	if env, ok := providerEnvVars[strings.ToLower(d.Model.Provider)]; ok {
		if value := os.Getenv(env); value != "" {
			return value, nil
		}
	}
	return "", rferrors.New(rferrors.NotFound, "no api key configured for agent "+d.ID)
}
