package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/internal/providers/auth"
)

// registerProviders builds an Authenticator for each configured provider
// per its auth.type (§6) and registers the resulting Provider. Disabled
// providers are skipped silently; any enabled provider not recognised as
// Anthropic-family is built as an OpenAI-compatible provider.
func registerProviders(registry *providers.Registry, cfg *config.Config) {
	for name, pc := range cfg.LLM.Providers {
		if !pc.Enabled {
			continue
		}

		authn := buildAuthenticator(name, pc.Auth)

		var p providers.Provider
		switch {
		case name == "anthropic" || isAnthropicFamily(pc):
			p = providers.NewAnthropicProvider(name, pc.BaseURL, pc.Model, authn)
		default:
			p = providers.NewOpenAIProvider(name, pc.BaseURL, pc.Model, authn)
		}

		registry.Register(p)
		slog.Info("registered provider", "name", name, "model", pc.Model, "auth", pc.Auth.Type)
	}

	if cfg.LLM.DefaultProvider != "" {
		if err := registry.SetDefault(cfg.LLM.DefaultProvider); err != nil {
			slog.Warn("default provider not registered", "provider", cfg.LLM.DefaultProvider, "error", err)
		}
	}
}

// isAnthropicFamily recognizes providers that speak the Anthropic wire
// format under a different name (self-hosted proxies, etc).
func isAnthropicFamily(pc config.ProviderConfig) bool {
	return pc.Headers["anthropic-version"] != ""
}

func buildAuthenticator(name string, ac config.ProviderAuthConfig) auth.Authenticator {
	switch ac.Type {
	case config.AuthAPIKey:
		return auth.NewAPIKey(ac.EnvVar)
	case config.AuthBearer:
		return auth.NewBearer(ac.EnvVar)
	case config.AuthDeviceCode:
		return auth.NewDeviceCode(ac.ClientID, ac.DeviceCodeURL, ac.TokenURL, ac.CachePath, presentDeviceCode(name))
	case config.AuthNone:
		return auth.None{}
	default:
		return auth.None{}
	}
}

// presentDeviceCode prints the verification URL and user code to the
// terminal; the ceremony itself lives in the Authenticator, this is only
// the presentation side effect (§9).
func presentDeviceCode(provider string) auth.PresentUserCode {
	return func(ctx context.Context, resp auth.DeviceCodeResponse) {
		slog.Info("device authorization required",
			"provider", provider,
			"user_code", resp.UserCode,
			"verification_uri", resp.VerificationURI)
	}
}
