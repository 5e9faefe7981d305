package rules

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// FileRule is one rule entry in a rules file. File-based rules are
// literal-only: resolvers and payload builders are code and must be
// registered by the embedding host. The worker and CLI binaries run on
// file-based rules.
type FileRule struct {
	EntityType  string            `mapstructure:"entity_type"`
	Endpoint    string            `mapstructure:"endpoint"`
	Method      string            `mapstructure:"method"`
	HTTPMethod  string            `mapstructure:"http_method"`
	Payload     map[string]any    `mapstructure:"payload"`
	Headers     map[string]string `mapstructure:"headers"`
	AuthToken   string            `mapstructure:"auth_token"`
	AuthTokenEnv string           `mapstructure:"auth_token_env"`
	TimingField string            `mapstructure:"timing_field"`
	Callback    string            `mapstructure:"callback"`
}

// FileVisibility configures the visibility paths for one entity type.
type FileVisibility struct {
	EntityType string   `mapstructure:"entity_type"`
	Paths      []string `mapstructure:"paths"`
}

// LoadFile reads a rules file (YAML, JSON, or TOML by extension) into a
// registry. Tokens may be inlined (auth_token) or pulled from the
// environment (auth_token_env).
func LoadFile(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}

	var fileRules []FileRule
	if err := v.UnmarshalKey("rules", &fileRules); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	var visibility []FileVisibility
	if err := v.UnmarshalKey("visibility", &visibility); err != nil {
		return nil, fmt.Errorf("parse visibility: %w", err)
	}

	reg := New()
	for _, fr := range fileRules {
		if fr.EntityType == "" || fr.Endpoint == "" || fr.Method == "" {
			return nil, fmt.Errorf("rule missing entity_type, endpoint, or method: %+v", fr)
		}
		if fr.HTTPMethod == "" {
			return nil, fmt.Errorf("rule %s/%s/%s missing http_method", fr.EntityType, fr.Endpoint, fr.Method)
		}
		token := fr.AuthToken
		if token == "" && fr.AuthTokenEnv != "" {
			token = os.Getenv(fr.AuthTokenEnv)
		}
		reg.Add(fr.EntityType, fr.Endpoint, fr.Method, Rule{
			HTTPMethod:  fr.HTTPMethod,
			Payload:     fr.Payload,
			Headers:     fr.Headers,
			AuthToken:   token,
			TimingField: fr.TimingField,
			CallbackKey: fr.Callback,
		})
	}
	for _, fv := range visibility {
		reg.SetVisibilityPaths(fv.EntityType, fv.Paths...)
	}
	return reg, nil
}
