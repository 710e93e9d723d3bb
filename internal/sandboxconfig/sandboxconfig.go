// Package sandboxconfig is the Config Materializer (C2): it renders a
// per-sandbox openclaw.json from a tier-keyed template, substituting the
// ZenMux API key, a gateway token, an optional preserved hooks token, and
// model/limit knobs (no user-identity value is substituted), grounded on original_source's
// backend/app/services/config_generator.py (placeholder substitution via
// literal string replacement, legacy single-template fallback).
package sandboxconfig

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Placeholders enumerated in spec.md §6.
const (
	placeholderZenMuxAPIKey = "{{ ZENMUX_API_KEY }}"
	placeholderMaxTokens    = "{{ MAX_TOKENS }}"
	placeholderPrimaryModel = "{{ PRIMARY_MODEL }}"
	placeholderGatewayToken = "{{ GATEWAY_TOKEN }}"
	placeholderHooksToken   = "{{ HOOKS_TOKEN }}"
)

// templates keyed by TierProfile.TemplateKey. Unknown keys fall back to
// legacyTemplate, mirroring the original's behavior when a template file
// for the tier hasn't been authored yet.
var templates = map[string]string{
	"free": `{
  "llm": {
    "provider": "zenmux",
    "api_key": "{{ ZENMUX_API_KEY }}",
    "primary_model": "{{ PRIMARY_MODEL }}",
    "max_tokens": {{ MAX_TOKENS }}
  },
  "gateway": {
    "token": "{{ GATEWAY_TOKEN }}"
  },
  "hooks": {
    "token": "{{ HOOKS_TOKEN }}"
  }
}`,
	"premium": `{
  "llm": {
    "provider": "zenmux",
    "api_key": "{{ ZENMUX_API_KEY }}",
    "primary_model": "{{ PRIMARY_MODEL }}",
    "max_tokens": {{ MAX_TOKENS }}
  },
  "gateway": {
    "token": "{{ GATEWAY_TOKEN }}"
  },
  "hooks": {
    "token": "{{ HOOKS_TOKEN }}"
  },
  "features": {
    "priority_routing": true
  }
}`,
}

const legacyTemplate = `{
  "llm": {
    "provider": "zenmux",
    "api_key": "{{ ZENMUX_API_KEY }}",
    "primary_model": "{{ PRIMARY_MODEL }}",
    "max_tokens": {{ MAX_TOKENS }}
  },
  "gateway": {
    "token": "{{ GATEWAY_TOKEN }}"
  },
  "hooks": {
    "token": "{{ HOOKS_TOKEN }}"
  }
}`

// hooksShape is the minimal structure needed to read a preserved hooks
// token back out of a previously-rendered config.
type hooksShape struct {
	Hooks struct {
		Token string `json:"token"`
	} `json:"hooks"`
}

func loadTemplate(templateKey string) string {
	if t, ok := templates[templateKey]; ok {
		return t
	}
	return legacyTemplate
}

// GenerateGatewayToken mints a fresh per-sandbox gateway token. Matches the
// original's secrets.token_hex(24): 24 random bytes, hex-encoded.
func GenerateGatewayToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate gateway token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateHooksToken mints a fresh hooks token using the same scheme as the
// gateway token.
func GenerateHooksToken() (string, error) {
	return GenerateGatewayToken()
}

// Render produces the rendered openclaw.json document for the given tier
// knobs, gateway token, and hooks token. If hooksToken is empty, a fresh one
// is generated. The result is validated as well-formed JSON before return.
func Render(templateKey string, zenmuxAPIKey string, maxTokens int, primaryModel string, gatewayToken string, hooksToken string) ([]byte, error) {
	if hooksToken == "" {
		var err error
		hooksToken, err = GenerateHooksToken()
		if err != nil {
			return nil, err
		}
	}

	raw := loadTemplate(templateKey)
	raw = strings.ReplaceAll(raw, placeholderZenMuxAPIKey, zenmuxAPIKey)
	raw = strings.ReplaceAll(raw, placeholderMaxTokens, strconv.Itoa(maxTokens))
	raw = strings.ReplaceAll(raw, placeholderPrimaryModel, primaryModel)
	raw = strings.ReplaceAll(raw, placeholderGatewayToken, gatewayToken)
	raw = strings.ReplaceAll(raw, placeholderHooksToken, hooksToken)

	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, fmt.Errorf("rendered config is not well-formed JSON: %w", err)
	}

	pretty, err := json.MarshalIndent(probe, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("re-marshal rendered config: %w", err)
	}
	return pretty, nil
}

// Write renders the config and writes it to configDir/openclaw.json.
func Write(configDir string, templateKey string, zenmuxAPIKey string, maxTokens int, primaryModel string, gatewayToken string, hooksToken string) (string, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	body, err := Render(templateKey, zenmuxAPIKey, maxTokens, primaryModel, gatewayToken, hooksToken)
	if err != nil {
		return "", err
	}
	path := filepath.Join(configDir, "openclaw.json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

// ReadHooksToken reads the hooks token back out of an already-rendered
// config so callers can preserve it across re-syncs (spec §4.2, §4.7).
// Returns "" with no error if the config doesn't exist or carries no token.
func ReadHooksToken(configDir string) (string, error) {
	path := filepath.Join(configDir, "openclaw.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	var parsed hooksShape
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", nil
	}
	return parsed.Hooks.Token, nil
}
