// Package tier holds the static per-subscription-tier resource and model
// envelope consulted by the config materializer and the instance manager.
package tier

// Profile describes the knobs that vary by subscription tier.
type Profile struct {
	Name            string
	TemplateKey     string
	PrimaryModel    string
	MaxTokens       int
	ContainerMemory string
	ContainerCPUs   float64
}

const defaultTier = "free"

var profiles = map[string]Profile{
	"free": {
		Name:            "free",
		TemplateKey:     "free",
		PrimaryModel:    "zenmux/openai/gpt-4.1-mini",
		MaxTokens:       1024,
		ContainerMemory: "1536m",
		ContainerCPUs:   0.5,
	},
	"pro": {
		Name:            "pro",
		TemplateKey:     "free",
		PrimaryModel:    "zenmux/openai/gpt-4.1-mini",
		MaxTokens:       4096,
		ContainerMemory: "1536m",
		ContainerCPUs:   0.75,
	},
	"premium": {
		Name:            "premium",
		TemplateKey:     "premium",
		PrimaryModel:    "zenmux/anthropic/claude-sonnet-4.5",
		MaxTokens:       8192,
		ContainerMemory: "2048m",
		ContainerCPUs:   1.0,
	},
	"enterprise": {
		Name:            "enterprise",
		TemplateKey:     "premium",
		PrimaryModel:    "zenmux/anthropic/claude-sonnet-4.5",
		MaxTokens:       16384,
		ContainerMemory: "4096m",
		ContainerCPUs:   2.0,
	},
}

// Get returns the Profile for name, falling back to the free tier when name
// is empty or unrecognized.
func Get(name string) Profile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles[defaultTier]
}
