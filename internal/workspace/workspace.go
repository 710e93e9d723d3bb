// Package workspace is the Workspace Initializer (C4): it populates a new
// sandbox's workspace directory from a template tree and ensures the
// required subdirectories and seed files exist, idempotently.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Vars are the substitution variables available to template files (spec §4.4).
type Vars struct {
	UserName     string
	UserLanguage string
	UserTimezone string
	AgentName    string
	CreationDate string
}

// TemplateFile is one entry in the template tree: a workspace-relative
// destination path and its (possibly parameterized) content.
type TemplateFile struct {
	RelPath string
	Content string // may contain {{ VAR }} placeholders resolved against Vars
}

// DefaultTemplate is the seed file set written into every new sandbox
// workspace. Supplements the minimum spec.md requires (cron/jobs.json,
// workspace/memory) with the handful of onboarding files the original
// system's docker/workspace-template tree carries, expressed in the
// teacher's idiom rather than translated.
var DefaultTemplate = []TemplateFile{
	{
		RelPath: "README.md",
		Content: "# Welcome, {{ USER_NAME }}\n\nThis workspace was created on {{ CREATION_DATE }} for {{ AGENT_NAME }}.\n",
	},
	{
		RelPath: "preferences.json",
		Content: `{"language": "{{ USER_LANGUAGE }}", "timezone": "{{ USER_TIMEZONE }}"}` + "\n",
	},
}

// Init populates workspaceDir and configDir for a new sandbox. Existing
// destinations are never overwritten: the operation is idempotent and safe
// to call again on a pre-existing sandbox.
func Init(userID string, workspaceDir, configDir string, vars Vars) error {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	for _, tf := range DefaultTemplate {
		dest := filepath.Join(workspaceDir, tf.RelPath)
		if _, err := os.Stat(dest); err == nil {
			continue // already exists, never overwritten
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", dest, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", dest, err)
		}
		rendered := render(tf.Content, vars)
		if err := os.WriteFile(dest, []byte(rendered), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", dest, err)
		}
	}

	memoryDir := filepath.Join(workspaceDir, "memory")
	if err := os.MkdirAll(memoryDir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	mediaInboundDir := filepath.Join(workspaceDir, "media", "inbound")
	if err := os.MkdirAll(mediaInboundDir, 0o755); err != nil {
		return fmt.Errorf("create media inbound dir: %w", err)
	}

	cronDir := filepath.Join(configDir, "cron")
	if err := os.MkdirAll(cronDir, 0o755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	jobsPath := filepath.Join(cronDir, "jobs.json")
	if _, err := os.Stat(jobsPath); os.IsNotExist(err) {
		if err := os.WriteFile(jobsPath, []byte(`{"version":1,"jobs":[]}`+"\n"), 0o644); err != nil {
			return fmt.Errorf("seed cron jobs file: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("stat cron jobs file: %w", err)
	}

	devicesDir := filepath.Join(configDir, "devices")
	if err := os.MkdirAll(devicesDir, 0o755); err != nil {
		return fmt.Errorf("create devices dir: %w", err)
	}

	return nil
}

// NewVars builds the default substitution set for a freshly-created sandbox.
func NewVars(userName, userLanguage, userTimezone string, now time.Time) Vars {
	return Vars{
		UserName:     userName,
		UserLanguage: userLanguage,
		UserTimezone: userTimezone,
		AgentName:    "openclaw",
		CreationDate: now.UTC().Format("2006-01-02"),
	}
}

func render(content string, vars Vars) string {
	r := strings.NewReplacer(
		"{{ USER_NAME }}", vars.UserName,
		"{{ USER_LANGUAGE }}", vars.UserLanguage,
		"{{ USER_TIMEZONE }}", vars.UserTimezone,
		"{{ AGENT_NAME }}", vars.AgentName,
		"{{ CREATION_DATE }}", vars.CreationDate,
	)
	return r.Replace(content)
}
