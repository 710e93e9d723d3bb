// Package pairing is the Pairing Auto-Approver (C5): it polls a sandbox's
// on-disk pending-devices file after startup and promotes entries into the
// paired set, grounded on the instance manager's auto-approval loop in
// original_source's instance_manager.py (_auto_approve_pairing: 5 retries,
// 3s sleep between polls).
package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultRetries and DefaultInterval match spec.md §4.5.
const (
	DefaultRetries  = 5
	DefaultInterval = 3 * time.Second
)

type pendingEntry map[string]any

// AutoApprove polls configDir/devices/pending.json up to retries times,
// interval apart (DefaultRetries/DefaultInterval when the argument is <= 0). When it finds a non-empty pending set, every entry
// is promoted into paired.json with approved=true and pairedAt stamped, and
// pending.json is written back empty. If nothing appears within retries,
// it logs a warning and returns nil (spec: "PairingNeverAppeared — logged
// warning only").
func AutoApprove(ctx context.Context, configDir string, retries int, interval time.Duration, log *slog.Logger) error {
	if retries <= 0 {
		retries = DefaultRetries
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	devicesDir := filepath.Join(configDir, "devices")
	pendingPath := filepath.Join(devicesDir, "pending.json")
	pairedPath := filepath.Join(devicesDir, "paired.json")

	for attempt := 0; attempt < retries; attempt++ {
		pending, err := readDevices(pendingPath)
		if err != nil {
			return fmt.Errorf("read pending devices: %w", err)
		}
		if len(pending) > 0 {
			paired, err := readDevices(pairedPath)
			if err != nil {
				return fmt.Errorf("read paired devices: %w", err)
			}
			now := time.Now().UTC().Format(time.RFC3339)
			for id, entry := range pending {
				entry["approved"] = true
				entry["pairedAt"] = now
				paired[id] = entry
			}
			if err := writeDevices(pairedPath, paired); err != nil {
				return fmt.Errorf("write paired devices: %w", err)
			}
			if err := writeDevices(pendingPath, map[string]pendingEntry{}); err != nil {
				return fmt.Errorf("clear pending devices: %w", err)
			}
			if log != nil {
				log.Info("auto-approved pending pairing", "config_dir", configDir, "count", len(pending))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}

	if log != nil {
		log.Warn("pairing never appeared", "config_dir", configDir, "retries", retries)
	}
	return nil
}

func readDevices(path string) (map[string]pendingEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]pendingEntry{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return map[string]pendingEntry{}, nil
	}
	var out map[string]pendingEntry
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]pendingEntry{}, nil
	}
	if out == nil {
		out = map[string]pendingEntry{}
	}
	return out, nil
}

func writeDevices(path string, devices map[string]pendingEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
