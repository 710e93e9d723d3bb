// Package warmup is the Warmup Handle Service (C10), the orchestrator's
// public contract surface: it runs the Instance Manager's ensure_running and
// returns a connection handle to the caller, optionally provisioning a
// direct-connect device identity. Device-set persistence (paired.json) is
// grounded on the same on-disk layout as internal/pairing, itself grounded
// on original_source's instance_manager.py pairing flow; the atomic
// temp-file-then-rename write idiom is grounded on the teacher's
// internal/metrics/textfile.go.
package warmup

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/clawbowl/orchestrator/internal/instance"
)

// EnsureRunner is the narrow view of instance.Manager the warmup service
// depends on.
type EnsureRunner interface {
	EnsureRunning(ctx context.Context, userID, tierName string) (*instance.Handle, error)
}

// Handle is the contract emitted to the client (spec.md §6 "Warmup handle").
type Handle struct {
	Status           string `json:"status"`
	GatewayURL       string `json:"gateway_url"`
	GatewayWSURL     string `json:"gateway_ws_url"`
	GatewayToken     string `json:"gateway_token"`
	SessionKey       string `json:"session_key"`
	DeviceID         string `json:"device_id,omitempty"`
	DevicePublicKey  string `json:"device_public_key,omitempty"`
	DevicePrivateKey string `json:"device_private_key,omitempty"`
}

// pairedEntry is one client's persisted device-identity record.
type pairedEntry struct {
	DeviceID   string `json:"device_id"`
	ClientType string `json:"client_type"`
	PublicKey  string `json:"public_key"`
	Approved   bool   `json:"approved"`
	PairedAt   string `json:"pairedAt"`
}

// Service runs warmups against an EnsureRunner, optionally provisioning
// device identities for direct-connect clients.
type Service struct {
	runner EnsureRunner
	log    *slog.Logger
}

// New constructs a Service.
func New(runner EnsureRunner, log *slog.Logger) *Service {
	return &Service{runner: runner, log: log}
}

// Warmup runs ensure_running for userID/tierName and builds a connection
// handle. When clientType is non-empty, a device identity is provisioned
// (reusing a prior one for that client type if both its record and private
// key are found on disk) and attached to the handle. The sandbox's config
// directory — needed for device persistence — is read off the freshly
// ensured instance, since it isn't known to the caller before ensure_running
// has run for a brand-new user.
func (s *Service) Warmup(ctx context.Context, userID, tierName, clientType string) (*Handle, error) {
	inst, err := s.runner.EnsureRunning(ctx, userID, tierName)
	if err != nil {
		return nil, fmt.Errorf("ensure running: %w", err)
	}

	h := &Handle{
		Status:       "warm",
		GatewayURL:   fmt.Sprintf("http://127.0.0.1:%d", inst.Port),
		GatewayWSURL: fmt.Sprintf("ws://127.0.0.1:%d/ws", inst.Port),
		GatewayToken: inst.GatewayToken,
		SessionKey:   inst.SessionKey,
	}

	if clientType == "" {
		return h, nil
	}

	identity, err := provisionDevice(inst.ConfigPath, clientType)
	if err != nil {
		if s.log != nil {
			s.log.Warn("device provisioning failed", "user_id", userID, "client_type", clientType, "error", err)
		}
		return h, nil
	}

	h.DeviceID = identity.deviceID
	h.DevicePublicKey = identity.publicKeyHex
	h.DevicePrivateKey = identity.privateKeyHex
	return h, nil
}

type deviceIdentity struct {
	deviceID      string
	publicKeyHex  string
	privateKeyHex string
}

// provisionDevice returns the existing device identity for clientType if
// both its paired.json record and private-key file are present, otherwise
// generates and persists a new Ed25519 keypair (spec.md §4.10).
func provisionDevice(configDir, clientType string) (*deviceIdentity, error) {
	devicesDir := filepath.Join(configDir, "devices")
	pairedPath := filepath.Join(devicesDir, "paired.json")
	keysDir := filepath.Join(devicesDir, "keys")

	paired, err := readPaired(pairedPath)
	if err != nil {
		return nil, fmt.Errorf("read paired devices: %w", err)
	}

	for _, entry := range paired {
		if entry.ClientType != clientType {
			continue
		}
		keyPath := filepath.Join(keysDir, entry.DeviceID+".key")
		privHex, err := os.ReadFile(keyPath)
		if err != nil {
			continue // record exists but key is gone: fall through and regenerate
		}
		return &deviceIdentity{
			deviceID:      entry.DeviceID,
			publicKeyHex:  entry.PublicKey,
			privateKeyHex: string(privHex),
		}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	sum := sha256.Sum256(pub)
	deviceID := hex.EncodeToString(sum[:])
	pubHex := hex.EncodeToString(pub)
	privHex := hex.EncodeToString(priv)

	if err := writeFileAtomic(keysDir, deviceID+".key", []byte(privHex)); err != nil {
		return nil, fmt.Errorf("persist device private key: %w", err)
	}

	paired[deviceID] = pairedEntry{
		DeviceID:   deviceID,
		ClientType: clientType,
		PublicKey:  pubHex,
		Approved:   true,
		PairedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := writePaired(pairedPath, paired); err != nil {
		return nil, fmt.Errorf("persist paired device record: %w", err)
	}

	return &deviceIdentity{deviceID: deviceID, publicKeyHex: pubHex, privateKeyHex: privHex}, nil
}

func readPaired(path string) (map[string]pairedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]pairedEntry{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return map[string]pairedEntry{}, nil
	}
	var out map[string]pairedEntry
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]pairedEntry{}, nil
	}
	if out == nil {
		out = map[string]pairedEntry{}
	}
	return out, nil
}

func writePaired(path string, paired map[string]pairedEntry) error {
	data, err := json.MarshalIndent(paired, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Dir(path), filepath.Base(path), data)
}

// writeFileAtomic writes data to dir/name via a temp file plus rename, the
// same idiom the teacher uses for its Prometheus textfile collector output.
func writeFileAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
