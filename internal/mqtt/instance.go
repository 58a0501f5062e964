package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceIDFile lives in the Kaizen data directory next to kaizen.db.
const instanceIDFile = "instance_id"

// LoadOrCreateInstanceID returns the engine's stable MQTT identity: the
// Home Assistant device identifier and the suffix of every sensor and
// button unique_id. It is generated once as a UUIDv7 and kept in
// dataDir, so renaming mqtt.device_name moves the topics without
// orphaning the entities' history. A missing, empty or unparseable
// file is replaced with a fresh ID.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	if err := writeInstanceID(path, id.String()); err != nil {
		return "", err
	}
	return id.String(), nil
}

// writeInstanceID replaces path atomically so a crash never leaves a
// truncated identity behind.
func writeInstanceID(path, id string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".instance_id-*.tmp")
	if err != nil {
		return fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	return nil
}
