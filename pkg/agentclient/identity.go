package agentclient

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Identity is the agent's persisted uuid and issued secret.
type Identity struct {
	UUID      string `json:"uuid"`
	SecretKey string `json:"secret_key,omitempty"`
}

// LoadIdentity reads the identity file, creating a fresh uuid (without a
// secret) when the file does not exist yet.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Identity{UUID: uuid.NewString()}, nil
	}
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id.UUID); err != nil {
		return nil, errors.New("identity file holds an invalid uuid")
	}
	return &id, nil
}

// Save writes the identity atomically, keeping the previous file until the
// new one is in place.
func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
