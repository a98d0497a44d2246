package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"clawbernetes/internal/model"
)

// DefaultIdentityFile used when NODE_ID_FILE is unset.
const DefaultIdentityFile = "/var/lib/clawbernetes/node_id"

// LoadOrCreateIdentity reads the node id persisted at path, generating and
// writing a fresh one when the file does not exist.
func LoadOrCreateIdentity(path string) (model.NodeID, error) {
	if path == "" {
		path = DefaultIdentityFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, err := model.ParseNodeID(strings.TrimSpace(string(data)))
		if err != nil {
			return model.NodeID{}, fmt.Errorf("corrupt identity file %s: %w", path, err)
		}
		return id, nil
	case !errors.Is(err, fs.ErrNotExist):
		return model.NodeID{}, fmt.Errorf("failed to read identity file: %w", err)
	}

	id := model.NewNodeID()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return model.NodeID{}, fmt.Errorf("failed to create identity dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o600); err != nil {
		return model.NodeID{}, fmt.Errorf("failed to write identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return model.NodeID{}, fmt.Errorf("failed to persist identity file: %w", err)
	}
	return id, nil
}
