package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const credentialsFile = "creds.json"

// Workdir is the per-instance directory tree the protocol runner loads
// credentials from. Nothing else writes or removes these directories.
type Workdir struct {
	fs   afero.Fs
	root string
}

func NewWorkdir(fs afero.Fs, root string) *Workdir {
	return &Workdir{fs: fs, root: root}
}

func (w *Workdir) Dir(instanceID string) (string, error) {
	if instanceID == "" || instanceID == "." || instanceID == ".." ||
		strings.ContainsAny(instanceID, `/\`) {
		return "", fmt.Errorf("invalid instance id %q", instanceID)
	}
	return filepath.Join(w.root, instanceID), nil
}

// Materialize writes b to the instance directory and returns the directory.
func (w *Workdir) Materialize(instanceID string, b *Bundle) (string, error) {
	dir, err := w.Dir(instanceID)
	if err != nil {
		return "", err
	}
	if err := w.fs.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}

	tmp := filepath.Join(dir, credentialsFile+".tmp")
	if err := afero.WriteFile(w.fs, tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write credentials: %w", err)
	}
	if err := w.fs.Rename(tmp, filepath.Join(dir, credentialsFile)); err != nil {
		return "", fmt.Errorf("install credentials: %w", err)
	}
	return dir, nil
}

// Exists reports whether credentials are currently materialized.
func (w *Workdir) Exists(instanceID string) bool {
	dir, err := w.Dir(instanceID)
	if err != nil {
		return false
	}
	ok, _ := afero.Exists(w.fs, filepath.Join(dir, credentialsFile))
	return ok
}

// Remove deletes the instance directory. A missing directory is not an error.
func (w *Workdir) Remove(instanceID string) error {
	dir, err := w.Dir(instanceID)
	if err != nil {
		return err
	}
	if err := w.fs.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}
