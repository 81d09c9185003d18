package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFilename is the manifest written next to the config by "config lock".
const ChecksumFilename = ".checksums"

// ErrNoChecksums means the config directory has no manifest.
var ErrNoChecksums = errors.New("checksums file not found (run 'outpost config lock')")

// ChecksumManifest maps config file basenames to BLAKE3 hex digests. One
// directory may hold several locked configs.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockResult is what "config lock" reports back.
type LockResult struct {
	ConfigPath   string
	ChecksumPath string
	Hash         string
	Written      bool
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Lock records the hash of the config at configPath in the manifest beside it.
// Entries for other configs in the same directory are kept. With dryRun the
// hash is computed and nothing is written.
func Lock(configPath string, dryRun bool) (LockResult, error) {
	path, err := Resolve(configPath)
	if err != nil {
		return LockResult{}, err
	}
	dir := filepath.Dir(path)
	res := LockResult{ConfigPath: path, ChecksumPath: filepath.Join(dir, ChecksumFilename)}

	if res.Hash, err = hashFile(path); err != nil {
		return res, err
	}
	if dryRun {
		return res, nil
	}

	manifest, err := LoadChecksums(dir)
	switch {
	case errors.Is(err, ErrNoChecksums):
		manifest = &ChecksumManifest{Version: 1, Hashes: map[string]string{}}
	case err != nil:
		return res, err
	}
	manifest.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	manifest.Hashes[filepath.Base(path)] = res.Hash

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return res, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	// 0600: the manifest is the trust anchor.
	if err := os.WriteFile(res.ChecksumPath, data, 0600); err != nil {
		return res, fmt.Errorf("failed to write checksums: %w", err)
	}
	res.Written = true
	return res, nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	if manifest.Hashes == nil {
		manifest.Hashes = map[string]string{}
	}
	return &manifest, nil
}

// Verify checks the config at path against its manifest entry. A config the
// manifest does not list fails, so a locked directory cannot gain new configs
// silently.
func (m *ChecksumManifest) Verify(path string) error {
	name := filepath.Base(path)
	want, ok := m.Hashes[name]
	if !ok {
		return fmt.Errorf("config file %s has no hash in %s\n"+
			"Run: outpost config lock --config %s", name, ChecksumFilename, path)
	}

	got, err := hashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("config verification failed: hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: outpost config lock --config %s", name, want, got, path)
	}
	return nil
}
