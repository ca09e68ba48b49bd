package ml

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/cvalentine99/nfa-ids/internal/logging"
)

// ErrChecksum is returned when an artifact does not match its checksum.
var ErrChecksum = errors.New("ml: model artifact checksum mismatch")

// =============================================================================
// Model Store (Persistence)
// =============================================================================

// ModelStore persists installed model versions as JSON artifacts, each with
// a BLAKE3 checksum file alongside.
type ModelStore struct {
	basePath string
	logger   *logging.Logger
	mu       sync.RWMutex
}

// NewModelStore creates a new model store.
func NewModelStore(basePath string) (*ModelStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &ModelStore{basePath: basePath, logger: logging.MLLogger()}, nil
}

func (ms *ModelStore) artifactPath(version uint64) string {
	return filepath.Join(ms.basePath, fmt.Sprintf("model-v%06d.json", version))
}

// Save writes m and its checksum. The artifact is written to a temporary
// file and renamed so a crash never leaves a torn artifact under its name.
func (ms *ModelStore) Save(m *Model) error {
	if m.Version() == 0 {
		return errors.New("ml: refusing to save unversioned model")
	}
	data, err := m.MarshalJSON()
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	path := ms.artifactPath(m.Version())
	if err := writeFileAtomic(path+".b3", []byte(checksum(data)+"\n")); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}
	return nil
}

// Load reads and verifies one version.
func (ms *ModelStore) Load(version uint64) (*Model, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.load(version)
}

func (ms *ModelStore) load(version uint64) (*Model, error) {
	path := ms.artifactPath(version)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	sum, err := os.ReadFile(path + ".b3")
	if err != nil {
		return nil, fmt.Errorf("failed to read checksum: %w", err)
	}
	if strings.TrimSpace(string(sum)) != checksum(data) {
		return nil, fmt.Errorf("%w: %s", ErrChecksum, filepath.Base(path))
	}
	m, err := DecodeModel(data)
	if err != nil {
		return nil, err
	}
	if m.Version() != version {
		return nil, fmt.Errorf("ml: %s holds version %d", filepath.Base(path), m.Version())
	}
	return m, nil
}

// Versions returns all stored versions in ascending order.
func (ms *ModelStore) Versions() ([]uint64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.versions()
}

func (ms *ModelStore) versions() ([]uint64, error) {
	entries, err := os.ReadDir(ms.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var out []uint64
	for _, entry := range entries {
		var v uint64
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if _, err := fmt.Sscanf(entry.Name(), "model-v%d.json", &v); err == nil && v > 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LatestVersion returns the highest stored version number, valid or not,
// so numbers are never reused after a corrupt artifact.
func (ms *ModelStore) LatestVersion() (uint64, error) {
	vs, err := ms.Versions()
	if err != nil || len(vs) == 0 {
		return 0, err
	}
	return vs[len(vs)-1], nil
}

// LoadLatest returns the newest artifact that verifies, or nil when the
// store holds none.
func (ms *ModelStore) LoadLatest() (*Model, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	vs, err := ms.versions()
	if err != nil {
		return nil, err
	}
	for i := len(vs) - 1; i >= 0; i-- {
		m, err := ms.load(vs[i])
		if err == nil {
			return m, nil
		}
		ms.logger.Warn("skipping unreadable model artifact", "version", vs[i], logging.Err(err))
	}
	return nil, nil
}

// =============================================================================
// Helpers
// =============================================================================

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
