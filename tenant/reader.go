package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/orevatech/opsportal/errors"
)

// FileEntry is one tenant config file parsed from the companies directory.
// The tenant key comes from the file name; the payload stays opaque JSON.
type FileEntry struct {
	Key         string
	DisplayName string
	Active      bool
	RawJSON     string
	Checksum    string
}

// fileMeta is the subset of the config payload the portal itself reads.
type fileMeta struct {
	DisplayName string `json:"display_name"`
	Active      *bool  `json:"active"`
}

// LoadDir reads every *.json file in dir as a tenant config. Files with
// invalid keys or malformed JSON are logged and skipped rather than
// failing the whole sweep.
func LoadDir(dir string, logger *zap.SugaredLogger) ([]FileEntry, error) {
	names, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan companies directory")
	}
	sort.Strings(names)

	var entries []FileEntry
	for _, name := range names {
		entry, err := loadFile(name)
		if err != nil {
			if logger != nil {
				logger.Warnw("Skipping tenant config file", "file", name, "error", err)
			}
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func loadFile(path string) (*FileEntry, error) {
	key := strings.TrimSuffix(filepath.Base(path), ".json")
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read tenant config")
	}

	var meta fileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(err, "invalid tenant config JSON")
	}

	displayName := meta.DisplayName
	if displayName == "" {
		displayName = key
	}
	active := true
	if meta.Active != nil {
		active = *meta.Active
	}

	sum := sha256.Sum256(data)
	return &FileEntry{
		Key:         key,
		DisplayName: displayName,
		Active:      active,
		RawJSON:     string(data),
		Checksum:    hex.EncodeToString(sum[:]),
	}, nil
}
