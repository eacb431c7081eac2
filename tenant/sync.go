package tenant

import (
	"context"

	"go.uber.org/zap"

	"github.com/orevatech/opsportal/errors"
)

// SyncResult summarizes one sync sweep of the companies directory.
type SyncResult struct {
	Seen        int
	Changed     int
	Deactivated int
}

// Syncer reconciles the tenant_configs table against the companies
// directory. Files are the source of truth.
type Syncer struct {
	dir    string
	store  *Store
	logger *zap.SugaredLogger
}

// NewSyncer creates a syncer for the given companies directory.
func NewSyncer(dir string, store *Store, logger *zap.SugaredLogger) *Syncer {
	return &Syncer{dir: dir, store: store, logger: logger}
}

// Sync loads all tenant config files, upserts changed records, and
// deactivates tenants whose file disappeared.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	entries, err := LoadDir(s.dir, s.logger)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.List(ctx, false)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*Record, len(existing))
	for _, rec := range existing {
		byKey[rec.Key] = rec
	}

	result := &SyncResult{Seen: len(entries)}
	seen := make(map[string]bool, len(entries))

	for _, entry := range entries {
		seen[entry.Key] = true

		prev := byKey[entry.Key]
		if prev != nil && prev.ConfigChecksum == entry.Checksum && prev.Active == entry.Active {
			continue
		}

		err := s.store.Upsert(ctx, &Record{
			Key:            entry.Key,
			DisplayName:    entry.DisplayName,
			Active:         entry.Active,
			ConfigJSON:     entry.RawJSON,
			ConfigChecksum: entry.Checksum,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to sync tenant %s", entry.Key)
		}
		result.Changed++
		if s.logger != nil {
			s.logger.Infow("Tenant config synced", "tenant", entry.Key, "new", prev == nil)
		}
	}

	// A vanished file deactivates the tenant but keeps its run history.
	for key, rec := range byKey {
		if seen[key] || !rec.Active {
			continue
		}
		if err := s.store.Deactivate(ctx, key); err != nil {
			return nil, err
		}
		result.Deactivated++
		if s.logger != nil {
			s.logger.Warnw("Tenant config file removed, deactivating", "tenant", key)
		}
	}

	return result, nil
}
