package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/orevatech/opsportal/errors"
)

// latestSnapshotPrefix marks metadata files the pipeline rewrites in
// place instead of dating.
const latestSnapshotPrefix = "last_"

// metadataDoc is the on-disk transform metadata layout.
type metadataDoc struct {
	TenantKey      string                 `json:"tenant_key"`
	TargetDate     string                 `json:"target_date"`
	ProcessedAt    string                 `json:"processed_at"`
	RowsTotal      *int                   `json:"rows_total"`
	RowsKept       *int                   `json:"rows_kept"`
	RowsNonTarget  *int                   `json:"rows_non_target"`
	Upload         map[string]interface{} `json:"upload"`
	Reconcile      *reconcileDoc          `json:"reconcile"`
	RawFile        string                 `json:"raw_file"`
	ProcessedFiles []string               `json:"processed_files"`
}

type reconcileDoc struct {
	Status     string   `json:"status"`
	Difference *float64 `json:"difference"`
	EposTotal  *float64 `json:"epos_total"`
	QboTotal   *float64 `json:"qbo_total"`
	EposCount  *int     `json:"epos_count"`
	QboCount   *int     `json:"qbo_count"`
}

// ParseMetadataFile reads one transform metadata file into an Artifact.
// The source hash is streamed over the file contents, and reliability is
// derived from the file name: "latest" snapshots are flagged because the
// pipeline overwrites them.
func ParseMetadataFile(path string) (*Artifact, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open metadata file")
	}
	defer file.Close()

	hasher := sha256.New()
	data, err := io.ReadAll(io.TeeReader(file, hasher))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read metadata file")
	}

	var doc metadataDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "invalid metadata JSON in %s", path)
	}
	if doc.TenantKey == "" {
		return nil, errors.Newf("metadata file %s has no tenant key", path)
	}

	artifact := &Artifact{
		TenantKey:     doc.TenantKey,
		SourcePath:    path,
		SourceHash:    hex.EncodeToString(hasher.Sum(nil)),
		Reliability:   reliabilityForFile(path),
		RowsTotal:     doc.RowsTotal,
		RowsKept:      doc.RowsKept,
		RowsNonTarget: doc.RowsNonTarget,
		RawFile:       doc.RawFile,
	}
	if doc.TargetDate != "" {
		artifact.TargetDate = &doc.TargetDate
	}
	if doc.ProcessedAt != "" {
		artifact.ProcessedAt = &doc.ProcessedAt
	}
	if doc.Upload != nil {
		if stats, err := json.Marshal(doc.Upload); err == nil {
			artifact.UploadStatsJSON = string(stats)
		}
	}
	if doc.ProcessedFiles != nil {
		if files, err := json.Marshal(doc.ProcessedFiles); err == nil {
			artifact.ProcessedFilesJSON = string(files)
		}
	}
	if doc.Reconcile != nil {
		artifact.ReconcileStatus = doc.Reconcile.Status
		artifact.ReconcileDifference = doc.Reconcile.Difference
		artifact.ReconcileEposTotal = doc.Reconcile.EposTotal
		artifact.ReconcileQboTotal = doc.Reconcile.QboTotal
		artifact.ReconcileEposCount = doc.Reconcile.EposCount
		artifact.ReconcileQboCount = doc.Reconcile.QboCount
	}
	return artifact, nil
}

func reliabilityForFile(path string) Reliability {
	if strings.HasPrefix(filepath.Base(path), latestSnapshotPrefix) {
		return ReliabilityWarning
	}
	return ReliabilityHigh
}
