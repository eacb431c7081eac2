package artifact

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// nearestLogWindow bounds how far a log's mtime may sit from the
// artifact's processing time and still count as a match.
const nearestLogWindow = 12 * time.Hour

// tenantMentionBonus rewards logs that actually mention the tenant.
// Expressed in seconds subtracted from the distance score.
const tenantMentionBonus = 60.0

// tenantScanBytes is how much of a log file is scanned for the tenant key.
const tenantScanBytes = 50 * 1024

// FindNearestLog picks the log file in dir whose modification time sits
// closest to processedAt, within the matching window. A log whose head
// mentions the tenant key gets a scoring bonus, which breaks ties in
// favor of logs that demonstrably belong to the tenant. Returns "" when
// nothing qualifies.
func FindNearestLog(dir, tenantKey string, processedAt time.Time) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	best := ""
	bestScore := math.Inf(1)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		distance := info.ModTime().Sub(processedAt)
		if distance < 0 {
			distance = -distance
		}
		if distance > nearestLogWindow {
			continue
		}

		score := distance.Seconds()
		path := filepath.Join(dir, entry.Name())
		if logMentionsTenant(path, tenantKey) {
			score -= tenantMentionBonus
		}
		if score < bestScore {
			bestScore = score
			best = path
		}
	}
	return best
}

func logMentionsTenant(path, tenantKey string) bool {
	if tenantKey == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	head := make([]byte, tenantScanBytes)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false
	}
	return bytes.Contains(head[:n], []byte(tenantKey))
}
