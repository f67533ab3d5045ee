package artifact

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Replay records boundary outputs and serves them back for identical
// calls. A call is identical when the entry point, model, input text,
// and input provenance all match: the same prompt arriving with
// different provenance is a different call.
type Replay struct {
	db     *sql.DB
	logger *zap.Logger
}

// Replay returns the replay store backed by this cache's database.
func (c *Cache) Replay() *Replay {
	return &Replay{db: c.db, logger: c.logger}
}

// Lookup returns a previously recorded output and whether one exists.
func (r *Replay) Lookup(entry, model, input string, origins []string) (string, bool) {
	var output string
	err := r.db.QueryRow(
		`SELECT output FROM replays WHERE entry = ? AND model = ? AND input_hash = ? AND origins = ?`,
		entry, model, inputHash(input), originKey(origins),
	).Scan(&output)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		r.logger.Warn("replay lookup failed", zap.String("entry", entry), zap.Error(err))
		return "", false
	}
	return output, true
}

// Record stores an observed output. Re-recording the same call replaces
// the previous output.
func (r *Replay) Record(entry, model, input string, origins []string, output string) error {
	if _, err := r.db.Exec(
		`INSERT OR REPLACE INTO replays (entry, model, input_hash, origins, output) VALUES (?, ?, ?, ?, ?)`,
		entry, model, inputHash(input), originKey(origins), output,
	); err != nil {
		return fmt.Errorf("failed to record replay: %w", err)
	}
	return nil
}

func inputHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// originKey canonicalizes a provenance set: order-independent, one key
// per distinct set.
func originKey(origins []string) string {
	if len(origins) == 0 {
		return ""
	}
	sorted := append([]string(nil), origins...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
