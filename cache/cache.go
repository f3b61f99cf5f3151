// Package cache holds the persisted cache record shape and the pure
// validity, staleness, and integrity checks over it.
//
// A record is valid only while its schema version matches, its age is within
// the lifetime window, and (when a hash was recorded) the data still matches
// the hash. A record is stale (old enough that a refresh should be
// recommended) on a shorter window, while remaining usable. Bumping
// SchemaVersion invalidates every previously persisted record on the next
// validity check.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/timetab/timetab/schedule"
)

// SchemaVersion tags every persisted record. Bump it when the snapshot or
// metadata shape changes incompatibly.
const SchemaVersion = "1.1.0"

const (
	// DefaultLifetime is how long a record stays valid.
	DefaultLifetime = 24 * time.Hour
	// DefaultStaleAfter is how long until a record is considered stale.
	DefaultStaleAfter = 8 * time.Hour
)

// Record sources.
const (
	SourceAPI  = "api"
	SourceFile = "file"
)

// Metadata describes one persisted record.
type Metadata struct {
	// LastUpdated is milliseconds since the epoch.
	LastUpdated int64  `json:"last_updated"`
	Version     string `json:"version"`
	Source      string `json:"source,omitempty"`
	Label       string `json:"label,omitempty"`
	Hash        string `json:"hash,omitempty"`
}

// Record is a schedule snapshot plus the metadata that governs its
// lifecycle.
type Record struct {
	Data     *schedule.Snapshot `json:"data"`
	Metadata Metadata           `json:"metadata"`
}

// IsValid reports whether the record may be served. False for a nil record,
// missing metadata, a schema version mismatch, an age beyond maxAge, or a
// recorded hash that no longer matches the data (silent external corruption
// of the persisted value).
func IsValid(r *Record, now time.Time, version string, maxAge time.Duration) bool {
	if r == nil || r.Data == nil || r.Metadata.LastUpdated == 0 {
		return false
	}
	if r.Metadata.Version != version {
		return false
	}
	if age(r, now) > maxAge {
		return false
	}
	if r.Metadata.Hash != "" && Hash(r.Data) != r.Metadata.Hash {
		return false
	}
	return true
}

// IsStale reports whether a refresh should be recommended. Stale records
// remain usable; staleness is a "should refresh" signal, not "must discard".
func IsStale(r *Record, now time.Time, threshold time.Duration) bool {
	if r == nil || r.Metadata.LastUpdated == 0 {
		return true
	}
	return age(r, now) > threshold
}

// Hash returns a short deterministic digest of v, used only for integrity
// signaling. Returns "" when v cannot be marshaled.
func Hash(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:10]
}

func age(r *Record, now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.Metadata.LastUpdated))
}
