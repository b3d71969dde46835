package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/reviewpulse/statcache/pkg/stat"
)

// wireEntry is the encoding stored in the primary backend. Soft and hard
// expiry travel with the snapshot so any process reading the entry applies
// the same staleness decisions.
type wireEntry struct {
	Snapshot   stat.Snapshot `json:"s"`
	SoftExpiry int64         `json:"soft"` // unix nanos
	HardExpiry int64         `json:"hard"`
}

// encodeEntry serializes a cache entry for the primary backend.
func encodeEntry(entry stat.Entry) ([]byte, error) {
	w := wireEntry{
		Snapshot:   entry.Snapshot,
		SoftExpiry: entry.SoftExpiry.UnixNano(),
		HardExpiry: entry.HardExpiry.UnixNano(),
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

// decodeEntry deserializes a cache entry. Corrupt data is reported as an
// error; callers treat it as a miss.
func decodeEntry(data []byte) (stat.Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return stat.Entry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return stat.Entry{
		Snapshot:   w.Snapshot,
		SoftExpiry: time.Unix(0, w.SoftExpiry),
		HardExpiry: time.Unix(0, w.HardExpiry),
	}, nil
}
