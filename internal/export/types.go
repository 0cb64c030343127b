// Package export publishes snapshots of derived tables to object storage as
// JSON lines.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Snapshot names, one object per derived table.
const (
	SnapshotBreakdowns = "breakdowns"
	SnapshotClusters   = "cluster_assignments"
	SnapshotAlignment  = "alignment_distributions"
)

// ObjectKey is where a snapshot is published.
func ObjectKey(prefix, name string) string {
	if prefix == "" {
		return name + ".jsonl"
	}
	return prefix + "/" + name + ".jsonl"
}

func stagingKey(key, token string) string {
	return "staging/" + token + "/" + key
}

// JSONLines encodes rows one JSON object per line.
func JSONLines[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
