// Package indexdb keeps a queryable index of generated datasets: runs, the
// tiles each run recorded and the artifacts each tile produced. Writes are
// queued and applied by a single background writer; a full queue drops rows
// rather than stalling the recording loop.
package indexdb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"visualroad.ai/internal/scenario/catalogs"
	"visualroad.ai/internal/scenario/tuning"
)

type Index interface {
	RecordRun(r Run)
	RecordTile(t Tile)
	RecordArtifact(a Artifact)
	FinishRun(runID, status, errMsg string)
	UpsertConfig(cat catalogs.Catalog, tu tuning.Tuning) error
	Stats() Stats
	Close() error
}

const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

type Run struct {
	RunID     string `json:"run_id"`
	Name      string `json:"name"`
	Dir       string `json:"dir"`
	Scale     int    `json:"scale"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  int    `json:"duration"`
	Seed      int64  `json:"seed"`
	Engine    string `json:"engine"`
	StartedAt string `json:"started_at"`
}

type Tile struct {
	RunID         string `json:"run_id"`
	Tile          int    `json:"tile"`
	Map           string `json:"map"`
	Weather       string `json:"weather"`
	Vehicles      int    `json:"vehicles"`
	Pedestrians   int    `json:"pedestrians"`
	Walkers       int    `json:"walkers"`
	Controllers   int    `json:"controllers"`
	Spawned       int    `json:"spawned_vehicles"`
	Cameras       int    `json:"cameras"`
	SpawnFailures int64  `json:"spawn_failures"`
	ElapsedMs     int64  `json:"elapsed_ms"`
	Error         string `json:"error,omitempty"`
	TeardownError string `json:"teardown_error,omitempty"`
	RecordedAt    string `json:"recorded_at"`
}

type Artifact struct {
	RunID  string `json:"run_id"`
	Tile   int    `json:"tile"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Frames int64  `json:"frames"`
}

type runDone struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	FinishedAt string `json:"finished_at"`
}

type configRow struct {
	Name   string
	Digest string
	JSON   []byte
}

// configRows renders the catalog and tuning as canonical JSON with digests.
func configRows(cat catalogs.Catalog, tu tuning.Tuning) []configRow {
	var rows []configRow
	for _, v := range []struct {
		name string
		val  any
	}{{"catalog", cat}, {"tuning", tu}} {
		b, err := json.Marshal(v.val)
		if err != nil || len(b) == 0 {
			continue
		}
		sum := sha256.Sum256(b)
		rows = append(rows, configRow{Name: v.name, Digest: hex.EncodeToString(sum[:]), JSON: b})
	}
	return rows
}

// Stats reports queue health of an index writer.
type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	QueueDroppedTotal uint64 `json:"queue_dropped_total"`
	FlushFailTotal    uint64 `json:"flush_fail_total"`
	WriteErrTotal     uint64 `json:"write_err_total"`
}
