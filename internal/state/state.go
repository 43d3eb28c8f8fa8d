// Package state persists resumable run state as immutable, sequence-tagged
// snapshot files. A run can be killed at any point and picked up again from
// the newest snapshot that parses and validates.
package state

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Version of the snapshot schema. Bump when the RunState shape changes
// incompatibly; old snapshots then read as "no state" instead of garbage.
const Version = 1

// RunState is the resumable unit of a pipeline run: where we are, what it
// has cost so far, and the per-stage leftovers a resume needs.
type RunState struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Title   string `json:"title"`

	// CurrentStage counts completed pipeline stages; the next stage to run
	// is the one at this index.
	CurrentStage int `json:"current_stage"`

	// TotalCost is the accumulated dollar spend for this run. Mutated only
	// by the cost ledger's Record.
	TotalCost float64 `json:"total_cost"`

	// RetryCounts tracks fallback attempts per stage name.
	RetryCounts map[string]int `json:"retry_counts,omitempty"`

	// StageResults holds the opaque per-stage output blobs.
	StageResults map[string]json.RawMessage `json:"stage_results,omitempty"`

	// ClientKeys lists the backend identifiers instantiated during this run.
	ClientKeys []string `json:"client_keys,omitempty"`

	// LTMVersion is the current long-term-memory generation; bumped on every
	// outline repopulation so stale facts can be superseded.
	LTMVersion int `json:"ltm_version"`

	// SceneCount counts short-term-memory entries appended so far.
	SceneCount int `json:"scene_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunState creates a fresh run with a short unique id.
func NewRunState(title string) *RunState {
	now := time.Now()
	return &RunState{
		Version:      Version,
		RunID:        uuid.New().String()[:8],
		Title:        title,
		RetryCounts:  make(map[string]int),
		StageResults: make(map[string]json.RawMessage),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks structural soundness. A snapshot that fails here is
// discarded by Load rather than handed to callers half-populated.
func (rs *RunState) Validate() error {
	if rs.Version != Version {
		return fmt.Errorf("unsupported state version %d (want %d)", rs.Version, Version)
	}
	if rs.RunID == "" {
		return fmt.Errorf("missing run id")
	}
	if rs.CurrentStage < 0 {
		return fmt.Errorf("negative stage position %d", rs.CurrentStage)
	}
	if rs.TotalCost < 0 || math.IsNaN(rs.TotalCost) || math.IsInf(rs.TotalCost, 0) {
		return fmt.Errorf("invalid total cost %v", rs.TotalCost)
	}
	if rs.LTMVersion < 0 {
		return fmt.Errorf("negative ltm version %d", rs.LTMVersion)
	}
	if rs.SceneCount < 0 {
		return fmt.Errorf("negative scene count %d", rs.SceneCount)
	}
	return nil
}

// normalize fills in nil maps after a load so callers never nil-check.
func (rs *RunState) normalize() {
	if rs.RetryCounts == nil {
		rs.RetryCounts = make(map[string]int)
	}
	if rs.StageResults == nil {
		rs.StageResults = make(map[string]json.RawMessage)
	}
}

// RecordClientKey notes a backend identifier the run has instantiated a
// client for. Duplicate keys are ignored.
func (rs *RunState) RecordClientKey(id string) {
	for _, k := range rs.ClientKeys {
		if k == id {
			return
		}
	}
	rs.ClientKeys = append(rs.ClientKeys, id)
}
