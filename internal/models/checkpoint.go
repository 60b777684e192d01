package models

import (
	"encoding/json"
	"fmt"
)

// ScrapeCheckpoint is the per-job resumable state persisted by the driver.
// A surviving checkpoint at process start signals the job was interrupted.
type ScrapeCheckpoint struct {
	TargetIndex      int                  `json:"target_index"` // Index into the expanded target list
	SeenFingerprints []string             `json:"seen_fingerprints"`
	DeliveredByTarget map[string]int      `json:"delivered_by_target"`
	LastScrollOffset float64              `json:"last_scroll_offset"`
	StagnantRounds   int                  `json:"stagnant_rounds"`
	Shortfalls       map[string]Shortfall `json:"shortfalls,omitempty"`
}

// NewScrapeCheckpoint returns an empty checkpoint
func NewScrapeCheckpoint() *ScrapeCheckpoint {
	return &ScrapeCheckpoint{
		DeliveredByTarget: make(map[string]int),
		Shortfalls:        make(map[string]Shortfall),
	}
}

// SeenSet materializes the fingerprint list as a set for the scroll loop
func (c *ScrapeCheckpoint) SeenSet() map[string]struct{} {
	seen := make(map[string]struct{}, len(c.SeenFingerprints))
	for _, fp := range c.SeenFingerprints {
		seen[fp] = struct{}{}
	}
	return seen
}

// SetSeen replaces the fingerprint list from a set, preserving compactness
func (c *ScrapeCheckpoint) SetSeen(seen map[string]struct{}) {
	fps := make([]string, 0, len(seen))
	for fp := range seen {
		fps = append(fps, fp)
	}
	c.SeenFingerprints = fps
}

// ToJSON serializes the checkpoint for storage
func (c *ScrapeCheckpoint) ToJSON() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// CheckpointFromJSON deserializes a stored checkpoint blob
func CheckpointFromJSON(data []byte) (*ScrapeCheckpoint, error) {
	var cp ScrapeCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.DeliveredByTarget == nil {
		cp.DeliveredByTarget = make(map[string]int)
	}
	if cp.Shortfalls == nil {
		cp.Shortfalls = make(map[string]Shortfall)
	}
	return &cp, nil
}
