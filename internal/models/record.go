package models

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/ternarybob/aviary/internal/common"
)

// Record is one extracted post, uniquely identified within its job by a
// deterministic fingerprint.
type Record struct {
	ID          string   `json:"id"`
	JobID       string   `json:"job_id"`
	Target      Target   `json:"target"`
	Author      string   `json:"author"`
	Content     string   `json:"content"`
	PublishedAt string   `json:"published_at,omitempty"` // Opaque source timestamp, may be empty
	Likes       uint32   `json:"likes"`
	Replies     uint32   `json:"replies"`
	Reposts     uint32   `json:"reposts"`
	Link        string   `json:"link,omitempty"` // Canonical post link
	Hashtags    []string `json:"hashtags,omitempty"`
	Media       []string `json:"media,omitempty"`
	Category    string   `json:"category,omitempty"` // Classifier hint; user override is authoritative
	Synced      bool     `json:"synced"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewRecord creates a record with a fresh id and creation timestamp
func NewRecord(jobID string, target Target) *Record {
	return &Record{
		ID:        common.NewRecordID(),
		JobID:     jobID,
		Target:    target,
		CreatedAt: time.Now(),
	}
}

// fingerprintContentLimit bounds the content prefix used when no canonical
// link is available.
const fingerprintContentLimit = 500

// Fingerprint returns the deduplication identity of the record within its
// job: a hash of author plus canonical link, falling back to author plus the
// first 500 characters of content when the link is absent.
func (r *Record) Fingerprint() string {
	h := fnv.New64a()
	h.Write([]byte(r.Author))
	h.Write([]byte{'|'})
	if r.Link != "" {
		h.Write([]byte(r.Link))
	} else {
		content := r.Content
		if len(content) > fingerprintContentLimit {
			content = content[:fingerprintContentLimit]
		}
		h.Write([]byte(content))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// PassesThresholds reports whether the record's engagement counters meet the
// spec's minimums.
func (r *Record) PassesThresholds(spec *JobSpec) bool {
	return r.Likes >= spec.MinLikes &&
		r.Replies >= spec.MinReplies &&
		r.Reposts >= spec.MinReposts
}

// Validate rejects structurally malformed candidates from the extractor
func (r *Record) Validate() error {
	if r.Author == "" {
		return fmt.Errorf("record author is required")
	}
	if r.Content == "" && r.Link == "" {
		return fmt.Errorf("record needs content or a canonical link")
	}
	return nil
}

// RecordFilter narrows record listings
type RecordFilter struct {
	JobID    string
	Synced   *bool
	Author   string
	Category string
	Limit    int
	Offset   int
}
