package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewRecordID generates a unique record ID with the "rec_" prefix
func NewRecordID() string {
	return "rec_" + uuid.New().String()
}
