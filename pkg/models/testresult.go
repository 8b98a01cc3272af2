package models

import "time"

// ResultStatus is the TestResult state machine. PENDING claims the
// (attempt, test) slot; VALID and FAILED are terminal.
type ResultStatus string

const (
	StatusPending ResultStatus = "PENDING"
	StatusValid   ResultStatus = "VALID"
	StatusFailed  ResultStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s ResultStatus) Terminal() bool {
	return s == StatusValid || s == StatusFailed
}

// TestResult is the outcome of running one attempt against one test. The
// composite (AttemptID, TestID) key doubles as the claim lock: the first
// PENDING insert wins the slot.
type TestResult struct {
	AttemptID        int64        `json:"attempt_id"`
	TestID           int64        `json:"test_id"`
	Status           ResultStatus `json:"status"`
	CompressedPrompt *string      `json:"compressed_prompt"`
	CompressionRatio *float64     `json:"compression_ratio"`
	RequestJSON      *string      `json:"request_json"`
	LastModified     time.Time    `json:"last_modified"`
}

// FinalizeResultRequest transitions a PENDING row to a terminal status.
// Payload fields are optional; a VALID finalize carries all of them.
type FinalizeResultRequest struct {
	AttemptID        int64        `json:"attempt_id"`
	TestID           int64        `json:"test_id"`
	Status           ResultStatus `json:"status"`
	CompressedPrompt *string      `json:"compressed_prompt,omitempty"`
	CompressionRatio *float64     `json:"compression_ratio,omitempty"`
	RequestJSON      *string      `json:"request_json,omitempty"`
}
