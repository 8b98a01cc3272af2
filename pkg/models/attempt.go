package models

import "time"

// Attempt is a user-submitted (compressing_prompt, compression_model) pair to
// be evaluated against the active test corpus. AverageCompressionRatio is the
// completion marker: null until the tasker aggregates the attempt.
type Attempt struct {
	ID                      int64     `json:"id"`
	Timestamp               time.Time `json:"timestamp"`
	CompressingPrompt       string    `json:"compressing_prompt"`
	Model                   string    `json:"model"`
	Login                   string    `json:"login"`
	AverageCompressionRatio *float64  `json:"average_compression_ratio"`
}

// Completed reports whether the attempt has been aggregated.
func (a *Attempt) Completed() bool {
	return a.AverageCompressionRatio != nil
}

// CreateAttemptRequest contains fields for inserting a new attempt.
type CreateAttemptRequest struct {
	CompressingPrompt string `json:"compressing_prompt"`
	Model             string `json:"model"`
	Login             string `json:"login"`
}
