package models

import (
	"encoding/json"
	"fmt"
)

// TestPayload is the evaluation contract of a test: the task to answer, the
// allowed options, and which option is correct.
type TestPayload struct {
	Task          string   `json:"task"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
}

// Validate checks the payload invariants: non-empty task, a non-empty list of
// distinct options, and a correct answer drawn from that list.
func (p TestPayload) Validate() error {
	if p.Task == "" {
		return fmt.Errorf("payload task must not be empty")
	}
	if len(p.Options) == 0 {
		return fmt.Errorf("payload options must not be empty")
	}
	seen := make(map[string]struct{}, len(p.Options))
	for _, opt := range p.Options {
		if opt == "" {
			return fmt.Errorf("payload options must not contain empty strings")
		}
		if _, dup := seen[opt]; dup {
			return fmt.Errorf("payload options must be distinct: %q repeats", opt)
		}
		seen[opt] = struct{}{}
	}
	if _, ok := seen[p.CorrectAnswer]; !ok {
		return fmt.Errorf("correct_answer %q is not one of the options", p.CorrectAnswer)
	}
	return nil
}

// CanonicalJSON returns the deterministic, key-sorted serialization of the
// payload. The (model, payload) uniqueness constraint compares these bytes,
// so equal payloads must always encode identically.
func (p TestPayload) CanonicalJSON() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(map[string]any{
		"task":           p.Task,
		"options":        p.Options,
		"correct_answer": p.CorrectAnswer,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(raw), nil
}

// ParseTestPayload decodes a stored payload column value.
func ParseTestPayload(raw string) (TestPayload, error) {
	var p TestPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return TestPayload{}, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}

// Test is a stored prompt plus its evaluation contract, designed against a
// specific evaluation model. Deactivated (not deleted) when retired.
type Test struct {
	ID       int64       `json:"id"`
	Model    string      `json:"model"`
	Payload  TestPayload `json:"payload"`
	IsActive bool        `json:"is_active"`
	// TotalTokens caches the uncompressed token count when known; 0 = unknown.
	TotalTokens int64 `json:"total_tokens"`
}

// UpsertTestRow is one row of a bulk test ingestion. Rows matching an
// existing (model, payload) pair are skipped, not updated.
type UpsertTestRow struct {
	Model       string      `json:"model"`
	Payload     TestPayload `json:"payload"`
	TotalTokens int64       `json:"total_tokens,omitempty"`
}

// PendingTest is a unit of unfinished work for one attempt: an active test
// with either no result row yet or a PENDING one left by a crashed worker.
type PendingTest struct {
	Test
	// HasPendingResult reports that a PENDING row already exists, so the
	// worker adopts it instead of claiming.
	HasPendingResult bool `json:"has_pending_result"`
}
