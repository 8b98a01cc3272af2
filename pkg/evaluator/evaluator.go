// Package evaluator runs the two-phase evaluation pipeline: compress a test
// task with a candidate compressing prompt, then ask the evaluation model to
// answer the compressed task, scoring correctness and token efficiency.
// It never touches storage; persistence of outcomes is the tasker's job.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/promptlab/comprev/pkg/llm"
	"github.com/promptlab/comprev/pkg/models"
)

// answerInstruction is the fixed system message for the answer phase.
const answerInstruction = "Answer the question by calling the answer_question function with exactly one of the allowed options. Do not answer in free-form text."

// EvaluationResult is the outcome of the answer phase. It is a value, not an
// error: a gateway failure or a wrong answer both surface as Passed=false.
type EvaluationResult struct {
	Passed bool      `json:"passed"`
	Usage  llm.Usage `json:"usage"`
	// RequestJSON is the canonical request body of the last completed gateway
	// call, empty when no call completed.
	RequestJSON string `json:"request_json"`
}

// CompressionResult bundles both phases of one compression evaluation.
type CompressionResult struct {
	TestCase         models.TestPayload `json:"test_case"`
	CompressedTask   string             `json:"compressed_task"`
	CompressionUsage llm.Usage          `json:"compression_usage"`
	// CompressionRatio is uncompressed total tokens over answer-phase total
	// tokens, 0 when the denominator is not positive.
	CompressionRatio float64          `json:"compression_ratio"`
	Evaluation       EvaluationResult `json:"evaluation"`
	// RequestJSON combines both phase requests for auditing.
	RequestJSON string `json:"request_json"`
}

// Evaluator drives the gateway for both pipeline phases. Safe for concurrent
// use across distinct inputs.
type Evaluator struct {
	gateway llm.Gateway
	logger  *slog.Logger
}

// New creates an Evaluator over the given gateway.
func New(gateway llm.Gateway) *Evaluator {
	return &Evaluator{
		gateway: gateway,
		logger:  slog.With("component", "evaluator"),
	}
}

// EvaluatePrompt asks the model to answer the test case up to attempts times.
// Every iteration must produce the correct answer for the result to pass; the
// first failure (gateway error or wrong answer) short-circuits. Usage is
// accumulated across all completed calls.
func (e *Evaluator) EvaluatePrompt(ctx context.Context, testCase models.TestPayload, model string, attempts int) EvaluationResult {
	var result EvaluationResult

	for i := 0; i < attempts; i++ {
		answer, err := e.gateway.AnswerWithTool(ctx, model, answerInstruction, testCase.Task, testCase.Options)
		if err != nil {
			e.logger.Warn("answer phase failed",
				"model", model,
				"iteration", i,
				"error", err)
			return result
		}

		result.Usage.Add(answer.Usage)
		result.RequestJSON = answer.RequestJSON

		if !answersMatch(answer.Answer, testCase.CorrectAnswer) {
			e.logger.Debug("answer mismatch",
				"model", model,
				"iteration", i,
				"got", answer.Answer,
				"want", testCase.CorrectAnswer)
			return result
		}
	}

	result.Passed = true
	return result
}

// EvaluateCompression compresses the test task with the candidate prompt and
// evaluates the compressed task. Only a compression-phase failure returns an
// error; a failed answer phase is reported through the result.
func (e *Evaluator) EvaluateCompression(ctx context.Context, testCase models.TestPayload, compressingPrompt, compressionModel, evaluationModel string, uncompressedTotalTokens int64) (*CompressionResult, error) {
	compression, err := e.gateway.Compress(ctx, compressionModel, compressingPrompt, testCase.Task)
	if err != nil {
		return nil, fmt.Errorf("failed to compress task: %w", err)
	}

	derived := models.TestPayload{
		Task:          compression.CompressedTask,
		Options:       testCase.Options,
		CorrectAnswer: testCase.CorrectAnswer,
	}
	evaluation := e.EvaluatePrompt(ctx, derived, evaluationModel, 1)

	var ratio float64
	if evaluation.Usage.TotalTokens > 0 {
		ratio = float64(uncompressedTotalTokens) / float64(evaluation.Usage.TotalTokens)
	}

	return &CompressionResult{
		TestCase:         testCase,
		CompressedTask:   compression.CompressedTask,
		CompressionUsage: compression.Usage,
		CompressionRatio: ratio,
		Evaluation:       evaluation,
		RequestJSON:      combineRequests(compression.RequestJSON, evaluation.RequestJSON),
	}, nil
}

// answersMatch compares answers ignoring surrounding whitespace and case.
func answersMatch(got, want string) bool {
	return strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want))
}

// combineRequests merges the per-phase request bodies into one canonical JSON
// document. A phase that never completed a request serializes as null.
func combineRequests(compression, evaluation string) string {
	doc := map[string]any{
		"compression": rawOrNull(compression),
		"evaluation":  rawOrNull(evaluation),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(raw)
}

func rawOrNull(requestJSON string) any {
	if requestJSON == "" {
		return nil
	}
	return json.RawMessage(requestJSON)
}
