package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/promptlab/comprev/pkg/llm"
)

// gatewayScript defines one scripted gateway response: Text is the compressed
// task or the tool answer, exclusive with Err.
type gatewayScript struct {
	Text  string
	Usage llm.Usage
	Err   error
}

// CompressCall records one Compress invocation.
type CompressCall struct {
	Model             string
	CompressingPrompt string
	Task              string
}

// AnswerCall records one AnswerWithTool invocation.
type AnswerCall struct {
	Model   string
	System  string
	User    string
	Options []string
}

// ScriptedGateway implements llm.Gateway with task-keyed dispatch:
// compressions are routed by the original task text, answers by the
// compressed task text. Routing by content (instead of call order) keeps
// scripts deterministic when concurrent workers interleave calls.
// An unscripted task returns an error, which surfaces as an aborted attempt.
type ScriptedGateway struct {
	mu           sync.Mutex
	compressions map[string]gatewayScript
	answers      map[string]gatewayScript

	compressCalls []CompressCall
	answerCalls   []AnswerCall

	// OnAnswer, when set, runs before each answer phase returns. Used to
	// inject state changes mid-evaluation (claim races, pool restarts).
	OnAnswer func(task string)
}

// NewScriptedGateway creates an empty ScriptedGateway.
func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{
		compressions: make(map[string]gatewayScript),
		answers:      make(map[string]gatewayScript),
	}
}

// ScriptCompression registers the compression returned for task.
func (g *ScriptedGateway) ScriptCompression(task, compressed string, usage llm.Usage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.compressions[task] = gatewayScript{Text: compressed, Usage: usage}
}

// FailCompression makes compressing task return err.
func (g *ScriptedGateway) FailCompression(task string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.compressions[task] = gatewayScript{Err: err}
}

// ScriptAnswer registers the tool answer returned for a compressed task.
func (g *ScriptedGateway) ScriptAnswer(compressedTask, answer string, usage llm.Usage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answers[compressedTask] = gatewayScript{Text: answer, Usage: usage}
}

// FailAnswer makes the answer phase for a compressed task return err.
func (g *ScriptedGateway) FailAnswer(compressedTask string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answers[compressedTask] = gatewayScript{Err: err}
}

// Compress implements llm.Gateway.
func (g *ScriptedGateway) Compress(ctx context.Context, model, compressingPrompt, task string) (*llm.Compression, error) {
	g.mu.Lock()
	g.compressCalls = append(g.compressCalls, CompressCall{
		Model:             model,
		CompressingPrompt: compressingPrompt,
		Task:              task,
	})
	script, ok := g.compressions[task]
	g.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("ScriptedGateway: no compression scripted for task %q", task)
	}
	if script.Err != nil {
		return nil, script.Err
	}

	body, err := json.Marshal(map[string]any{
		"model":  model,
		"system": compressingPrompt,
		"user":   task,
	})
	if err != nil {
		return nil, err
	}
	return &llm.Compression{
		CompressedTask: script.Text,
		Usage:          script.Usage,
		RequestJSON:    string(body),
	}, nil
}

// AnswerWithTool implements llm.Gateway.
func (g *ScriptedGateway) AnswerWithTool(ctx context.Context, model, system, user string, options []string) (*llm.ToolAnswer, error) {
	g.mu.Lock()
	g.answerCalls = append(g.answerCalls, AnswerCall{
		Model:   model,
		System:  system,
		User:    user,
		Options: append([]string(nil), options...),
	})
	script, ok := g.answers[user]
	onAnswer := g.OnAnswer
	g.mu.Unlock()

	if onAnswer != nil {
		onAnswer(user)
	}

	if !ok {
		return nil, fmt.Errorf("ScriptedGateway: no answer scripted for task %q", user)
	}
	if script.Err != nil {
		return nil, script.Err
	}

	body, err := json.Marshal(map[string]any{
		"model":   model,
		"system":  system,
		"user":    user,
		"options": options,
	})
	if err != nil {
		return nil, err
	}
	return &llm.ToolAnswer{
		Answer:      script.Text,
		Usage:       script.Usage,
		RequestJSON: string(body),
	}, nil
}

// CompressCalls returns a copy of the recorded compression calls.
func (g *ScriptedGateway) CompressCalls() []CompressCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]CompressCall(nil), g.compressCalls...)
}

// AnswerCalls returns a copy of the recorded answer calls.
func (g *ScriptedGateway) AnswerCalls() []AnswerCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]AnswerCall(nil), g.answerCalls...)
}

// CallCount returns the total number of gateway calls across both phases.
func (g *ScriptedGateway) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.compressCalls) + len(g.answerCalls)
}
