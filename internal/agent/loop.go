package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/loom-ai/loom/internal/modelclient"
	"github.com/loom-ai/loom/internal/ui"
)

// MaxToolNudges bounds how many corrective "call a tool" messages the loop
// injects before it gives up waiting for tool use and forces a schema-valid
// answer.
const MaxToolNudges = 2

const (
	toolNudgeMessage      = "Call one of the available tools now to gather live context before answering."
	schemaReminderMessage = "You have the tool results you need. Respond now using the required JSON schema, with no further tool calls."
)

// loop states. The retry counters live alongside the state so the budget
// invariants are directly observable in tests.
type state int

const (
	stateAwaitModel state = iota
	stateExecTools
	stateCheckCompliance
	stateAccepted
)

// ToolExecutor runs a single model-requested tool call. The returned payload
// becomes the tool-result message content. Errors are reported to the model
// inside the result payload, never raised out of the loop.
type ToolExecutor interface {
	Execute(ctx context.Context, call modelclient.ToolCall) (string, error)
}

// RunInput seeds one generation conversation.
type RunInput struct {
	Model          string
	Messages       []modelclient.Message
	Tools          []modelclient.ToolDefinition
	ResponseSchema map[string]any
	SchemaName     string
}

// Result is the loop's terminal outcome. Placeholder is set when the model's
// final output was missing or unparsable and the deterministic fallback
// document was substituted.
type Result struct {
	Document    *ui.Document
	Raw         string
	Placeholder bool
	Provider    string
	Model       string
	Duration    time.Duration
	Usage       modelclient.Usage
	ToolRounds  int
	Nudges      int
}

// Loop drives a bounded tool-calling conversation to a schema-valid UI
// document. The only fatal failure mode is the model client itself erroring;
// every kind of model misbehavior degrades to the placeholder document.
type Loop struct {
	client   modelclient.Client
	executor ToolExecutor
	logger   *log.Logger
}

// Option customises loop construction.
type Option func(*Loop)

// WithExecutor attaches the tool executor. Without one, tool calls are
// answered with an error payload.
func WithExecutor(executor ToolExecutor) Option {
	return func(l *Loop) { l.executor = executor }
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New constructs a loop over the given model client.
func New(client modelclient.Client, opts ...Option) *Loop {
	l := &Loop{
		client: client,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the conversation state machine until a document is accepted or
// the model client fails.
func (l *Loop) Run(ctx context.Context, input RunInput) (*Result, error) {
	messages := make([]modelclient.Message, len(input.Messages))
	copy(messages, input.Messages)

	result := &Result{}

	// Schema enforcement starts on the first turn only when there are
	// no tools to call; a tool round always precedes enforcement otherwise.
	enforce := len(input.Tools) == 0
	lastEnforced := false
	toolCalled := false
	reminded := false

	var last modelclient.Message

	current := stateAwaitModel
	for current != stateAccepted {
		switch current {
		case stateAwaitModel:
			req := modelclient.ChatRequest{
				Model:    input.Model,
				Messages: messages,
				Tools:    input.Tools,
			}
			if enforce {
				req.ResponseSchema = input.ResponseSchema
				req.SchemaName = input.SchemaName
			}
			lastEnforced = enforce

			resp, err := l.client.Chat(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("agent: model call failed: %w", err)
			}
			result.Provider = resp.Provider
			result.Model = resp.Model
			result.Duration += resp.Duration
			result.Usage.PromptTokens += resp.Usage.PromptTokens
			result.Usage.CompletionTokens += resp.Usage.CompletionTokens
			result.Usage.TotalTokens += resp.Usage.TotalTokens

			last = resp.Message
			messages = append(messages, last)

			if len(last.ToolCalls) > 0 {
				current = stateExecTools
			} else {
				current = stateCheckCompliance
			}

		case stateExecTools:
			toolCalled = true
			result.ToolRounds++
			for _, call := range last.ToolCalls {
				messages = append(messages, modelclient.Message{
					Role:       modelclient.RoleTool,
					ToolCallID: call.ID,
					Content:    l.executeTool(ctx, call),
				})
			}
			// After the first tool round the schema is enforced for the rest
			// of the conversation, announced exactly once.
			if !reminded {
				messages = append(messages, modelclient.Message{
					Role:    modelclient.RoleSystem,
					Content: schemaReminderMessage,
				})
				reminded = true
			}
			enforce = true
			current = stateAwaitModel

		case stateCheckCompliance:
			if len(input.Tools) > 0 && !toolCalled && result.Nudges < MaxToolNudges {
				result.Nudges++
				messages = append(messages, modelclient.Message{
					Role:    modelclient.RoleSystem,
					Content: toolNudgeMessage,
				})
				enforce = false
				current = stateAwaitModel
				break
			}
			if !lastEnforced {
				// Nudge budget exhausted without a tool call. Take one final
				// turn with the schema forced and accept whatever comes back.
				enforce = true
				current = stateAwaitModel
				break
			}
			current = stateAccepted
		}
	}

	result.Raw = last.Content
	doc, err := ui.ParseDocument([]byte(last.Content))
	if err != nil {
		l.logger.Printf("[Agent] Unusable model output, substituting placeholder: %v", err)
		result.Document = ui.Placeholder("")
		result.Placeholder = true
		return result, nil
	}
	result.Document = doc
	return result, nil
}

// executeTool runs one requested call and encodes any failure into the
// payload so the model can react to it.
func (l *Loop) executeTool(ctx context.Context, call modelclient.ToolCall) string {
	if l.executor == nil {
		return errorPayload(fmt.Sprintf("tool %q is not executable", call.Name))
	}
	payload, err := l.executor.Execute(ctx, call)
	if err != nil {
		l.logger.Printf("[Agent] Tool %s failed: %v", call.Name, err)
		return errorPayload(err.Error())
	}
	return payload
}

func errorPayload(message string) string {
	encoded, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(encoded)
}
