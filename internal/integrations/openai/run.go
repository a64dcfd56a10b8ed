package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"assistant-queue-worker/internal/domain"
)

// FunctionDef describes a function tool offered to the assistant.
type FunctionDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one function call requested by a run.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolExecutor runs the function calls an assistant asks for (the SQL layer).
type ToolExecutor interface {
	Functions() []FunctionDef
	Execute(ctx context.Context, call ToolCall) (string, error)
}

type noTools struct{}

func (noTools) Functions() []FunctionDef { return nil }

func (noTools) Execute(_ context.Context, call ToolCall) (string, error) {
	return "", fmt.Errorf("no tool executor configured for %q", call.Name)
}

// CreateResponse posts question to the thread, runs the assistant on it and
// returns the assistant's reply. A missing thread yields ErrThreadNotFound and a
// missing assistant ErrAssistantNotFound.
func (c *Client) CreateResponse(ctx context.Context, assistantID, threadID, question string) (domain.Completion, error) {
	api, _, err := c.resolve(ctx)
	if err != nil {
		return domain.Completion{}, err
	}

	_, err = api.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role:    openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(question)},
	})
	if err != nil {
		if isNotFound(err) {
			return domain.Completion{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		return domain.Completion{}, fmt.Errorf("openai: add message: %w", statusError("add message", err))
	}

	var (
		run     *openai.Run
		queries []string
	)
	for attempt := 1; attempt <= c.runAttempts; attempt++ {
		run, err = api.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{
			AssistantID: assistantID,
			TruncationStrategy: openai.BetaThreadRunNewParamsTruncationStrategy{
				Type:         "last_messages",
				LastMessages: openai.Int(c.lastMessages),
			},
		})
		if err != nil {
			if isNotFound(err) {
				return domain.Completion{}, fmt.Errorf("%w: %s", ErrAssistantNotFound, assistantID)
			}
			return domain.Completion{}, fmt.Errorf("openai: create run: %w", statusError("create run", err))
		}

		run, err = c.awaitRun(ctx, api, run, &queries)
		if err != nil {
			return domain.Completion{}, err
		}
		if run.Status == openai.RunStatusCompleted {
			break
		}
		c.logger.Warn("assistant run did not complete",
			"run_id", run.ID,
			"thread_id", threadID,
			"status", string(run.Status),
			"last_error", run.LastError.Message,
			"attempt", attempt,
		)
	}
	if run.Status != openai.RunStatusCompleted {
		return domain.Completion{}, fmt.Errorf("%w: status %s: %s %s", ErrRunFailed, run.Status, run.LastError.Code, run.LastError.Message)
	}

	answer, err := c.runAnswer(ctx, api, threadID, run.ID)
	if err != nil {
		return domain.Completion{}, err
	}
	return domain.Completion{
		Answer:  answer,
		Context: strings.Join(queries, "\n"),
		Usage: domain.Usage{
			PromptTokens:     run.Usage.PromptTokens,
			CompletionTokens: run.Usage.CompletionTokens,
			TotalTokens:      run.Usage.TotalTokens,
		},
	}, nil
}

// awaitRun polls run until it reaches a terminal status, answering tool calls
// along the way. queries collects the SQL the tools were asked to run.
func (c *Client) awaitRun(ctx context.Context, api *openai.Client, run *openai.Run, queries *[]string) (*openai.Run, error) {
	for {
		switch run.Status {
		case openai.RunStatusCompleted, openai.RunStatusFailed, openai.RunStatusCancelled,
			openai.RunStatusExpired, openai.RunStatusIncomplete:
			return run, nil
		case openai.RunStatusRequiresAction:
			next, err := c.submitToolOutputs(ctx, api, run, queries)
			if err != nil {
				return nil, err
			}
			run = next
			continue
		}

		if err := sleepCtx(ctx, c.pollInterval); err != nil {
			return nil, fmt.Errorf("openai: poll run: %w", err)
		}
		next, err := api.Beta.Threads.Runs.Get(ctx, run.ThreadID, run.ID)
		if err != nil {
			return nil, fmt.Errorf("openai: poll run: %w", statusError("get run", err))
		}
		run = next
	}
}

func (c *Client) submitToolOutputs(ctx context.Context, api *openai.Client, run *openai.Run, queries *[]string) (*openai.Run, error) {
	calls := run.RequiredAction.SubmitToolOutputs.ToolCalls
	outputs := make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, 0, len(calls))
	for _, tc := range calls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		if q := extractQuery(call.Arguments); q != "" {
			*queries = append(*queries, q)
		}
		out, err := c.tools.Execute(ctx, call)
		if err != nil {
			// The model sees the failure and can correct its call.
			c.logger.Warn("tool call failed", "tool", call.Name, "run_id", run.ID, "err", err)
			out = "Error: " + err.Error()
		}
		outputs = append(outputs, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(call.ID),
			Output:     openai.String(out),
		})
	}
	next, err := api.Beta.Threads.Runs.SubmitToolOutputs(ctx, run.ThreadID, run.ID, openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: outputs,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: submit tool outputs: %w", statusError("submit tool outputs", err))
	}
	return next, nil
}

// runAnswer returns the text of the newest assistant message produced by runID.
func (c *Client) runAnswer(ctx context.Context, api *openai.Client, threadID, runID string) (string, error) {
	page, err := api.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		RunID: openai.String(runID),
		Order: openai.BetaThreadMessageListParamsOrderDesc,
		Limit: openai.Int(10),
	})
	if err != nil {
		return "", fmt.Errorf("openai: list messages: %w", statusError("list messages", err))
	}
	for _, msg := range page.Data {
		if msg.Role != openai.MessageRoleAssistant {
			continue
		}
		var parts []string
		for _, content := range msg.Content {
			if content.Type == "text" && content.Text.Value != "" {
				parts = append(parts, content.Text.Value)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), nil
		}
	}
	return "", errors.New("openai: run produced no assistant message")
}

// extractQuery pulls the "query" argument out of a tool call, if it has one.
func extractQuery(arguments string) string {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return ""
	}
	return strings.TrimSpace(args.Query)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
