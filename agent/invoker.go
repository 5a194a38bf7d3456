package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/verity-labs/dossier/dispatch"
	"github.com/verity-labs/dossier/pipeline/failure"
)

// systemPrompts map each worker kind to its instruction. Every prompt demands
// the same response envelope so parsing stays uniform.
var systemPrompts = map[dispatch.CallKind]string{
	dispatch.CallClassify: "You are a compliance classifier. Classify the document " +
		"described by the input into exactly one of: public, internal, confidential, " +
		"restricted. Include the classification and your reasoning in the payload.",
	dispatch.CallPlan: "You are a compliance dossier planner. Given the document and " +
		"its classification, produce the list of dossier sections to author, with a " +
		"short scope note for each.",
	dispatch.CallControlAnalysis: "You are a compliance analyst. Analyze the controls " +
		"relevant to the document and report each control's status and gaps.",
	dispatch.CallEvidenceSummary: "You are a compliance analyst. Summarize the " +
		"supporting evidence for the document, citing each source you relied on.",
	dispatch.CallRiskAssessment: "You are a risk assessor. Author the risk assessment " +
		"section for the document, rating each identified risk.",
	dispatch.CallNarrative: "You are a compliance writer. Author the narrative section " +
		"of the dossier for the document.",
}

const envelopeInstruction = "Respond with a single JSON object of the form " +
	`{"payload": <your result as JSON>, "confidence": <number in [0,1]>}. ` +
	"No prose outside the JSON."

// workerEnvelope is the response contract every worker must honor.
type workerEnvelope struct {
	Payload    json.RawMessage `json:"payload"`
	Confidence *float64        `json:"confidence"`
}

// LLMInvoker executes worker calls against an LLM endpoint. It implements
// dispatch.Invoker; all errors come back pre-classified.
type LLMInvoker struct {
	client *Client
	logger *slog.Logger
}

// NewLLMInvoker creates an invoker backed by the given client.
func NewLLMInvoker(client *Client, logger *slog.Logger) *LLMInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMInvoker{client: client, logger: logger}
}

// Invoke implements dispatch.Invoker.
func (inv *LLMInvoker) Invoke(ctx context.Context, call dispatch.WorkerCall) (json.RawMessage, float64, error) {
	system, ok := systemPrompts[call.Kind]
	if !ok {
		return nil, 0, failure.Wrap(failure.CategoryConfiguration,
			fmt.Errorf("no prompt for call kind %s", call.Kind))
	}

	user, err := buildUserMessage(call)
	if err != nil {
		return nil, 0, failure.Wrap(failure.CategoryConfiguration, err)
	}

	resp, err := inv.client.Complete(ctx, []Message{
		{Role: "system", Content: system + "\n\n" + envelopeInstruction},
		{Role: "user", Content: user},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("worker %s for item %s: %w", call.Kind, call.Item.ID, err)
	}

	inv.logger.Debug("Worker call completed",
		"kind", call.Kind,
		"item_id", call.Item.ID,
		"attempt", call.AttemptNumber(),
		"tokens", resp.Usage.TotalTokens)

	return parseEnvelope(resp.Content)
}

// buildUserMessage assembles the worker input from the item and prior-stage
// parameters.
func buildUserMessage(call dispatch.WorkerCall) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Item ID: %s\n\nInput document:\n%s\n", call.Item.ID, call.Item.Payload)
	if len(call.Params) > 0 {
		fmt.Fprintf(&b, "\nPrior stage output:\n%s\n", call.Params)
	}
	return b.String(), nil
}

// parseEnvelope extracts the payload and confidence from the worker response.
// A response that does not honor the envelope is a validation failure, not a
// transport error.
func parseEnvelope(content string) (json.RawMessage, float64, error) {
	raw := extractJSON(content)

	var env workerEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, 0, failure.Wrap(failure.CategoryValidation,
			fmt.Errorf("worker response is not a valid envelope: %w", err))
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, 0, failure.Wrap(failure.CategoryValidation,
			fmt.Errorf("worker response has no payload"))
	}
	if env.Confidence == nil {
		return nil, 0, failure.Wrap(failure.CategoryValidation,
			fmt.Errorf("worker response has no confidence"))
	}
	if *env.Confidence < 0 || *env.Confidence > 1 {
		return nil, 0, failure.Wrap(failure.CategoryValidation,
			fmt.Errorf("worker confidence %v outside [0,1]", *env.Confidence))
	}

	return env.Payload, *env.Confidence, nil
}

// extractJSON strips markdown code fences some models wrap around JSON.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	return content
}
