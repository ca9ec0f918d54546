package conditions

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/engageflow/internal/expressions"
	"github.com/rendis/engageflow/internal/logging"
	"github.com/rendis/engageflow/internal/providers"
	"github.com/rendis/engageflow/pkg/schema"
)

// DefaultAISystemPrompt instructs the model to answer in a parseable shape.
const DefaultAISystemPrompt = `You classify customer conversations. ` +
	`Reply with JSON only: either {"result": true|false} or {"intent": "<label>", "confidence": <0..1>}.`

// DefaultIntentThreshold is the confidence required when a step sets none.
const DefaultIntentThreshold = 0.5

// Context keys written by the AI evaluator.
const (
	KeyIntent           = "intent"
	KeyIntentConfidence = "intent_confidence"
	KeyAIRaw            = "ai_condition_raw"
)

// Extractor pulls a value out of decoded JSON with a path expression.
type Extractor interface {
	Extract(ctx context.Context, expression string, input any) (any, error)
}

// AIEvaluator asks an AIProvider to judge the conversation.
//
// The prompt's {placeholders} are filled from the execution context. The reply
// may be a bare boolean word, a JSON boolean, or a JSON object carrying a
// boolean under result/outcome/match or an intent with a confidence.
// result_path selects a nested value first. Unparseable replies make the
// outcome false; provider failures are returned as ACTION_FAILED so the job
// layer can retry the step.
type AIEvaluator struct {
	ai        providers.AIProvider
	extractor Extractor
	logger    *slog.Logger
}

// NewAIEvaluator creates the ai_condition evaluator.
func NewAIEvaluator(ai providers.AIProvider, extractor Extractor, logger *slog.Logger) *AIEvaluator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &AIEvaluator{ai: ai, extractor: extractor, logger: logger}
}

func (e *AIEvaluator) Kind() string { return schema.ConditionAI }

func (e *AIEvaluator) Validate(cfg *schema.ConditionConfig) error {
	if strings.TrimSpace(cfg.Prompt) == "" {
		return schema.NewError(schema.ErrCodeValidation, "ai_condition: prompt is required")
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "ai_condition: threshold %v outside [0,1]", cfg.Threshold)
	}
	if cfg.ResultPath != "" && e.extractor != nil {
		if c, ok := e.extractor.(interface{ Check(string) error }); ok {
			return c.Check(cfg.ResultPath)
		}
	}
	return nil
}

func (e *AIEvaluator) Evaluate(ctx context.Context, cfg *schema.ConditionConfig, execCtx map[string]any) (Result, error) {
	if err := e.Validate(cfg); err != nil {
		return Result{}, err
	}
	if e.ai == nil {
		return Result{}, schema.NewError(schema.ErrCodeValidation, "ai_condition: no AI provider configured")
	}

	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultAISystemPrompt
	}
	user := expressions.Render(cfg.Prompt, execCtx)

	completion, err := e.ai.GenerateResponse(ctx, system, user, providers.Options{Model: cfg.Model})
	if err != nil {
		return Result{}, schema.NewErrorf(schema.ErrCodeActionFailed, "ai_condition: provider call failed: %s", err.Error()).
			WithCause(err)
	}

	raw := completion.Content
	res := Result{Enriched: map[string]any{KeyAIRaw: raw}}

	verdict, err := e.parse(ctx, cfg, raw)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("ai_condition reply not understood, taking false branch",
			"error", err, "raw", truncate(raw, 200))
		return res, nil
	}

	if verdict.intent != "" {
		res.Enriched[KeyIntent] = verdict.intent
	}
	if verdict.hasConfidence {
		res.Enriched[KeyIntentConfidence] = verdict.confidence
	}
	res.Outcome = verdict.outcome(cfg)
	return res, nil
}

// aiVerdict is the normalized reply.
type aiVerdict struct {
	boolean       *bool
	intent        string
	confidence    float64
	hasConfidence bool
}

func (v aiVerdict) outcome(cfg *schema.ConditionConfig) bool {
	if v.boolean != nil {
		return *v.boolean
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultIntentThreshold
	}
	confident := !v.hasConfidence || v.confidence >= threshold
	if cfg.Intent != "" {
		return sameIntent(v.intent, cfg.Intent) && confident
	}
	return v.intent != "" && confident
}

func (e *AIEvaluator) parse(ctx context.Context, cfg *schema.ConditionConfig, raw string) (aiVerdict, error) {
	text := stripFences(raw)

	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		if b, ok := boolWord(text); ok {
			return aiVerdict{boolean: &b}, nil
		}
		if cfg.Intent != "" && isLabel(text) {
			return aiVerdict{intent: text}, nil
		}
		return aiVerdict{}, schema.NewErrorf(schema.ErrCodeValidation, "reply is neither JSON nor a boolean").WithCause(err)
	}

	if cfg.ResultPath != "" {
		if e.extractor == nil {
			return aiVerdict{}, schema.NewError(schema.ErrCodeValidation, "result_path set but no extractor configured")
		}
		extracted, err := e.extractor.Extract(ctx, cfg.ResultPath, decoded)
		if err != nil {
			return aiVerdict{}, err
		}
		decoded = extracted
	}
	return interpret(decoded, cfg)
}

func interpret(v any, cfg *schema.ConditionConfig) (aiVerdict, error) {
	switch x := v.(type) {
	case bool:
		return aiVerdict{boolean: &x}, nil
	case string:
		if b, ok := boolWord(x); ok {
			return aiVerdict{boolean: &b}, nil
		}
		if strings.TrimSpace(x) != "" {
			return aiVerdict{intent: strings.TrimSpace(x)}, nil
		}
	case float64:
		return aiVerdict{confidence: x, hasConfidence: true, intent: cfg.Intent}, nil
	case map[string]any:
		var out aiVerdict
		for _, key := range []string{"result", "outcome", "match"} {
			if b, ok := x[key].(bool); ok {
				out.boolean = &b
				break
			}
		}
		if s, ok := x["intent"].(string); ok {
			out.intent = strings.TrimSpace(s)
		}
		if c, ok := schema.ToFloat(x["confidence"]); ok {
			out.confidence, out.hasConfidence = c, true
		}
		if out.boolean != nil || out.intent != "" {
			return out, nil
		}
	}
	return aiVerdict{}, schema.NewErrorf(schema.ErrCodeValidation, "unrecognized reply shape %T", v)
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func boolWord(s string) (bool, bool) {
	w := strings.ToLower(strings.Trim(strings.TrimSpace(s), ".!\"'"))
	switch w {
	case "true", "yes", "y":
		return true, true
	case "false", "no", "n":
		return false, true
	}
	return false, false
}

// isLabel reports whether s looks like a bare single-token intent label.
func isLabel(s string) bool {
	return s != "" && len(s) <= 64 && !strings.ContainsAny(s, " \n\t{}[]")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
