package conditions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/engageflow/internal/expressions"
	"github.com/rendis/engageflow/internal/providers"
	"github.com/rendis/engageflow/pkg/schema"
)

type fakeAI struct {
	reply string
	err   error
	calls int
	user  string
}

func (f *fakeAI) GenerateResponse(_ context.Context, _, user string, _ providers.Options) (*providers.Completion, error) {
	f.calls++
	f.user = user
	if f.err != nil {
		return nil, f.err
	}
	return &providers.Completion{Content: f.reply}, nil
}

func newRegistry(t *testing.T, ai providers.AIProvider) *Registry {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, Deps{AI: ai, Engines: engines}))
	return r
}

func evaluate(t *testing.T, r *Registry, cfg *schema.ConditionConfig, execCtx map[string]any) Result {
	t.Helper()
	e, err := r.Get(cfg.ConditionType)
	require.NoError(t, err)
	res, err := e.Evaluate(context.Background(), cfg, execCtx)
	require.NoError(t, err)
	return res
}

func TestRegistry_DuplicateAndUnknown(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(IntentEvaluator{}))

	err := r.Register(IntentEvaluator{})
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	_, err = r.Get("sentiment")
	assert.Equal(t, schema.ErrCodeUnknownStepType, schema.CodeOf(err))

	assert.Equal(t, []string{schema.ConditionIntentValue}, r.Kinds())
}

func TestAttribute_Operators(t *testing.T) {
	execCtx := map[string]any{
		"channel":      "whatsapp",
		"message":      "I want a refund please",
		"order_total":  120.5,
		"visits":       "3",
		"tags":         []any{"vip", "es"},
		"empty_string": "",
		"customer":     map[string]any{"tier": "gold", "age": float64(42)},
	}

	tests := []struct {
		name  string
		field string
		op    string
		value any
		want  bool
	}{
		{"equals string", "channel", OpEquals, "whatsapp", true},
		{"default operator is equals", "channel", "", "whatsapp", true},
		{"not equals", "channel", OpNotEquals, "email", true},
		{"numeric equality across types", "visits", OpEquals, 3, true},
		{"greater than", "order_total", OpGreaterThan, 100, true},
		{"less equal", "order_total", OpLessEqual, 120.5, true},
		{"less than false", "order_total", OpLessThan, 50, false},
		{"greater equal on numeric string", "visits", OpGreaterEqual, "2", true},
		{"contains substring", "message", OpContains, "refund", true},
		{"contains in list", "tags", OpContains, "vip", true},
		{"not contains", "tags", OpNotContains, "en", true},
		{"in", "channel", OpIn, []any{"sms", "whatsapp"}, true},
		{"is empty", "empty_string", OpIsEmpty, nil, true},
		{"is not empty", "channel", OpIsNotEmpty, nil, true},
		{"namespaced via dotted path", "customer.tier", OpEquals, "gold", true},
		{"namespaced bare field", "age", OpGreaterEqual, 18, true},
		{"missing field equals", "nope", OpEquals, "x", false},
		{"missing field not equals", "nope", OpNotEquals, "x", true},
		{"missing field less equal", "nope", OpLessEqual, 10, false},
		{"missing field greater than", "nope", OpGreaterThan, 0, false},
		{"missing field is empty", "nope", OpIsEmpty, nil, true},
		{"non numeric compare", "channel", OpGreaterThan, 1, false},
	}

	r := newRegistry(t, nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &schema.ConditionConfig{
				ConditionType: schema.ConditionCustomerAttribute,
				Field:         tc.field,
				Operator:      tc.op,
				Value:         tc.value,
			}
			assert.Equal(t, tc.want, evaluate(t, r, cfg, execCtx).Outcome)
		})
	}
}

func TestAttribute_ConversationNamespace(t *testing.T) {
	r := newRegistry(t, nil)
	cfg := &schema.ConditionConfig{
		ConditionType: schema.ConditionConversationAttribute,
		Field:         "status",
		Operator:      OpEquals,
		Value:         "open",
	}
	execCtx := map[string]any{"conversation": map[string]any{"status": "open"}}
	assert.True(t, evaluate(t, r, cfg, execCtx).Outcome)
}

func TestAttribute_Validate(t *testing.T) {
	e := NewConversationAttribute()
	err := e.Validate(&schema.ConditionConfig{Field: "x", Operator: "matches"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = e.Validate(&schema.ConditionConfig{Operator: OpEquals})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestIntent(t *testing.T) {
	r := newRegistry(t, nil)
	cfg := &schema.ConditionConfig{ConditionType: schema.ConditionIntentValue, Intent: "Refund"}

	assert.True(t, evaluate(t, r, cfg, map[string]any{"intent": " refund "}).Outcome)
	assert.False(t, evaluate(t, r, cfg, map[string]any{"intent": "greeting"}).Outcome)
	assert.False(t, evaluate(t, r, cfg, map[string]any{}).Outcome)
}

func TestExpression(t *testing.T) {
	r := newRegistry(t, nil)
	cfg := &schema.ConditionConfig{
		ConditionType: schema.ConditionExpression,
		Expression:    `customer.tier == "gold" && context.order_total > 100.0`,
	}
	execCtx := map[string]any{
		"order_total": 150.0,
		"customer":    map[string]any{"tier": "gold"},
	}
	assert.True(t, evaluate(t, r, cfg, execCtx).Outcome)

	// Missing key is a runtime error: false, not a failure.
	assert.False(t, evaluate(t, r, cfg, map[string]any{"customer": map[string]any{"tier": "gold"}}).Outcome)
}

func TestExpression_CompileErrorIsValidation(t *testing.T) {
	r := newRegistry(t, nil)
	e, err := r.Get(schema.ConditionExpression)
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), &schema.ConditionConfig{Expression: "context.("}, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestAI_Replies(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		cfg        schema.ConditionConfig
		want       bool
		wantIntent any
	}{
		{name: "bare true", reply: "true", want: true},
		{name: "yes word", reply: "Yes.", want: true},
		{name: "json false", reply: "false", want: false},
		{name: "json result", reply: `{"result": true}`, want: true},
		{name: "fenced json", reply: "```json\n{\"match\": true}\n```", want: true},
		{name: "intent above threshold", reply: `{"intent":"refund","confidence":0.9}`, want: true, wantIntent: "refund"},
		{name: "intent below threshold", reply: `{"intent":"refund","confidence":0.3}`, want: false, wantIntent: "refund"},
		{
			name:       "configured intent mismatch",
			reply:      `{"intent":"greeting","confidence":0.99}`,
			cfg:        schema.ConditionConfig{Intent: "refund"},
			want:       false,
			wantIntent: "greeting",
		},
		{
			name:       "custom threshold",
			reply:      `{"intent":"refund","confidence":0.6}`,
			cfg:        schema.ConditionConfig{Threshold: 0.8},
			want:       false,
			wantIntent: "refund",
		},
		{
			name:  "result path",
			reply: `{"analysis":{"is_urgent":true}}`,
			cfg:   schema.ConditionConfig{ResultPath: ".analysis.is_urgent"},
			want:  true,
		},
		{name: "garbage", reply: "I am not sure what you mean", want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ai := &fakeAI{reply: tc.reply}
			r := newRegistry(t, ai)
			cfg := tc.cfg
			cfg.ConditionType = schema.ConditionAI
			cfg.Prompt = "Is {customer_name} asking about: {message}?"

			res := evaluate(t, r, &cfg, map[string]any{
				"message":  "where is my money",
				"customer": map[string]any{"name": "Ana"},
			})
			assert.Equal(t, tc.want, res.Outcome)
			assert.Equal(t, tc.reply, res.Enriched[KeyAIRaw])
			if tc.wantIntent != nil {
				assert.Equal(t, tc.wantIntent, res.Enriched[KeyIntent])
			}
			assert.Equal(t, "Is Ana asking about: where is my money?", ai.user)
		})
	}
}

func TestAI_ProviderErrorIsActionFailed(t *testing.T) {
	r := newRegistry(t, &fakeAI{err: errors.New("connection reset")})
	e, err := r.Get(schema.ConditionAI)
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), &schema.ConditionConfig{Prompt: "p"}, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeActionFailed, schema.CodeOf(err))

	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.True(t, ee.IsRetryable())
}

func TestAI_RequiresPrompt(t *testing.T) {
	e := NewAIEvaluator(&fakeAI{}, nil, nil)
	err := e.Validate(&schema.ConditionConfig{})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "true", stripFences("  true "))
}
