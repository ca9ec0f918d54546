package expressions

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rendis/engageflow/pkg/schema"
)

// programs memoizes compiled expressions of one language. Concurrent first
// uses of the same source share a single compilation. Compile failures are
// not cached.
type programs[P any] struct {
	lang    string
	compile func(source string) (P, error)

	mu     sync.RWMutex
	byText map[string]P
	group  singleflight.Group
}

func newPrograms[P any](lang string, compile func(string) (P, error)) *programs[P] {
	return &programs[P]{lang: lang, compile: compile, byText: make(map[string]P)}
}

func (p *programs[P]) get(source string) (P, error) {
	var zero P
	if source == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", p.lang)
	}
	p.mu.RLock()
	prg, ok := p.byText[source]
	p.mu.RUnlock()
	if ok {
		return prg, nil
	}

	v, err, _ := p.group.Do(source, func() (any, error) {
		prg, err := p.compile(source)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.byText[source] = prg
		p.mu.Unlock()
		return prg, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(P), nil
}

func (p *programs[P]) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byText)
}

// compileError reports an expression that cannot be compiled.
func compileError(lang, source string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", lang, source, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": source})
}

// runtimeError reports a compiled expression that failed on its input.
func runtimeError(lang, source string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s evaluation failed for %q: %s", lang, source, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": source})
}
