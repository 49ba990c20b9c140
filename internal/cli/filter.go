package cli

import (
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/grantcarthew/cdpmux/internal/cdp"
)

// filterEnv is what a --filter expression sees for each event.
type filterEnv struct {
	Method    string         `expr:"method"`
	SessionID string         `expr:"sessionId"`
	Params    map[string]any `expr:"params"`
}

// eventFilter selects events with a boolean expression. A nil filter
// matches everything.
type eventFilter struct {
	src     string
	program *vm.Program
}

func compileFilter(src string) (*eventFilter, error) {
	if src == "" {
		return nil, nil
	}
	program, err := expr.Compile(src, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return &eventFilter{src: src, program: program}, nil
}

func (f *eventFilter) match(evt cdp.Event) (bool, error) {
	if f == nil {
		return true, nil
	}

	env := filterEnv{Method: evt.Method, SessionID: evt.SessionID}
	if len(evt.Params) > 0 {
		if err := json.Unmarshal(evt.Params, &env.Params); err != nil {
			return false, fmt.Errorf("failed to decode %s params: %w", evt.Method, err)
		}
	}

	out, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", f.src, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
