package story

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultDistillCondition skips distillation on fresh starts and empty batches
const DefaultDistillCondition = `mode != "fresh" && event_count > 0`

// DistillInput is what the distill condition can see
type DistillInput struct {
	Mode         Mode
	EventCount   int
	Speakers     int
	HistoryCount int
}

func (in DistillInput) env() map[string]interface{} {
	return map[string]interface{}{
		"mode":          string(in.Mode),
		"event_count":   in.EventCount,
		"speakers":      in.Speakers,
		"history_count": in.HistoryCount,
	}
}

// DistillPolicy decides whether a batch is worth a memory distillation call
type DistillPolicy struct {
	condition string
	program   *vm.Program
}

// NewDistillPolicy compiles condition. An empty condition uses the default.
func NewDistillPolicy(condition string) (*DistillPolicy, error) {
	if condition == "" {
		condition = DefaultDistillCondition
	}

	program, err := expr.Compile(condition, expr.Env(DistillInput{}.env()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid distill condition %q: %w", condition, err)
	}

	return &DistillPolicy{condition: condition, program: program}, nil
}

// Condition returns the source expression
func (p *DistillPolicy) Condition() string {
	return p.condition
}

// ShouldDistill evaluates the condition with a short timeout
func (p *DistillPolicy) ShouldDistill(in DistillInput) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		result, err := vm.Run(p.program, in.env())
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("distill condition evaluation timeout")
	case err := <-errChan:
		return false, fmt.Errorf("distill condition evaluation error: %w", err)
	case result := <-resultChan:
		ok, isBool := result.(bool)
		if !isBool {
			return false, fmt.Errorf("distill condition did not evaluate to boolean")
		}
		return ok, nil
	}
}
