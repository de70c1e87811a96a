package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/adapter/llm"
	"github.com/xiaot623/taskagent/internal/apperr"
)

// DefaultCallTimeout bounds one LLM call.
const DefaultCallTimeout = 30 * time.Second

const maxAttempts = 2

// Generation describes one LLM exchange, for tracing.
type Generation struct {
	Prompt   string
	Output   string
	Attempts int
}

// complete calls the model, retrying once immediately on a transient failure.
func complete(ctx context.Context, c llm.Completer, prompt string, timeout time.Duration, node string, log *zap.Logger) (Generation, error) {
	gen := Generation{Prompt: prompt}
	for {
		gen.Attempts++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := c.Complete(callCtx, prompt)
		cancel()
		if err == nil {
			gen.Output = out
			return gen, nil
		}

		if gen.Attempts >= maxAttempts || !llm.IsTransient(err) || ctx.Err() != nil {
			log.Warn("llm call failed",
				zap.String("node", node),
				zap.Int("attempts", gen.Attempts),
				zap.Error(err),
			)
			return gen, apperr.Wrap(apperr.KindUpstreamUnavailable, err, node+" model is unavailable")
		}
		log.Info("retrying llm call", zap.String("node", node), zap.Error(err))
	}
}
