// Package cost prices token usage into currency cost using per-model
// tables, grounded on the per-request pricing table in
// Sergey-Bar-Alfred/services/gateway/metering's CostEngine — rewritten
// around the prompt/completion/total triple this control plane's budget
// engine passes around instead of a provider/model key pair.
package cost

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/agentfleet/controlplane/internal/types"
)

// ModelPrice is the per-thousand-token price for a model's prompt and
// completion tokens, in whatever currency unit the caller has configured
// (budgets.json's maxCost is unitless from this package's perspective).
type ModelPrice struct {
	PromptPerThousand     float64
	CompletionPerThousand float64
}

const defaultModelKey = "default"

func defaultTable() map[string]ModelPrice {
	return map[string]ModelPrice{
		defaultModelKey: {PromptPerThousand: 0.01, CompletionPerThousand: 0.03},
	}
}

// Calculator prices (prompt, completion, total) token triples into cost
// triples. It has no I/O and is safe for concurrent use; callers install
// custom per-model overrides at runtime.
type Calculator struct {
	mu      sync.RWMutex
	table   map[string]ModelPrice
	warned  map[string]struct{}
	logger  *slog.Logger
}

// NewCalculator creates a Calculator seeded with a built-in "default" row.
func NewCalculator(logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{
		table:  defaultTable(),
		warned: make(map[string]struct{}),
		logger: logger,
	}
}

// SetPrice installs or overrides pricing for a model at runtime.
func (c *Calculator) SetPrice(model string, price ModelPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table[model] = price
}

// RemovePrice removes a custom override, falling back to "default" for that
// model on subsequent calls. Removing "default" itself is a no-op.
func (c *Calculator) RemovePrice(model string) {
	if model == defaultModelKey {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.table, model)
}

// Calculate prices a token usage triple for model, rounding each component
// to four fractional digits. Unknown models fall back to "default" and log
// a warning once per unknown model name.
func (c *Calculator) Calculate(model string, tokens types.TokenUsage) types.CostUsage {
	price := c.priceFor(model)
	prompt := round4(float64(tokens.Prompt) / 1000 * price.PromptPerThousand)
	completion := round4(float64(tokens.Completion) / 1000 * price.CompletionPerThousand)
	return types.CostUsage{
		Prompt:     prompt,
		Completion: completion,
		Total:      round4(prompt + completion),
	}
}

func (c *Calculator) priceFor(model string) ModelPrice {
	c.mu.RLock()
	price, ok := c.table[model]
	c.mu.RUnlock()
	if ok {
		return price
	}

	c.mu.Lock()
	if _, warned := c.warned[model]; !warned {
		c.warned[model] = struct{}{}
		c.logger.Warn("unknown model, falling back to default pricing", slog.String("model", model))
	}
	price = c.table[defaultModelKey]
	c.mu.Unlock()
	return price
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// FormatCost renders a cost usage triple for logs/messages.
func FormatCost(c types.CostUsage) string {
	return fmt.Sprintf("$%.4f (prompt=$%.4f completion=$%.4f)", c.Total, c.Prompt, c.Completion)
}
