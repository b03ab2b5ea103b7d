package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anyrxo/seology/internal/llm"
)

// Result is the outcome of one tool invocation, keyed by the request
// ID the model assigned so the answer can be matched back to its call.
type Result struct {
	ID      string
	Name    string
	Content string
	Err     error
}

// Dispatch runs all requested tool calls concurrently and waits for
// every one to settle. A failed or panicking tool never aborts its
// siblings; the failure is captured in that call's Result and the rest
// complete normally. Each invocation gets its own deadline carved from
// the parent context.
func (r *Registry) Dispatch(ctx context.Context, calls []llm.ToolCall, timeout time.Duration) []Result {
	results := make([]Result, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			results[i] = r.dispatchOne(ctx, call, timeout)
		}(i, call)
	}
	wg.Wait()

	return results
}

func (r *Registry) dispatchOne(ctx context.Context, call llm.ToolCall, timeout time.Duration) (res Result) {
	res = Result{ID: call.ID, Name: call.Name}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked", "tool", call.Name, "panic", p)
			res.Err = fmt.Errorf("tool %s failed: internal error", call.Name)
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := r.Execute(ctx, call.Name, call.Input)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn("tool invocation failed", "tool", call.Name, "elapsed", elapsed, "error", err)
		res.Err = err
		return res
	}

	r.logger.Log(ctx, llm.LevelTrace, "tool invocation done", "tool", call.Name, "elapsed", elapsed, "bytes", len(out))
	res.Content = out
	return res
}
