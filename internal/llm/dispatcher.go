package llm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/provider"
)

// maxConcurrentTools bounds how many tool calls a single round runs at once.
const maxConcurrentTools = 8

// interruptPollInterval is how often the dispatcher checks the conversation
// state's cooperative interrupt flag while workers are in flight.
const interruptPollInterval = 50 * time.Millisecond

// tracker coordinates waiting for a fixed number of parallel workers to
// report in exactly once each, tolerating cancellation before every worker
// has finished. Grounded on the semaphore+WaitGroup join pattern in
// haasonsaas-nexus's Executor.ExecuteAll, expressed with an explicit
// completed-count/condvar pair so cancellation can wake a waiter that a
// plain sync.WaitGroup cannot.
type tracker struct {
	total     int
	completed atomic.Int64
	cancelled atomic.Bool
	mu        sync.Mutex
	cond      *sync.Cond
}

func newTracker(total int) *tracker {
	t := &tracker{total: total}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// done records exactly one worker's completion. Every launched worker calls
// this exactly once from its own deferred cleanup, regardless of whether it
// succeeded, errored, or recovered from a panic.
func (t *tracker) done() {
	t.completed.Add(1)
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *tracker) cancel() {
	t.cancelled.Store(true)
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
}

// wait blocks until every launched worker has called done or the tracker is
// cancelled.
func (t *tracker) wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.completed.Load() < int64(t.total) && !t.cancelled.Load() {
		t.cond.Wait()
	}
}

// dispatchToolCalls runs calls concurrently, bounded by maxConcurrentTools,
// and returns one provider.Message per call in the original call order even
// though workers complete in arbitrary order — callers must see tool results
// lined up with the tool calls the assistant emitted, not with whichever
// tool happened to finish first.
//
// Worker construction (acquiring a concurrency slot) can itself fail to
// happen if ctx is cancelled or state.InterruptRequested() flips while a
// later call is still waiting for a slot. When that happens, every worker
// already launched (indices 0..k-1) is joined via the tracker before this
// function returns — none are abandoned — and every call from k onward,
// including ones that never got a worker at all, receives a synthetic
// interrupted result so the tool-call-closure invariant holds for the
// caller's history regardless of where in the round the interrupt landed.
func dispatchToolCalls(ctx context.Context, proxy *mcp.Proxy, calls []provider.ToolCall, state *ConversationState) []provider.Message {
	results := make([]provider.Message, len(calls))
	if len(calls) == 0 {
		return results
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	trk := newTracker(len(calls))

	// Any cancellation of workerCtx — whether from the caller's ctx or from
	// our own interrupt poll below — must wake trk.wait() even if not every
	// worker got launched.
	go func() {
		<-workerCtx.Done()
		trk.cancel()
	}()

	if state != nil {
		go func() {
			ticker := time.NewTicker(interruptPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-workerCtx.Done():
					return
				case <-ticker.C:
					if state.InterruptRequested() {
						cancelWorkers()
						return
					}
				}
			}
		}()
	}

	sem := make(chan struct{}, maxConcurrentTools)
	launched := 0

launchLoop:
	for i, call := range calls {
		select {
		case sem <- struct{}{}:
		case <-workerCtx.Done():
			break launchLoop
		}

		idx, tc := i, call
		launched++
		go func() {
			defer func() { <-sem }()
			defer trk.done()
			defer func() {
				if r := recover(); r != nil {
					results[idx] = provider.Message{
						Role:       "tool",
						Content:    fmt.Sprintf("Error: tool panicked: %v", r),
						ToolCallID: tc.ID,
						CreatedAt:  time.Now(),
					}
				}
			}()
			results[idx] = executeOneToolCall(workerCtx, proxy, tc)
		}()
	}

	trk.wait()
	cancelWorkers()

	// trk.wait returns early on cancellation; join every launched worker so
	// none still writes into results after this function returns.
	trk.mu.Lock()
	for trk.completed.Load() < int64(launched) {
		trk.cond.Wait()
	}
	trk.mu.Unlock()

	for i := launched; i < len(calls); i++ {
		results[i] = interruptedToolMessage(calls[i])
	}

	return results
}

// executeOneToolCall runs a single tool call through the proxy and converts
// the outcome (success, tool-reported error, or transport error) into the
// "tool" role message the conversation history expects.
func executeOneToolCall(ctx context.Context, proxy *mcp.Proxy, call provider.ToolCall) provider.Message {
	result, err := proxy.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		return provider.Message{
			Role:       "tool",
			Content:    fmt.Sprintf("Error: %v", err),
			ToolCallID: call.ID,
			CreatedAt:  time.Now(),
		}
	}

	text := extractTextFromContent(result.Content)
	if result.IsError {
		log.Debug().Str("tool", call.Name).Str("id", call.ID).Msg("tool call returned an error result")
	}
	return provider.Message{
		Role:       "tool",
		Content:    text,
		ToolCallID: call.ID,
		CreatedAt:  time.Now(),
	}
}

// interruptedToolMessage is the synthetic result injected for a tool call
// that never ran (or never finished) because its turn was interrupted.
func interruptedToolMessage(call provider.ToolCall) provider.Message {
	return provider.Message{
		Role:       "tool",
		Content:    `{"error":"interrupted"}`,
		ToolCallID: call.ID,
		CreatedAt:  time.Now(),
	}
}

// validateToolCallClosure scans the tail of history for the most recent
// assistant message that emitted tool calls and appends a synthetic
// interrupted result for any of those tool-call IDs that have no matching
// "tool" message after it. This is the invariant that must hold at the end
// of every turn, interrupted or not: every ToolCall the assistant emitted
// has exactly one matching ToolResult before the next provider call sees
// the history, since a dangling tool_use block is an invalid request to
// every provider's wire format.
func validateToolCallClosure(history []provider.Message) []provider.Message {
	lastToolCallMsg := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			if len(history[i].ToolCalls) > 0 {
				lastToolCallMsg = i
			}
			break
		}
	}
	if lastToolCallMsg == -1 {
		return history
	}

	have := make(map[string]bool, len(history[lastToolCallMsg].ToolCalls))
	for i := lastToolCallMsg + 1; i < len(history); i++ {
		if history[i].Role == "tool" && history[i].ToolCallID != "" {
			have[history[i].ToolCallID] = true
		}
	}

	for _, tc := range history[lastToolCallMsg].ToolCalls {
		if !have[tc.ID] {
			history = append(history, interruptedToolMessage(tc))
		}
	}
	return history
}
