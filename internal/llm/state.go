package llm

import "sync/atomic"

// ConversationState tracks state that spans the lifetime of a conversation
// across multiple calls to ProcessTurn. Its only job today is the
// cooperative interrupt flag: a UI-layer key handler calls RequestInterrupt
// from its own goroutine while ProcessTurn and the tool dispatcher poll
// InterruptRequested at safe points (round boundaries, between tool-call
// workers) so an in-flight turn winds down without severing a streaming
// provider call mid-token or killing an in-flight tool call outright.
type ConversationState struct {
	interruptRequested atomic.Bool
}

// NewConversationState returns a fresh, non-interrupted state.
func NewConversationState() *ConversationState {
	return &ConversationState{}
}

// RequestInterrupt marks the current or next turn for cooperative
// cancellation. Safe to call from any goroutine; a nil receiver is a no-op
// so callers that don't track conversation state don't need a nil check.
func (s *ConversationState) RequestInterrupt() {
	if s == nil {
		return
	}
	s.interruptRequested.Store(true)
}

// InterruptRequested reports whether an interrupt is pending.
func (s *ConversationState) InterruptRequested() bool {
	if s == nil {
		return false
	}
	return s.interruptRequested.Load()
}

// Reset clears the interrupt flag, normally at the start of a new turn.
func (s *ConversationState) Reset() {
	if s == nil {
		return
	}
	s.interruptRequested.Store(false)
}
