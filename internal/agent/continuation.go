package agent

import "github.com/nugget/taskloop/internal/llm"

// ContinuationCheck reports whether a model reply was cut off by the
// provider and must be continued. It looks only at the provider's stop
// reason and runs independently of the completeness classifier in
// package stream: either one can keep the loop thinking.
type ContinuationCheck func(resp *llm.ChatResponse) bool

// StopReasonContinuation is the default check. It flags replies that
// ended at the output token limit.
func StopReasonContinuation(resp *llm.ChatResponse) bool {
	return resp.Truncated()
}
