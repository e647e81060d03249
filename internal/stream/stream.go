// Package stream decides whether streamed model output is an action that
// is still being written or text that is ready to parse.
//
// The check is lexical. It counts unmatched opening tags in the trailing
// run of assistant text and never validates tag names or nesting, so it
// is cheap enough to run on every streamed token and tolerates the
// malformed intermediate states a stream passes through.
package stream

import (
	"strings"

	"github.com/nugget/taskloop/internal/memory"
)

// Verdict is the classifier's answer.
type Verdict int

const (
	// Ready means the text should be handed to the action parser now.
	// It says nothing about whether the text is a valid action.
	Ready Verdict = iota
	// Continue means an action is still in flight.
	Continue
)

func (v Verdict) String() string {
	switch v {
	case Ready:
		return "ready"
	case Continue:
		return "continue"
	default:
		return "unknown"
	}
}

// TrailingText returns the chronological concatenation of the trailing
// run of assistant messages with plain string content. The run stops at
// the first message, scanning backward, that is not from the assistant
// or carries structured content.
func TrailingText(msgs []memory.Message) string {
	start := len(msgs)
	for start > 0 {
		m := msgs[start-1]
		if m.Role != "assistant" || !m.IsText() {
			break
		}
		start--
	}

	var b strings.Builder
	for _, m := range msgs[start:] {
		b.WriteString(m.Content)
	}
	return b.String()
}

// Classify reports whether the trailing assistant text is an action that
// is still being streamed.
func Classify(msgs []memory.Message) Verdict {
	return ClassifyText(TrailingText(msgs))
}

// ClassifyText applies the completeness check to already assembled text.
func ClassifyText(text string) Verdict {
	s := strings.TrimSpace(text)
	if s == "" || !strings.HasPrefix(s, "<") {
		return Ready
	}
	if !strings.HasSuffix(s, ">") {
		return Continue
	}
	if Balance(s) > 0 {
		return Continue
	}
	return Ready
}

// Balance returns the number of opening tags in s minus the number of
// closing tags. Comments, processing instructions, declarations and
// self-closing tags do not count.
func Balance(s string) int {
	balance := 0
	for _, tok := range tokens(s) {
		switch {
		case strings.HasPrefix(tok, "<!--"),
			strings.HasPrefix(tok, "<?"),
			strings.HasPrefix(tok, "<!"),
			strings.HasSuffix(tok, "/>"):
		case strings.HasPrefix(tok, "</"):
			balance--
		default:
			balance++
		}
	}
	return balance
}

// tokens returns every "<...>" span of s that has no '<' inside it,
// scanning left to right.
func tokens(s string) []string {
	var out []string
	for i := 0; i < len(s); {
		open := strings.IndexByte(s[i:], '<')
		if open < 0 {
			break
		}
		open += i
		end := strings.IndexAny(s[open+1:], "<>")
		if end < 0 {
			break
		}
		end += open + 1
		if s[end] == '<' {
			// A nested '<' restarts the span.
			i = end
			continue
		}
		out = append(out, s[open:end+1])
		i = end + 1
	}
	return out
}
