package prompts

import "fmt"

const summaryTemplate = `Summarize what was done in this agent conversation in two or three
sentences. Name files that were written and the final state of the task.
Do not add commentary.

Transcript:
%s`

// SummaryPrompt returns the prompt used to condense a finished
// conversation for its finish outcome.
func SummaryPrompt(transcript string) string {
	return fmt.Sprintf(summaryTemplate, transcript)
}
