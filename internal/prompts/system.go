package prompts

import (
	"fmt"
	"strings"
)

// ToolSpec describes one executable action for the system prompt.
type ToolSpec struct {
	Name        string
	Description string
	Params      []string
}

const systemTemplate = `You are an autonomous software agent working on a single task.

## How to act
Every reply is exactly one action written as an XML element. The element
name is the action; each child element is a parameter. Write nothing
outside the element.

<write_file>
<path>hello.go</path>
<content>package main</content>
</write_file>

Control actions:
- <finish><message>what you did</message></finish> when the task is complete
- <revise_plan><reason>why</reason></revise_plan> when the task needs a different plan
- <pause_for_user_input><question>what you need</question></pause_for_user_input> when only a human can answer

## Tools
%s

## Rules
- One action per reply. Wait for its result before the next one.
- If a reply is cut off, continue exactly where it stopped.
- If an action fails, read the feedback and try a different approach.`

// SystemPrompt returns the system prompt describing the action grammar
// and the available tools.
func SystemPrompt(tools []ToolSpec) string {
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if len(t.Params) > 0 {
			fmt.Fprintf(&b, " (params: %s)", strings.Join(t.Params, ", "))
		}
		b.WriteByte('\n')
	}
	list := strings.TrimRight(b.String(), "\n")
	if list == "" {
		list = "(none)"
	}
	return fmt.Sprintf(systemTemplate, list)
}

// TaskPrompt frames the requirement as the first user message.
func TaskPrompt(requirement string) string {
	return "Task:\n" + strings.TrimSpace(requirement)
}
