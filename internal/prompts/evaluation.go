package prompts

import "fmt"

const evaluationTemplate = `You judge whether an action moved a task forward.

Task requirement:
%s

Action: %s
Runtime status: %s
Output:
%s

Reply with JSON only:
{"status": "success" or "failure", "comments": "one or two sentences for the agent"}`

// EvaluationPrompt asks a model to judge an action result against the
// task requirement.
func EvaluationPrompt(requirement, action, status, output string) string {
	if output == "" {
		output = "(empty)"
	}
	return fmt.Sprintf(evaluationTemplate, requirement, action, status, output)
}
