package prompts

import "fmt"

// ParseErrorCorrection tells the model its last action could not be
// parsed.
func ParseErrorCorrection(detail string) string {
	return fmt.Sprintf("Your last reply was not a valid action: %s\nReply again with exactly one well-formed XML action.", detail)
}

// NonActionCorrection is sent when a reply contained no action at all.
func NonActionCorrection() string {
	return "Your last reply contained no action. Reply with exactly one XML action, or <finish> if the task is complete."
}

// FailureCorrection feeds reflection comments back after a failed
// action.
func FailureCorrection(action, comments string) string {
	if comments == "" {
		comments = "(no details)"
	}
	return fmt.Sprintf("The %s action failed:\n%s\nFix the problem and try again.", action, comments)
}

// ExceptionCorrection reports an unexpected error raised while handling
// the last action.
func ExceptionCorrection(err error) string {
	return fmt.Sprintf("An error occurred while handling your last action: %v\nAdjust and try again.", err)
}

// ActionResult reports a successful action's output to the model.
func ActionResult(action, content string) string {
	if content == "" {
		return fmt.Sprintf("The %s action succeeded.", action)
	}
	return fmt.Sprintf("The %s action succeeded:\n%s", action, content)
}

// ContinuationNudge asks the model to keep writing an action it has
// started but not closed.
func ContinuationNudge() string {
	return "Continue your action exactly where it stopped. Do not repeat what you already wrote."
}

// TruncationNudge is sent when the provider cut the reply off at its
// output token limit.
func TruncationNudge() string {
	return "Your reply hit the output limit and was cut off. Continue exactly where it stopped, without repeating anything."
}
