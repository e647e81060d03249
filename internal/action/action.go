// Package action defines the typed actions a model can request and the
// parser that extracts them from model output.
package action

import "fmt"

// Kind identifies an action variant.
type Kind int

const (
	KindInvoke Kind = iota
	KindFinish
	KindRevisePlan
	KindPauseForUserInput
	KindParseError
)

// Wire names of the control actions.
const (
	NameFinish            = "finish"
	NameRevisePlan        = "revise_plan"
	NamePauseForUserInput = "pause_for_user_input"
	NameParseError        = "parse_error"
)

func (k Kind) String() string {
	switch k {
	case KindInvoke:
		return "invoke"
	case KindFinish:
		return NameFinish
	case KindRevisePlan:
		return NameRevisePlan
	case KindPauseForUserInput:
		return NamePauseForUserInput
	case KindParseError:
		return NameParseError
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action is one parsed model instruction. The set of implementations is
// closed; switch on the concrete type or on Kind.
type Action interface {
	Kind() Kind
	// Name is the element name the model wrote.
	Name() string
	Params() map[string]any
	action()
}

// Finish ends the task.
type Finish struct {
	Message string
	Args    map[string]any
}

// RevisePlan hands the task back to the planner.
type RevisePlan struct {
	Args map[string]any
}

// PauseForUserInput suspends the task until a human answers.
type PauseForUserInput struct {
	Args map[string]any
}

// ParseError stands in for completed output that could not be parsed.
type ParseError struct {
	Message string
	Raw     string
}

// Invoke asks the runtime to execute a tool.
type Invoke struct {
	Tool string
	Args map[string]any
}

func (Finish) Kind() Kind            { return KindFinish }
func (RevisePlan) Kind() Kind        { return KindRevisePlan }
func (PauseForUserInput) Kind() Kind { return KindPauseForUserInput }
func (ParseError) Kind() Kind        { return KindParseError }
func (Invoke) Kind() Kind            { return KindInvoke }

func (Finish) Name() string            { return NameFinish }
func (RevisePlan) Name() string        { return NameRevisePlan }
func (PauseForUserInput) Name() string { return NamePauseForUserInput }
func (ParseError) Name() string        { return NameParseError }
func (a Invoke) Name() string          { return a.Tool }

func (a Finish) Params() map[string]any {
	p := clone(a.Args)
	p["message"] = a.Message
	return p
}
func (a RevisePlan) Params() map[string]any        { return clone(a.Args) }
func (a PauseForUserInput) Params() map[string]any { return clone(a.Args) }
func (a ParseError) Params() map[string]any {
	return map[string]any{"message": a.Message, "raw": a.Raw}
}
func (a Invoke) Params() map[string]any { return clone(a.Args) }

func (Finish) action()            {}
func (RevisePlan) action()        {}
func (PauseForUserInput) action() {}
func (ParseError) action()        {}
func (Invoke) action()            {}

// String returns the parameter named key as a string. Non-string values
// are formatted with %v; a missing key yields "".
func String(a Action, key string) string {
	v, ok := a.Params()[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
