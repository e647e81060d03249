package agent

import (
	"time"

	"github.com/nugget/taskloop/internal/retry"
)

// Phase is a step of the loop's state machine.
type Phase int

const (
	PhaseThink Phase = iota
	PhaseParse
	PhaseExecute
	PhaseReflect
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseThink:
		return "think"
	case PhaseParse:
		return "parse"
	case PhaseExecute:
		return "execute"
	case PhaseReflect:
		return "reflect"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// EventKind classifies an [Event].
type EventKind string

const (
	EventPhase   EventKind = "phase"
	EventToken   EventKind = "token"
	EventAction  EventKind = "action"
	EventResult  EventKind = "result"
	EventRetry   EventKind = "retry"
	EventOutcome EventKind = "outcome"
)

// Event is a progress notification from a running loop.
type Event struct {
	Kind      EventKind `json:"kind"`
	TaskID    string    `json:"task_id"`
	Iteration int       `json:"iteration"`
	Phase     Phase     `json:"-"`
	PhaseName string    `json:"phase"`
	Time      time.Time `json:"time"`

	// Token events.
	Token string `json:"token,omitempty"`
	// Streaming is true while the text so far is an unfinished action.
	Streaming bool `json:"streaming,omitempty"`

	// Action and result events.
	Action string `json:"action,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`

	Retry   retry.State `json:"retry"`
	Outcome Outcome     `json:"-"`
	State   string      `json:"state,omitempty"`
}

// Observer receives loop events. OnEvent runs on the loop's goroutine
// and must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Observers fans an event out to several observers.
type Observers []Observer

// OnEvent forwards e to every observer in order.
func (o Observers) OnEvent(e Event) {
	for _, obs := range o {
		obs.OnEvent(e)
	}
}
