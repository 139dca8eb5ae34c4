package commands

import (
	"errors"

	"github.com/bdobrica/kotoba/internal/kotoba/event"
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	// KindCompleted ends the session.
	KindCompleted OutcomeKind = iota
	// KindSuspended keeps the session and sends Prompt.
	KindSuspended
	// KindSwitched ends the session and re-dispatches Content as a new
	// message.
	KindSwitched
)

func (k OutcomeKind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindSuspended:
		return "suspended"
	case KindSwitched:
		return "switched"
	}
	return "unknown"
}

// Outcome is the result of one execution segment of a session.
type Outcome struct {
	Kind OutcomeKind
	// Handled reports, for a completed session, whether the message counts
	// as consumed by the command.
	Handled bool
	Err     error
	Prompt  event.Message
	Content event.Message
}

// Done completes the session successfully.
func Done() Outcome { return Outcome{Kind: KindCompleted, Handled: true} }

// NotHandled completes the session and lets the message fall through to
// natural-language processing.
func NotHandled() Outcome { return Outcome{Kind: KindCompleted} }

// Failed completes the session with err. The message still counts as handled
// unless err is ErrInteractionDisabled.
func Failed(err error) Outcome {
	return Outcome{Kind: KindCompleted, Handled: !errors.Is(err, ErrInteractionDisabled), Err: err}
}

// Suspended keeps the session waiting for the next message.
func Suspended(prompt event.Message) Outcome {
	return Outcome{Kind: KindSuspended, Handled: true, Prompt: prompt}
}

// Switched ends the session and re-dispatches content.
func Switched(content event.Message) Outcome {
	return Outcome{Kind: KindSwitched, Handled: true, Content: content}
}
