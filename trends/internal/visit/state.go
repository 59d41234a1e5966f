package visit

import (
	"fmt"
	"slices"
)

// State is a step of a page visit.
type State int

const (
	Navigating State = iota
	RateLimited
	AwaitingData
	Empty
	Populated
	Extracted
	Emitted
	Failed
	Fatal
)

var stateNames = [...]string{
	Navigating:   "NAVIGATING",
	RateLimited:  "RATE_LIMITED",
	AwaitingData: "AWAITING_DATA",
	Empty:        "EMPTY",
	Populated:    "POPULATED",
	Extracted:    "EXTRACTED",
	Emitted:      "EMITTED",
	Failed:       "FAILED",
	Fatal:        "FATAL",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

var transitions = map[State][]State{
	Navigating:   {RateLimited, AwaitingData, Emitted, Failed, Fatal},
	RateLimited:  {Failed},
	AwaitingData: {Empty, Populated, Failed, Fatal},
	Empty:        {Extracted, Failed, Fatal},
	Populated:    {Extracted, Failed, Fatal},
	Extracted:    {Emitted, Failed, Fatal},
}

// machine tracks one visit's state. It is not safe for concurrent use; the
// race in AwaitingData reports back to the visit goroutine before moving it.
type machine struct {
	state State
	trail []State
}

func newMachine() *machine {
	return &machine{state: Navigating, trail: []State{Navigating}}
}

func (m *machine) to(next State) error {
	if !slices.Contains(transitions[m.state], next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
	}
	m.state = next
	m.trail = append(m.trail, next)
	return nil
}
