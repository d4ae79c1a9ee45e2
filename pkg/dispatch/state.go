package dispatch

// State is a step of a submission.
type State string

const (
	StateClassifying State = "classifying"
	StateSelecting   State = "selecting"
	StateActivating  State = "activating"
	StateGenerating  State = "generating"
	StateRetrying    State = "retrying"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var transitions = map[State][]State{
	"":               {StateClassifying},
	StateClassifying: {StateSelecting},
	StateSelecting:   {StateActivating, StateGenerating, StateFailed},
	StateActivating:  {StateGenerating, StateRetrying, StateFailed},
	StateGenerating:  {StateSucceeded, StateRetrying, StateFailed},
	StateRetrying:    {StateSelecting},
}

func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
