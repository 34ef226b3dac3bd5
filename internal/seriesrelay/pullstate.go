package seriesrelay

// PullState is the reconciled lifecycle position of one series, derived from
// the receive state, the latest existence check, and whether a pull was
// requested. It is computed on demand, never stored as source of truth.
type PullState int

const (
	StateNotChecked PullState = iota
	StateChecking
	StateReady
	StatePulling
	StateWaitingOrComplete
)

func (s PullState) String() string {
	switch s {
	case StateNotChecked:
		return "not-checked"
	case StateChecking:
		return "checking"
	case StateReady:
		return "ready"
	case StatePulling:
		return "pulling"
	case StateWaitingOrComplete:
		return "waiting-or-complete"
	default:
		return "unknown"
	}
}

// PullRequestState records whether a retrieve was triggered for a series.
type PullRequestState int

const (
	PullNotRequested PullRequestState = iota
	PullRequested
)

// FoundResource references a series already present in the storage backend.
type FoundResource struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// ExistenceOutcome is the observable state of the storage existence check for
// one series. The zero value means no check was ever initiated.
type ExistenceOutcome struct {
	Requested bool
	Pending   bool
	// Found is the located resource once the check resolved; nil means the
	// series is not in storage yet.
	Found *FoundResource
	// Err carries a transport failure from the check itself. A failed
	// check is folded into the series error list by the merge; for state
	// derivation it counts as resolved to not-found.
	Err string
}

// PullStateOf reconciles the three independently-updating inputs into one
// pull state. Rules are evaluated in fixed order and the first match wins,
// which keeps the result deterministic regardless of the order the inputs
// arrived in. Total: every input combination maps to exactly one state.
func PullStateOf(rs ReceiveState, pull PullRequestState, check ExistenceOutcome) PullState {
	switch {
	case !check.Requested:
		return StateNotChecked
	case !rs.Subscribed || check.Pending:
		return StateChecking
	case check.Found != nil:
		return StateWaitingOrComplete
	case rs.Done:
		// Ingestion finished on the wire but storage has not indexed the
		// series yet; a brief unavoidable lag.
		return StateWaitingOrComplete
	case pull == PullRequested:
		return StatePulling
	default:
		return StateReady
	}
}
