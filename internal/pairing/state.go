package pairing

// State is a step of the pairing handshake for one device.
type State int

const (
	StateIdle State = iota
	StateVerificationRequested
	StateCodeGenerated
	StateCodeSubmitted
	StateVerified
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateVerificationRequested:
		return "verification_requested"
	case StateCodeGenerated:
		return "code_generated"
	case StateCodeSubmitted:
		return "code_submitted"
	case StateVerified:
		return "verified"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}
