// internal/ccnet/status.go
package ccnet

import "fmt"

// DecodedStatus is the semantic translation of one poll response.
// Exactly one of the condition flags is set for a recognized status;
// Code and Detail always carry the raw bytes for passthrough.
type DecodedStatus struct {
	Code   byte
	Detail byte

	Initializing bool
	Idling       bool
	Accepting    bool
	Busy         bool
	Disabled     bool
	Holding      bool

	// Escrow reports a bill held pending a stack or return decision.
	// Detail carries the bill type code.
	Escrow   bool
	Stacked  bool
	Returned bool
	// Rejected reports a refused bill. Detail carries the reason.
	Rejected bool

	CassetteFull    bool
	CassetteRemoved bool
	Jammed          bool
	Cheated         bool
	Failure         bool

	// Known is false when the status byte maps to nothing above. The
	// raw bytes still pass through for logging.
	Known bool
}

// DecodeStatus translates a raw poll payload into a DecodedStatus.
// Only an empty payload is an error; unmapped codes decode with Known
// set to false so the polling loop keeps running.
func DecodeStatus(payload []byte) (DecodedStatus, error) {
	if len(payload) == 0 {
		return DecodedStatus{}, &FrameError{
			Kind: FrameMalformed,
			Err:  fmt.Errorf("empty poll response"),
		}
	}
	st := DecodedStatus{Code: payload[0], Known: true}
	if len(payload) > 1 {
		st.Detail = payload[1]
	}
	switch payload[0] {
	case StatusPowerUp, StatusPowerUpBillInValidator, StatusPowerUpBillInStacker, StatusInitialize:
		st.Initializing = true
	case StatusIdling:
		st.Idling = true
	case StatusAccepting:
		st.Accepting = true
	case StatusStacking, StatusReturning, StatusBusy:
		st.Busy = true
	case StatusUnitDisabled:
		st.Disabled = true
	case StatusHolding:
		st.Holding = true
	case StatusRejecting:
		st.Rejected = true
	case StatusCassetteFull:
		st.CassetteFull = true
	case StatusCassetteRemoved:
		st.CassetteRemoved = true
	case StatusJammed, StatusCassetteJammed:
		st.Jammed = true
	case StatusCheated:
		st.Cheated = true
	case StatusPause:
		st.Busy = true
	case StatusFailure:
		st.Failure = true
	case StatusEscrow:
		st.Escrow = true
	case StatusStacked:
		st.Stacked = true
	case StatusReturned:
		st.Returned = true
	default:
		st.Known = false
	}
	return st, nil
}

// Describe renders the status for logs.
func (st DecodedStatus) Describe() string {
	switch {
	case !st.Known:
		return fmt.Sprintf("unmapped status 0x%02X 0x%02X", st.Code, st.Detail)
	case st.Escrow:
		return fmt.Sprintf("escrow bill type 0x%02X", st.Detail)
	case st.Stacked:
		return fmt.Sprintf("stacked bill type 0x%02X", st.Detail)
	case st.Returned:
		return fmt.Sprintf("returned bill type 0x%02X", st.Detail)
	case st.Rejected:
		return fmt.Sprintf("rejecting: %s", RejectReason(st.Detail))
	case st.Failure:
		return fmt.Sprintf("failure: %s", FailureReason(st.Detail))
	default:
		return fmt.Sprintf("status 0x%02X", st.Code)
	}
}
