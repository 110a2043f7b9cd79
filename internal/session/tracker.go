package session

import "fmt"

// Decision classifies an incoming sequence number against the tracker state
type Decision int

const (
	// DecisionBaseline means nothing was tracked yet; the sequence becomes the baseline
	DecisionBaseline Decision = iota
	// DecisionInOrder means the sequence is the expected one
	DecisionInOrder
	// DecisionGap means the sequence is ahead of the expected one
	DecisionGap
	// DecisionOutOfOrder means the sequence is at or behind the expected one
	DecisionOutOfOrder
)

// String returns a string representation of the decision
func (d Decision) String() string {
	switch d {
	case DecisionBaseline:
		return "baseline"
	case DecisionInOrder:
		return "in_order"
	case DecisionGap:
		return "gap"
	case DecisionOutOfOrder:
		return "out_of_order"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Step is the tracker's verdict for one sequence number
type Step struct {
	Decision Decision
	Expected uint32 // valid unless Decision is DecisionBaseline
	Gap      uint32 // number of missing frames for DecisionGap
	// FillerLen is the size of each filler frame, 0 when no payload
	// length is known yet and filler cannot be sized.
	FillerLen int
}

// Tracker keeps the expected sequence number of one session.
// Sequence arithmetic wraps at 2^32. The zero value is ready to use.
type Tracker struct {
	expected uint32
	valid    bool
	lastLen  int
}

// Inspect classifies seq without changing the tracker
func (t *Tracker) Inspect(seq uint32) Step {
	if !t.valid {
		return Step{Decision: DecisionBaseline}
	}

	step := Step{Expected: t.expected}

	// Signed distance on the 2^32 ring: a packet just behind expected
	// must not look like a gap of almost 2^32 frames.
	diff := int32(seq - t.expected)
	switch {
	case diff == 0:
		step.Decision = DecisionInOrder
	case diff > 0:
		step.Decision = DecisionGap
		step.Gap = uint32(diff)
		step.FillerLen = t.lastLen
	default:
		step.Decision = DecisionOutOfOrder
	}
	return step
}

// Accept records seq as written with a payload of payloadLen bytes
func (t *Tracker) Accept(seq uint32, payloadLen int) {
	t.expected = seq + 1
	t.valid = true
	if payloadLen > 0 {
		t.lastLen = payloadLen
	}
}

// Expected returns the next expected sequence number, if one is tracked
func (t *Tracker) Expected() (uint32, bool) {
	return t.expected, t.valid
}

// LastPayloadLen returns the length of the last accepted payload
func (t *Tracker) LastPayloadLen() int {
	return t.lastLen
}

// Reset forgets the baseline and the last payload length
func (t *Tracker) Reset() {
	*t = Tracker{}
}
