package session

type phase int

const (
	phaseIdle phase = iota
	phaseOffering
	phaseAnswered
	phaseComplete
)

// negotiation tracks who leads the current offer/answer round. The side
// that receives the peer's join makes the offer. If both joins cross on
// the wire, the candidate yields: it drops its own offer and answers.
type negotiation struct {
	polite bool
	phase  phase
}

func newNegotiation(polite bool) negotiation {
	return negotiation{polite: polite}
}

func (n *negotiation) started() bool { return n.phase != phaseIdle }

func (n *negotiation) reset() { n.phase = phaseIdle }

// peerJoined moves to offering. restart reports that a previous round must
// be discarded first.
func (n *negotiation) peerJoined() (restart bool) {
	restart = n.started()
	n.phase = phaseOffering
	return restart
}

// offerReceived reports whether the remote offer should be answered and
// whether the current round must be discarded before doing so.
func (n *negotiation) offerReceived() (accept, restart bool) {
	switch n.phase {
	case phaseOffering:
		if !n.polite {
			return false, false
		}
		restart = true
	case phaseAnswered, phaseComplete:
		restart = true
	}
	n.phase = phaseAnswered
	return true, restart
}

// answerReceived reports whether an answer is expected.
func (n *negotiation) answerReceived() bool {
	if n.phase != phaseOffering {
		return false
	}
	n.phase = phaseComplete
	return true
}
