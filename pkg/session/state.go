package session

// State is a step of the signaling handshake. States only move forward;
// Connected and Failed are terminal.
type State int

const (
	Idle State = iota
	OfferCreated
	OfferSent
	AnswerReceived
	Flushing
	Polling
	Connected
	Failed
)

var stateNames = [...]string{
	Idle:           "idle",
	OfferCreated:   "offer-created",
	OfferSent:      "offer-sent",
	AnswerReceived: "answer-received",
	Flushing:       "flushing",
	Polling:        "polling",
	Connected:      "connected",
	Failed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}

	return stateNames[s]
}

func (s State) Terminal() bool {
	return s == Connected || s == Failed
}
