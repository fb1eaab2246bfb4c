package pushhub

// Message is one frame pushed to a subscriber.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Message type constants.
const (
	TypeValuation = "valuation"
	TypeWelcome   = "welcome"
)

// NewValuationMessage wraps a revaluation payload.
func NewValuationMessage(data interface{}) Message {
	return Message{Type: TypeValuation, Data: data}
}
