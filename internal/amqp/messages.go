package amqp

import (
	"encoding/json"
	"time"
)

// ChangeEventMessage is the wire form of a ledger change notification.
// Carries only the action and the period key; consumers re-read state
// from the API if they need more.
type ChangeEventMessage struct {
	Action    string    `json:"action"`
	PeriodKey string    `json:"period_key"`
	Timestamp time.Time `json:"timestamp"`
}

func NewChangeEventMessage(action, periodKey string) *ChangeEventMessage {
	return &ChangeEventMessage{
		Action:    action,
		PeriodKey: periodKey,
		Timestamp: time.Now(),
	}
}

func (m *ChangeEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ChangeEventMessageFromJSON(data []byte) (*ChangeEventMessage, error) {
	var msg ChangeEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
