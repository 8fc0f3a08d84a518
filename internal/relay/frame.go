package relay

import "encoding/json"

// Frame is the wire format carried on the websocket transport in both
// directions: a named event with a structured JSON payload. No custom
// binary framing.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeFrame marshals an event and payload into wire bytes. payload may
// be any JSON-serializable value or a json.RawMessage.
func EncodeFrame(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Frame{Event: event, Payload: raw})
}

// DecodeFrame parses wire bytes into a Frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
