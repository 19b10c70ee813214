package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Event names on the wire.
const (
	EventRegisterClient     = "register-client"
	EventPhoneConnected     = "phone-connected"
	EventPhoneReconnected   = "phone-reconnected"
	EventPhoneDisconnected  = "phone-disconnected"
	EventGPSUpdate          = "gps-update"
	EventGPSFromPhone       = "gps-from-phone"
	EventPOIInRange         = "poi-in-range"
	EventWebRTCOffer        = "webrtc-offer"
	EventWebRTCAnswer       = "webrtc-answer"
	EventWebRTCICECandidate = "webrtc-ice-candidate"
	EventOperatorPing       = "operator-ping"
	EventOperatorPong       = "operator-pong"
	EventOperatorState      = "operator-state"
	EventPhoneState         = "phone-state"

	// EventAck carries the reply to a request that set Envelope.Ack.
	EventAck = "ack"
)

var inboundEvents = map[string]bool{
	EventRegisterClient:     true,
	EventGPSUpdate:          true,
	EventWebRTCOffer:        true,
	EventWebRTCAnswer:       true,
	EventWebRTCICECandidate: true,
	EventOperatorPing:       true,
	EventOperatorState:      true,
	EventPhoneState:         true,
}

var (
	errEmptyEvent   = errors.New("signaling: missing event")
	errTrailingData = errors.New("signaling: unexpected trailing data")
	emptyObject     = json.RawMessage(`{}`)
	nullPayload     = []byte("null")
)

// Envelope is one WebSocket text frame.
//
// Ack is an optional positive request id. A reply to it is sent as an
// EventAck envelope carrying the same id.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

func parseEnvelope(frame []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, errTrailingData)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, errEmptyEvent)
	}
	if bytes.Equal(bytes.TrimSpace(env.Data), nullPayload) {
		env.Data = nil
	}
	return env, nil
}

// encodeFrame marshals an outbound envelope. data may be a json.RawMessage to
// forward bytes received from a client unchanged.
func encodeFrame(event string, ack uint64, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw, Ack: ack})
}

// metricEvent bounds the label set of the messages counter.
func metricEvent(event string) string {
	if inboundEvents[event] {
		return event
	}
	return "unknown"
}
