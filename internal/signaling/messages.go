package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/directory"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/session"
)

// ErrMalformed marks a frame or payload with missing or wrongly typed fields.
var ErrMalformed = errors.New("signaling: malformed payload")

var errUnknownRole = errors.New("signaling: unknown role")

type registerRequest struct {
	Role      *string `json:"role"`
	SessionID *string `json:"sessionId"`
}

// parseRegister returns the requested role and session id. An absent or
// empty session id selects legacy mode.
func parseRegister(data json.RawMessage) (directory.Role, string, error) {
	var req registerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return directory.RoleNone, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Role == nil || *req.Role == "" {
		return directory.RoleNone, "", fmt.Errorf("%w: missing role", ErrMalformed)
	}
	role, ok := directory.ParseRole(*req.Role)
	if !ok {
		return directory.RoleNone, "", fmt.Errorf("%w %q", errUnknownRole, *req.Role)
	}

	var sessionID string
	if req.SessionID != nil && *req.SessionID != "" {
		sessionID = *req.SessionID
		if !session.ValidID(sessionID) {
			return directory.RoleNone, "", fmt.Errorf("%w: sessionId longer than %d bytes", ErrMalformed, session.MaxIDLength)
		}
	}
	return role, sessionID, nil
}

// position holds the fields the relay itself needs from a gps-update. The
// remaining fields travel to operators untouched.
type position struct {
	Lat float64
	Lon float64
}

func parsePosition(data json.RawMessage) (position, error) {
	var req struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return position{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Lat == nil || req.Lon == nil {
		return position{}, fmt.Errorf("%w: lat and lon must be numbers", ErrMalformed)
	}
	return position{Lat: *req.Lat, Lon: *req.Lon}, nil
}

type pongReply struct {
	Pong     bool            `json:"pong"`
	ServerTS int64           `json:"serverTs"`
	Echo     json.RawMessage `json:"echo"`
}

// pingSeq extracts the sequence number to echo. Pings are always answered,
// so an unreadable payload echoes null.
func pingSeq(data json.RawMessage) json.RawMessage {
	var req struct {
		Seq json.RawMessage `json:"seq"`
	}
	if len(data) == 0 || json.Unmarshal(data, &req) != nil {
		return nil
	}
	return req.Seq
}

// sdpType reports the session description type of an offer/answer payload
// for logging. Payloads are never rejected on this basis.
func sdpType(data json.RawMessage) string {
	var req struct {
		SDP struct {
			Type string `json:"type"`
		} `json:"sdp"`
	}
	if json.Unmarshal(data, &req) != nil {
		return "invalid"
	}
	t := webrtc.NewSDPType(req.SDP.Type)
	if t == webrtc.SDPTypeUnknown {
		return "unknown"
	}
	return t.String()
}

type phoneStatus struct {
	SessionID string `json:"sessionId,omitempty"`
}
