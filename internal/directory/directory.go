// Package directory records which connection currently plays the PHONE role
// and which connections are OPERATORs.
//
// Rooms are explicit: the phone room holds at most one connection, the
// operator room any number. Broadcasting means iterating a room.
//
// A Directory is not safe for concurrent use. The signaling hub owns it.
package directory

import (
	"sort"
	"time"

	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/session"
)

type Role string

const (
	RoleNone     Role = ""
	RolePhone    Role = "PHONE"
	RoleOperator Role = "OPERATOR"
)

// ParseRole accepts the wire spelling of a role.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RolePhone:
		return RolePhone, true
	case RoleOperator:
		return RoleOperator, true
	default:
		return RoleNone, false
	}
}

type PhoneEvent int

const (
	PhoneConnected PhoneEvent = iota
	PhoneReconnected
)

func (e PhoneEvent) String() string {
	switch e {
	case PhoneConnected:
		return "phone-connected"
	case PhoneReconnected:
		return "phone-reconnected"
	default:
		return "unknown"
	}
}

// PhoneOutcome describes what a phone registration changed.
type PhoneOutcome struct {
	Event PhoneEvent
	// SessionID is empty for legacy registrations.
	SessionID string
	// Superseded is the previously active phone connection, if a different
	// connection held the role.
	Superseded string
	// LeftOperatorRoom is set when the connection was an operator before.
	LeftOperatorRoom bool
}

// OperatorOutcome tells the caller what to replay to a newly registered
// operator.
type OperatorOutcome struct {
	PhoneActive    bool
	PhoneSessionID string
	// LeftPhoneRoom is set when the connection was the active phone before.
	LeftPhoneRoom bool
}

type Removal struct {
	WasPhone    bool
	WasOperator bool
}

type Directory struct {
	sessions *session.Registry

	phone        string
	phoneSession string
	operators    map[string]struct{}
}

func New(sessions *session.Registry) *Directory {
	if sessions == nil {
		sessions = session.NewRegistry(session.DefaultTTL)
	}
	return &Directory{
		sessions:  sessions,
		operators: make(map[string]struct{}),
	}
}

func (d *Directory) Sessions() *session.Registry { return d.sessions }

// RegisterPhone makes connID the active phone. A new registration always
// wins over a previous one. With a session id the session is created or
// reattached; without one only the directory changes.
func (d *Directory) RegisterPhone(connID, sessionID string, now time.Time) PhoneOutcome {
	out := PhoneOutcome{Event: PhoneConnected, SessionID: sessionID}

	if _, ok := d.operators[connID]; ok {
		delete(d.operators, connID)
		out.LeftOperatorRoom = true
	}
	if d.phone != "" && d.phone != connID {
		out.Superseded = d.phone
	}

	if sessionID != "" && d.sessions.Attach(sessionID, connID, now) {
		out.Event = PhoneReconnected
	}

	d.phone = connID
	d.phoneSession = sessionID
	return out
}

// RegisterOperator adds connID to the operator room.
func (d *Directory) RegisterOperator(connID string) OperatorOutcome {
	var out OperatorOutcome
	if d.phone == connID {
		d.phone = ""
		d.phoneSession = ""
		out.LeftPhoneRoom = true
	}
	d.operators[connID] = struct{}{}

	if d.phone != "" {
		out.PhoneActive = true
		out.PhoneSessionID = d.phoneSession
	}
	return out
}

// Unregister forgets connID. Sessions are left for the TTL sweep so the
// phone can reattach.
func (d *Directory) Unregister(connID string) Removal {
	var r Removal
	if d.phone != "" && d.phone == connID {
		d.phone = ""
		d.phoneSession = ""
		r.WasPhone = true
	}
	if _, ok := d.operators[connID]; ok {
		delete(d.operators, connID)
		r.WasOperator = true
	}
	return r
}

// ActivePhone returns the active phone connection, if any.
func (d *Directory) ActivePhone() (string, bool) {
	return d.phone, d.phone != ""
}

// PhoneSessionID returns the session id the active phone registered with.
func (d *Directory) PhoneSessionID() string { return d.phoneSession }

func (d *Directory) IsPhone(connID string) bool {
	return connID != "" && d.phone == connID
}

func (d *Directory) IsOperator(connID string) bool {
	_, ok := d.operators[connID]
	return ok
}

func (d *Directory) RoleOf(connID string) Role {
	switch {
	case d.IsPhone(connID):
		return RolePhone
	case d.IsOperator(connID):
		return RoleOperator
	default:
		return RoleNone
	}
}

func (d *Directory) OperatorCount() int { return len(d.operators) }

// PhoneRoom returns the members of the phone room (zero or one).
func (d *Directory) PhoneRoom() []string {
	if d.phone == "" {
		return nil
	}
	return []string{d.phone}
}

// OperatorRoom returns the operator connections in a stable order.
func (d *Directory) OperatorRoom() []string {
	if len(d.operators) == 0 {
		return nil
	}
	ids := make([]string, 0, len(d.operators))
	for id := range d.operators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
