package signaling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/directory"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/geofence"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/metrics"
)

// sender queues a frame for one connection without blocking.
type sender interface {
	send(connID string, frame []byte)
}

// router applies the signaling rules to the directory. It is owned by the
// Hub goroutine and must not be called from anywhere else.
type router struct {
	dir     *directory.Directory
	geo     *geofence.Evaluator
	out     sender
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func (r *router) connect(connID string) {
	r.logger.Debug("client connected", "conn_id", connID)
}

func (r *router) disconnect(connID string) {
	removed := r.dir.Unregister(connID)
	switch {
	case removed.WasPhone:
		r.logger.Info("phone disconnected", "conn_id", connID)
		r.broadcast(r.dir.OperatorRoom(), connID, EventPhoneDisconnected, emptyObject)
	case removed.WasOperator:
		r.logger.Info("operator disconnected", "conn_id", connID, "operators", r.dir.OperatorCount())
	default:
		r.logger.Debug("client disconnected", "conn_id", connID)
	}
	r.syncGauges()
}

func (r *router) handle(connID string, env Envelope) {
	r.metrics.Message(metricEvent(env.Event))

	switch env.Event {
	case EventRegisterClient:
		r.handleRegister(connID, env)
	case EventGPSUpdate:
		r.handleGPS(connID, env)
	case EventWebRTCOffer:
		r.handleOffer(connID, env)
	case EventWebRTCAnswer:
		r.handleAnswer(connID, env)
	case EventWebRTCICECandidate:
		r.handleICECandidate(connID, env)
	case EventOperatorPing:
		r.handlePing(connID, env)
	case EventOperatorState:
		if !r.dir.IsOperator(connID) {
			r.drop(connID, env.Event, metrics.DropReasonUnauthorized, slog.LevelDebug, "state from non-operator ignored")
			return
		}
		r.broadcast(r.dir.PhoneRoom(), connID, EventOperatorState, env.Data)
	case EventPhoneState:
		if !r.dir.IsPhone(connID) {
			r.drop(connID, env.Event, metrics.DropReasonUnauthorized, slog.LevelDebug, "state from non-phone ignored")
			return
		}
		r.broadcast(r.dir.OperatorRoom(), connID, EventPhoneState, env.Data)
	default:
		r.drop(connID, env.Event, metrics.DropReasonUnknownEvent, slog.LevelWarn, "unknown event")
	}
}

func (r *router) handleRegister(connID string, env Envelope) {
	role, sessionID, err := parseRegister(env.Data)
	if err != nil {
		msg := "invalid register-client payload"
		if errors.Is(err, errUnknownRole) {
			msg = "unknown role"
		}
		r.drop(connID, env.Event, metrics.DropReasonMalformed, slog.LevelWarn, msg, "err", err)
		return
	}

	switch role {
	case directory.RolePhone:
		out := r.dir.RegisterPhone(connID, sessionID, r.now())
		if out.Superseded != "" {
			r.logger.Warn("new phone registered while another phone was active",
				"conn_id", connID,
				"previous_conn_id", out.Superseded,
			)
		}
		if out.LeftOperatorRoom {
			r.logger.Info("operator re-registered as phone", "conn_id", connID)
		}
		r.logger.Info("phone registered",
			"conn_id", connID,
			"session_id", sessionID,
			"event", out.Event.String(),
		)
		event := EventPhoneConnected
		if out.Event == directory.PhoneReconnected {
			event = EventPhoneReconnected
		}
		r.broadcast(r.dir.OperatorRoom(), connID, event, phoneStatus{SessionID: out.SessionID})

	case directory.RoleOperator:
		out := r.dir.RegisterOperator(connID)
		if out.LeftPhoneRoom {
			r.logger.Info("phone re-registered as operator", "conn_id", connID)
			r.broadcast(r.dir.OperatorRoom(), connID, EventPhoneDisconnected, emptyObject)
		}
		r.logger.Info("operator registered", "conn_id", connID, "operators", r.dir.OperatorCount())
		if out.PhoneActive {
			r.sendTo(connID, EventPhoneConnected, 0, phoneStatus{SessionID: out.PhoneSessionID})
		}
	}
	r.syncGauges()
}

func (r *router) handleGPS(connID string, env Envelope) {
	if !r.dir.IsPhone(connID) {
		r.drop(connID, env.Event, metrics.DropReasonUnauthorized, slog.LevelWarn, "gps-update from a connection that is not the active phone")
		return
	}
	pos, err := parsePosition(env.Data)
	if err != nil {
		r.drop(connID, env.Event, metrics.DropReasonMalformed, slog.LevelWarn, "invalid gps-update payload", "err", err)
		return
	}

	r.dir.Sessions().Touch(connID, r.now())

	operators := r.dir.OperatorRoom()
	r.broadcast(operators, connID, EventGPSFromPhone, env.Data)

	for _, hit := range r.geo.Evaluate(geofence.Point{Lat: pos.Lat, Lon: pos.Lon}) {
		r.logger.Info("phone in range of point of interest",
			"poi", hit.POI.Name,
			"distance_m", hit.Distance,
		)
		if r.metrics != nil {
			r.metrics.POIHits.WithLabelValues(hit.POI.Name).Inc()
		}
		r.broadcast(operators, connID, EventPOIInRange, hit.POI.Raw)
	}
}

func (r *router) handleOffer(connID string, env Envelope) {
	if !r.dir.IsPhone(connID) {
		r.drop(connID, env.Event, metrics.DropReasonUnauthorized, slog.LevelWarn, "offer from a connection that is not the active phone")
		return
	}
	operators := r.dir.OperatorRoom()
	if len(operators) == 0 {
		r.drop(connID, env.Event, metrics.DropReasonNoRecipient, slog.LevelWarn, "offer not delivered: no operators connected")
		return
	}
	r.logger.Info("relaying offer to operators",
		"conn_id", connID,
		"sdp_type", sdpType(env.Data),
		"operators", len(operators),
	)
	r.broadcast(operators, connID, EventWebRTCOffer, env.Data)
}

func (r *router) handleAnswer(connID string, env Envelope) {
	if !r.dir.IsOperator(connID) {
		r.drop(connID, env.Event, metrics.DropReasonUnauthorized, slog.LevelWarn, "answer from a connection that is not an operator")
		return
	}
	phone, ok := r.dir.ActivePhone()
	if !ok {
		r.drop(connID, env.Event, metrics.DropReasonNoRecipient, slog.LevelWarn, "answer not delivered: no active phone")
		return
	}
	r.logger.Info("relaying answer to phone",
		"conn_id", connID,
		"phone_conn_id", phone,
		"sdp_type", sdpType(env.Data),
	)
	r.sendTo(phone, EventWebRTCAnswer, 0, env.Data)
}

// ICE candidates are best effort: anything that is not the active phone is
// assumed to be operator side.
func (r *router) handleICECandidate(connID string, env Envelope) {
	target := r.dir.PhoneRoom()
	if r.dir.IsPhone(connID) {
		target = r.dir.OperatorRoom()
	}
	r.broadcast(target, connID, EventWebRTCICECandidate, env.Data)
}

func (r *router) handlePing(connID string, env Envelope) {
	reply := pongReply{
		Pong:     true,
		ServerTS: r.now().UnixMilli(),
		Echo:     pingSeq(env.Data),
	}
	if env.Ack != 0 {
		r.sendTo(connID, EventAck, env.Ack, reply)
		return
	}
	r.sendTo(connID, EventOperatorPong, 0, reply)
}

// sweep drops sessions that outlived the TTL.
func (r *router) sweep() {
	for _, id := range r.dir.Sessions().Sweep(r.now()) {
		r.logger.Info("session expired", "session_id", id)
		if r.metrics != nil {
			r.metrics.SessionsExpired.Inc()
		}
	}
	r.syncGauges()
}

// broadcast sends one frame to every member of room except the sender.
func (r *router) broadcast(room []string, senderID, event string, data any) {
	if len(room) == 0 {
		return
	}
	frame, err := encodeFrame(event, 0, data)
	if err != nil {
		r.logger.Error("failed to encode frame", "event", event, "err", err)
		return
	}
	for _, id := range room {
		if id == senderID {
			continue
		}
		r.out.send(id, frame)
	}
}

func (r *router) sendTo(connID, event string, ack uint64, data any) {
	frame, err := encodeFrame(event, ack, data)
	if err != nil {
		r.logger.Error("failed to encode frame", "event", event, "err", err)
		return
	}
	r.out.send(connID, frame)
}

func (r *router) drop(connID, event, reason string, level slog.Level, msg string, attrs ...any) {
	r.metrics.Drop(reason)
	attrs = append([]any{"conn_id", connID, "event", event, "drop_reason", reason}, attrs...)
	r.logger.Log(context.Background(), level, msg, attrs...)
}

func (r *router) syncGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.Operators.Set(float64(r.dir.OperatorCount()))
	r.metrics.Sessions.Set(float64(r.dir.Sessions().Len()))
	if _, ok := r.dir.ActivePhone(); ok {
		r.metrics.PhoneActive.Set(1)
	} else {
		r.metrics.PhoneActive.Set(0)
	}
}
