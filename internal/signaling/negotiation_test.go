package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
)

type sdpPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type candidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// trickler holds local candidates until the description they belong to has
// been sent.
type trickler struct {
	mu      sync.Mutex
	open    bool
	pending []webrtc.ICECandidateInit
	send    func(webrtc.ICECandidateInit)
}

func (tr *trickler) add(c webrtc.ICECandidateInit) {
	tr.mu.Lock()
	if !tr.open {
		tr.pending = append(tr.pending, c)
		tr.mu.Unlock()
		return
	}
	tr.mu.Unlock()
	tr.send(c)
}

func (tr *trickler) flush() {
	tr.mu.Lock()
	tr.open = true
	pending := tr.pending
	tr.pending = nil
	tr.mu.Unlock()
	for _, c := range pending {
		tr.send(c)
	}
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func newPeer(t *testing.T, router *vnet.Router, ip string) *webrtc.PeerConnection {
	t.Helper()
	n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		t.Fatalf("new net %s: %v", ip, err)
	}
	if err := router.AddNet(n); err != nil {
		t.Fatalf("add net %s: %v", ip, err)
	}
	api, err := newVNetAPI(n)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

// readSignals feeds relayed frames to handle until the connection fails or
// handle returns an error.
func readSignals(c *testClient, errCh chan<- error, handle func(Envelope) error) {
	go func() {
		for {
			_, raw, err := c.conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				errCh <- err
				return
			}
			if err := handle(env); err != nil {
				errCh <- err
				return
			}
		}
	}()
}

func TestSignaling_PhoneAndOperatorNegotiateThroughRelay(t *testing.T) {
	vrouter, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = vrouter.Stop() })

	phonePC := newPeer(t, vrouter, "10.0.0.1")
	operatorPC := newPeer(t, vrouter, "10.0.0.2")
	if err := vrouter.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	relay := startTestRelay(t, WebSocketConfig{})
	phone := dialTestClient(t, relay.wsURL)
	op := dialTestClient(t, relay.wsURL)

	op.mustSend(EventRegisterClient, `{"role":"OPERATOR"}`)
	op.sync()
	phone.mustSend(EventRegisterClient, `{"role":"PHONE","sessionId":"neg"}`)
	op.expect(EventPhoneConnected)

	errCh := make(chan error, 4)
	received := make(chan string, 1)

	operatorPC.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			select {
			case received <- string(msg.Data):
			default:
			}
		})
	})

	opTrickle := &trickler{send: func(c webrtc.ICECandidateInit) {
		_ = op.send(EventWebRTCICECandidate, 0, candidatePayload{Candidate: c})
	}}
	operatorPC.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			opTrickle.add(c.ToJSON())
		}
	})

	readSignals(op, errCh, func(env Envelope) error {
		switch env.Event {
		case EventWebRTCOffer:
			var p sdpPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return err
			}
			if err := operatorPC.SetRemoteDescription(p.SDP); err != nil {
				return err
			}
			answer, err := operatorPC.CreateAnswer(nil)
			if err != nil {
				return err
			}
			if err := operatorPC.SetLocalDescription(answer); err != nil {
				return err
			}
			if err := op.send(EventWebRTCAnswer, 0, sdpPayload{SDP: answer}); err != nil {
				return err
			}
			opTrickle.flush()
		case EventWebRTCICECandidate:
			var p candidatePayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return err
			}
			return operatorPC.AddICECandidate(p.Candidate)
		}
		return nil
	})

	readSignals(phone, errCh, func(env Envelope) error {
		switch env.Event {
		case EventWebRTCAnswer:
			var p sdpPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return err
			}
			return phonePC.SetRemoteDescription(p.SDP)
		case EventWebRTCICECandidate:
			var p candidatePayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return err
			}
			return phonePC.AddICECandidate(p.Candidate)
		case EventAck, EventOperatorState:
			return nil
		}
		return errors.New("phone received unexpected event " + env.Event)
	})

	dc, err := phonePC.CreateDataChannel("telemetry", nil)
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	dcOpen := make(chan struct{})
	dc.OnOpen(func() { close(dcOpen) })

	phoneTrickle := &trickler{send: func(c webrtc.ICECandidateInit) {
		_ = phone.send(EventWebRTCICECandidate, 0, candidatePayload{Candidate: c})
	}}
	phonePC.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			phoneTrickle.add(c.ToJSON())
		}
	})

	offer, err := phonePC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := phonePC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	if err := phone.send(EventWebRTCOffer, 0, sdpPayload{SDP: offer}); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	phoneTrickle.flush()

	select {
	case <-dcOpen:
	case err := <-errCh:
		t.Fatalf("signaling failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for data channel to open")
	}

	if err := dc.SendText("hello operator"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	select {
	case got := <-received:
		if got != "hello operator" {
			t.Fatalf("operator received %q", got)
		}
	case err := <-errCh:
		t.Fatalf("signaling failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for data channel message")
	}
}
