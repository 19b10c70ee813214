package signaling

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/directory"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/geofence"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/session"
)

const (
	defaultSendQueueSize = 256
	hubQueueSize         = 1024
)

// ErrHubStopped is returned by Hub calls made after Run has returned.
var ErrHubStopped = errors.New("signaling: hub stopped")

type HubConfig struct {
	Directory *directory.Directory
	Geofence  *geofence.Evaluator
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// SweepInterval is how often expired sessions are removed.
	SweepInterval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Hub owns all signaling state. Handlers, connection bookkeeping and the
// session sweep run one at a time on the goroutine executing Run.
type Hub struct {
	router        *router
	logger        *slog.Logger
	metrics       *metrics.Metrics
	sweepInterval time.Duration

	// Only touched on the Run goroutine.
	clients map[string]*Client

	reqs     chan func()
	stopped  chan struct{}
	running  atomic.Bool
	stopOnce sync.Once
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.New(nil)
	}
	if cfg.Geofence == nil {
		cfg.Geofence = geofence.NewEvaluator(nil)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = session.DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &Hub{
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		sweepInterval: cfg.SweepInterval,
		clients:       make(map[string]*Client),
		reqs:          make(chan func(), hubQueueSize),
		stopped:       make(chan struct{}),
	}
	h.router = &router{
		dir:     cfg.Directory,
		geo:     cfg.Geofence,
		out:     h,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	return h
}

// Run processes requests until ctx is cancelled. Every client still attached
// when Run returns has its outbound queue closed.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.stop()

	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-h.reqs:
			h.exec(fn)
		case <-ticker.C:
			h.exec(h.router.sweep)
		}
	}
}

// Running reports whether Run is processing requests.
func (h *Hub) Running() bool { return h.running.Load() }

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		h.running.Store(false)
		close(h.stopped)
		for id, c := range h.clients {
			c.closeQueue()
			delete(h.clients, id)
		}
		h.metrics.Connections.Set(0)
	})
}

// exec runs one handler. A panic is logged and counted; the hub keeps going.
func (h *Hub) exec(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			h.metrics.HandlerPanics.Inc()
			h.logger.Error("signaling handler panicked",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

func (h *Hub) submit(fn func()) bool {
	select {
	case <-h.stopped:
		return false
	default:
	}
	select {
	case h.reqs <- fn:
		return true
	case <-h.stopped:
		return false
	}
}

// call runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !h.submit(func() {
		defer close(done)
		fn()
	}) {
		return ErrHubStopped
	}
	select {
	case <-done:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join attaches c. Frames from c must be delivered after Join returns.
func (h *Hub) Join(c *Client) bool {
	return h.submit(func() {
		h.clients[c.id] = c
		h.metrics.Connections.Inc()
		h.router.connect(c.id)
	})
}

// Leave detaches c and closes its outbound queue.
func (h *Hub) Leave(c *Client) {
	h.submit(func() {
		if _, ok := h.clients[c.id]; !ok {
			return
		}
		delete(h.clients, c.id)
		c.closeQueue()
		h.metrics.Connections.Dec()
		h.router.disconnect(c.id)
	})
}

// Deliver hands one inbound envelope from c to the router.
func (h *Hub) Deliver(c *Client, env Envelope) bool {
	return h.submit(func() {
		if _, ok := h.clients[c.id]; !ok {
			return
		}
		h.router.handle(c.id, env)
	})
}

// SweepNow removes expired sessions immediately.
func (h *Hub) SweepNow(ctx context.Context) error {
	return h.call(ctx, h.router.sweep)
}

// Stats is a point-in-time view of the hub's state.
type Stats struct {
	Connections    int
	Operators      int
	PhoneActive    bool
	PhoneSessionID string
	Sessions       int
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.call(ctx, func() {
		_, active := h.router.dir.ActivePhone()
		st = Stats{
			Connections:    len(h.clients),
			Operators:      h.router.dir.OperatorCount(),
			PhoneActive:    active,
			PhoneSessionID: h.router.dir.PhoneSessionID(),
			Sessions:       h.router.dir.Sessions().Len(),
		}
	})
	return st, err
}

// send implements sender. It never blocks: when a client's queue is full
// the frame is dropped.
func (h *Hub) send(connID string, frame []byte) {
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	if !c.enqueue(frame) {
		h.metrics.Drop(metrics.DropReasonSendQueueFull)
		h.logger.Warn("outbound queue full; dropping frame", "conn_id", connID)
	}
}

// Client is the hub's handle on one transport connection.
type Client struct {
	id  string
	out chan []byte

	// Owned by the hub goroutine.
	closed bool
}

// NewClient allocates a client with a fresh connection id and an outbound
// queue holding up to queueSize frames.
func NewClient(queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Client{
		id:  uuid.NewString(),
		out: make(chan []byte, queueSize),
	}
}

func (c *Client) ID() string { return c.id }

// Outbound yields frames to write. It is closed when the client leaves or
// the hub stops.
func (c *Client) Outbound() <-chan []byte { return c.out }

func (c *Client) enqueue(frame []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) closeQueue() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}
