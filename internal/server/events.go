package server

import (
	"sync"
	"time"

	uwbmetrics "github.com/dantte-lp/uwbd/internal/metrics"
	"github.com/dantte-lp/uwbd/internal/uwb"
)

// Event is the JSON-serializable shape pushed to admin API event streams.
type Event struct {
	Handle    uwb.SessionHandle `json:"handle"`
	Kind      string            `json:"kind"`
	Reason    string            `json:"reason,omitempty"`
	Address   string            `json:"address,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// eventRing is a small fixed-capacity ring buffer of recent events for one
// session, read by the ndjson event-stream handler and written by the
// callback sink below.
type eventRing struct {
	mu   sync.Mutex
	buf  []Event
	cond *sync.Cond
	cap  int
}

func newEventRing(capacity int) *eventRing {
	r := &eventRing{cap: capacity}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *eventRing) push(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, e)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
	r.cond.Broadcast()
}

// drainFrom returns every event after index n and the new index to resume
// from. It blocks until at least one new event arrives or done fires.
func (r *eventRing) drainFrom(n int, done <-chan struct{}) ([]Event, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for n >= len(r.buf) {
		woken := make(chan struct{})
		go func() {
			select {
			case <-done:
				r.cond.Broadcast()
			case <-woken:
			}
		}()
		r.cond.Wait()
		close(woken)

		select {
		case <-done:
			return nil, n
		default:
		}
	}

	out := make([]Event, len(r.buf)-n)
	copy(out, r.buf[n:])
	return out, len(r.buf)
}

// eventHub fans session callback notifications out to per-handle rings
// consumed by the admin API's ndjson event endpoint. One hub is shared by every
// session opened through this server instance.
type eventHub struct {
	mu    sync.Mutex
	rings map[uwb.SessionHandle]*eventRing
}

func newEventHub() *eventHub {
	return &eventHub{rings: make(map[uwb.SessionHandle]*eventRing)}
}

func (h *eventHub) ringFor(handle uwb.SessionHandle) *eventRing {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rings[handle]
	if !ok {
		r = newEventRing(256)
		h.rings[handle] = r
	}
	return r
}

func (h *eventHub) drop(handle uwb.SessionHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rings, handle)
}

// sessionCallbacks adapts one session's ClientCallbacks surface onto the
// shared eventHub, tagging every event with the owning handle, and onto
// the Prometheus collector, tagging every counter increment with the
// session's chip and protocol.
type sessionCallbacks struct {
	uwb.NoopCallbacks
	handle   uwb.SessionHandle
	chip     string
	protocol string
	hub      *eventHub
	metrics  *uwbmetrics.Collector
}

func newSessionCallbacks(handle uwb.SessionHandle, chip, protocol string, hub *eventHub, metrics *uwbmetrics.Collector) *sessionCallbacks {
	c := &sessionCallbacks{handle: handle, chip: chip, protocol: protocol, hub: hub, metrics: metrics}
	if metrics != nil {
		metrics.RegisterSession(chip, protocol)
	}
	return c
}

func (c *sessionCallbacks) emit(kind string, reason uwb.Reason, addr string) {
	c.hub.ringFor(c.handle).push(Event{
		Handle:    c.handle,
		Kind:      kind,
		Reason:    reason.String(),
		Address:   addr,
		Timestamp: time.Now(),
	})
}

func (c *sessionCallbacks) Opened(uwb.Params) { c.emit("opened", uwb.ReasonOK, "") }
func (c *sessionCallbacks) OpenedFailed(reason uwb.Reason, _ uwb.Params) {
	c.emit("opened_failed", reason, "")
	if c.metrics != nil {
		c.metrics.UnregisterSession(c.chip, c.protocol, reason.String())
	}
}
func (c *sessionCallbacks) Started(uwb.Params) {
	c.emit("started", uwb.ReasonOK, "")
	if c.metrics != nil {
		c.metrics.RecordStart(c.chip, c.protocol)
	}
}
func (c *sessionCallbacks) StartFailed(reason uwb.Reason) { c.emit("start_failed", reason, "") }
func (c *sessionCallbacks) Stopped(reason uwb.Reason) {
	c.emit("stopped", reason, "")
	if c.metrics != nil {
		c.metrics.RecordStop(c.chip, c.protocol, reason.String())
	}
}
func (c *sessionCallbacks) Closed(reason uwb.Reason) {
	c.emit("closed", reason, "")
	if c.metrics != nil {
		c.metrics.UnregisterSession(c.chip, c.protocol, reason.String())
	}
}

func (c *sessionCallbacks) RangingResult(data uwb.RangeData) {
	c.emit("ranging_result", uwb.ReasonOK, "")
	if c.metrics != nil {
		c.metrics.IncRangingResult(c.chip)
	}
}

func (c *sessionCallbacks) DataReceived(addr uwb.UwbAddress, _ uwb.DataBundle, _ []byte) {
	c.emit("data_received", uwb.ReasonOK, addr.String())
	if c.metrics != nil {
		c.metrics.IncDataReceived(c.chip)
	}
}
func (c *sessionCallbacks) DataSent(addr uwb.UwbAddress, _ uwb.DataBundle) {
	c.emit("data_sent", uwb.ReasonOK, addr.String())
	if c.metrics != nil {
		c.metrics.IncDataSent(c.chip)
	}
}
func (c *sessionCallbacks) DataSendFailed(addr uwb.UwbAddress, reason uwb.Reason, _ uwb.DataBundle) {
	c.emit("data_send_failed", reason, addr.String())
	if c.metrics != nil {
		c.metrics.IncDataSendFailure(c.chip)
	}
}

func (c *sessionCallbacks) ControleeAdded(addr uwb.UwbAddress) {
	c.emit("controlee_added", uwb.ReasonOK, addr.String())
}
func (c *sessionCallbacks) ControleeRemoved(addr uwb.UwbAddress, reason uwb.Reason) {
	c.emit("controlee_removed", reason, addr.String())
}
func (c *sessionCallbacks) ControleeAddFailed(addr uwb.UwbAddress, reason uwb.Reason) {
	c.emit("controlee_add_failed", reason, addr.String())
}
func (c *sessionCallbacks) ControleeRemoveFailed(addr uwb.UwbAddress, status uwb.Reason, _ uwb.Reason) {
	c.emit("controlee_remove_failed", status, addr.String())
}

func (c *sessionCallbacks) RangingReconfigured() { c.emit("reconfigured", uwb.ReasonOK, "") }
func (c *sessionCallbacks) RangingReconfigureFailed(reason uwb.Reason) {
	c.emit("reconfigure_failed", reason, "")
}
