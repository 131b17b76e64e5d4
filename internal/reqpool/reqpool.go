// Package reqpool implements the request processor pool: a bounded
// FIFO queue drained by a fixed worker pool, an adaptive
// spin-before-sleep wait on the dequeue side, and deferred
// per-session cleanup that only fires once every in-flight message
// for a closing session has finished.
package reqpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Spin tuning constants.
const (
	SpinMin       = 1000
	SpinMax       = 1_000_000
	SpinTimeoutNS = 500_000
)

// Message is one unit of work submitted to the pool.
type Message struct {
	ID        uint64
	SessionID uint64
	Op        string
	Payload   any
	Reply     chan Response

	sentinel bool
}

// Response is the outcome of handling a Message.
type Response struct {
	Data any
	Err  error
}

// Handler processes one Message and returns its Response.
type Handler func(*Message) Response

// Pool is a bounded FIFO queue drained by a fixed set of workers.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Message
	cap    int
	closed bool

	workers int
	handler Handler
	wg      sync.WaitGroup

	// depth mirrors len(queue) so the spin loop can poll it without
	// taking the mutex.
	depth atomic.Int64
	// spinLimit is the current spin-before-sleep iteration budget,
	// adapted on the enqueue side: doubled while wakeups arrive in
	// bursts, reset to zero once they space out.
	spinLimit atomic.Int64
	// lastWake is the monotonic-clock nanosecond timestamp of the most
	// recent worker wakeup.
	lastWake atomic.Int64

	inFlight sync.Map // sessionID uint64 -> *int64
	closing  sync.Map // sessionID uint64 -> func()

	depthGauge  prometheus.Gauge
	workerGauge prometheus.Gauge
}

// New builds a Pool with workers goroutines draining a queue bounded
// at capacity messages.
func New(workers, capacity int, handler Handler) *Pool {
	p := &Pool{
		cap:     capacity,
		workers: workers,
		handler: handler,
		depthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sysrepo_shmd_request_queue_depth",
			Help: "Current depth of the request processor queue.",
		}),
		workerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sysrepo_shmd_request_workers",
			Help: "Number of active request processor workers.",
		}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Collectors returns the Prometheus collectors this pool exposes, so
// the caller can register them with its registry.
func (p *Pool) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.depthGauge, p.workerGauge}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.workerGauge.Set(float64(p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
}

// Submit enqueues msg, rejecting it if the queue is at capacity.
func (p *Pool) Submit(msg *Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPoolClosed
	}
	if len(p.queue) >= p.cap {
		p.mu.Unlock()
		return errQueueFull
	}
	p.beginInFlight(msg.SessionID)
	p.queue = append(p.queue, msg)
	p.depth.Store(int64(len(p.queue)))
	p.depthGauge.Set(float64(len(p.queue)))
	p.adaptSpin()
	p.cond.Signal()
	p.mu.Unlock()
	return nil
}

// adaptSpin tunes the workers' spin budget from the wakeup cadence:
// wakeups closer together than SpinTimeoutNS mean a burst is in
// flight, so the budget starts at SpinMin and doubles up to SpinMax;
// a longer gap resets it to zero so idle workers sleep immediately.
func (p *Pool) adaptSpin() {
	now := nanotime()
	last := p.lastWake.Swap(now)
	if now-last < SpinTimeoutNS {
		for {
			cur := p.spinLimit.Load()
			next := cur * 2
			if cur == 0 {
				next = SpinMin
			}
			if next > SpinMax {
				next = SpinMax
			}
			if p.spinLimit.CompareAndSwap(cur, next) {
				return
			}
		}
	}
	p.spinLimit.Store(0)
}

func nanotime() int64 { return time.Now().UnixNano() }

// CurrentSpinLimit reports the adaptive spin budget as of the last
// enqueue.
func (p *Pool) CurrentSpinLimit() int64 { return p.spinLimit.Load() }

// Shutdown stops accepting new work, wakes every blocked worker with a
// sentinel message apiece, and waits for all workers to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	for i := 0; i < p.workers; i++ {
		p.queue = append(p.queue, &Message{sentinel: true})
	}
	p.depth.Store(int64(len(p.queue)))
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	processed := false
	for {
		msg, ok := p.dequeue(processed)
		if !ok {
			return
		}
		if msg.sentinel {
			return
		}
		resp := p.handler(msg)
		if msg.Reply != nil {
			msg.Reply <- resp
		}
		p.endInFlight(msg.SessionID)
		processed = true
	}
}

// dequeue pulls the next message. When the queue is empty and the
// worker has processed at least one message since its last wakeup, it
// spin-reads the queue depth up to the current adaptive limit before
// blocking on the condvar, amortizing wake/sleep latency across a
// burst.
func (p *Pool) dequeue(spin bool) (*Message, bool) {
	if spin {
		limit := p.spinLimit.Load()
		for i := int64(0); i < limit; i++ {
			if p.depth.Load() > 0 {
				p.mu.Lock()
				if len(p.queue) > 0 {
					msg := p.pop()
					p.mu.Unlock()
					return msg, true
				}
				p.mu.Unlock()
			}
			runtime.Gosched()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	return p.pop(), true
}

// pop must be called with p.mu held.
func (p *Pool) pop() *Message {
	msg := p.queue[0]
	p.queue = p.queue[1:]
	p.depth.Store(int64(len(p.queue)))
	p.depthGauge.Set(float64(len(p.queue)))
	return msg
}

func (p *Pool) beginInFlight(sessionID uint64) {
	counter, _ := p.inFlight.LoadOrStore(sessionID, new(int64))
	atomic.AddInt64(counter.(*int64), 1)
}

// endInFlight decrements the in-flight counter for sessionID and, if
// the session has been marked closing and this was the last in-flight
// message, invokes its deferred cleanup callback exactly once.
func (p *Pool) endInFlight(sessionID uint64) {
	counterAny, ok := p.inFlight.Load(sessionID)
	if !ok {
		return
	}
	remaining := atomic.AddInt64(counterAny.(*int64), -1)
	if remaining > 0 {
		return
	}
	if cleanupAny, ok := p.closing.LoadAndDelete(sessionID); ok {
		p.inFlight.Delete(sessionID)
		cleanupAny.(func())()
	}
}

// CloseSession marks sessionID as closing: once every message already
// submitted for it has finished, cleanup runs. If no message is
// currently in flight, cleanup runs immediately. The cleanup is registered before
// the in-flight count is re-checked so a concurrent endInFlight can
// never observe a zero count without also finding the callback.
func (p *Pool) CloseSession(sessionID uint64, cleanup func()) {
	counterAny, ok := p.inFlight.LoadOrStore(sessionID, new(int64))
	p.closing.Store(sessionID, cleanup)
	if !ok || atomic.LoadInt64(counterAny.(*int64)) == 0 {
		if cleanupAny, ok := p.closing.LoadAndDelete(sessionID); ok {
			p.inFlight.Delete(sessionID)
			cleanupAny.(func())()
		}
	}
}

type poolError string

func (e poolError) Error() string { return string(e) }

const (
	errPoolClosed = poolError("reqpool: pool is closed")
	errQueueFull  = poolError("reqpool: queue is full")
)
