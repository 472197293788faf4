// Package midirouter implements MidiRouter: the staged, event-driven
// forwarding engine that walks RouteManager's rules for each inbound MIDI
// message and dispatches to local ports or the network, with loop
// prevention via a per-message forwarding context.
package midirouter

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oletizi/midi-fabric/core/classify"
	"github.com/oletizi/midi-fabric/core/codec"
	"github.com/oletizi/midi-fabric/core/id"
	"github.com/oletizi/midi-fabric/core/metrics"
	"github.com/oletizi/midi-fabric/device/router"
	"github.com/oletizi/midi-fabric/device/rules"
)

// MaxHops bounds how many times a message may be forwarded before it is
// treated as a loop. Hop 1 is the originator; a message whose inbound hop
// count has reached MaxHops is dropped and counted as a loop, with no
// local delivery and no further forwarding.
const MaxHops = codec.MaxVisited

// DefaultMaxQueueSize is the default bound on the internal forwarding
// queue. Overflow drops the oldest queued job, counted in Statistics.
const DefaultMaxQueueSize = 65536

// State is MidiRouter's externally visible lifecycle state.
type State uint8

const (
	Ready State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LocalPort is a registered local MIDI destination: typically a wrapper
// around an OS MIDI output port.
type LocalPort interface {
	Write(midi []byte) error
}

// NetworkSender is the non-owning network transport MidiRouter hands
// remote forwards to. Satisfied by *device/router.Router.
type NetworkSender interface {
	SendWithContext(midi []byte, srcDev id.DeviceId, destNode id.NodeId, destHost string, destPort int, ctx *codec.ForwardingContext, onDelivered router.DeliveredFunc, onFailed router.FailedFunc) error
}

// AddressResolver resolves a remote NodeId to the host/port to send to,
// typically backed by device/pool.Pool.
type AddressResolver interface {
	ResolveAddress(node id.NodeId) (host string, port int, ok bool)
}

// RuleSource is the subset of device/rules.Manager that MidiRouter reads
// from on its forwarding path.
type RuleSource interface {
	GetDestinations(srcNode id.NodeId, srcDev id.DeviceId) []rules.Rule
	UpdateRuleStatistics(ruleID string, forwarded bool, nowMicros int64)
}

// Statistics holds MidiRouter's forwarding counters.
type Statistics struct {
	MessagesForwarded uint64
	RoutingErrors     uint64
	LoopsDetected     uint64
	QueueDropped      uint64
}

// Config configures a Router.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	Self  id.NodeId
	Rules RuleSource

	// MaxQueueSize bounds the internal forwarding queue. Zero uses
	// DefaultMaxQueueSize.
	MaxQueueSize int

	// NowFn returns the current time in microseconds since epoch, used for
	// rule last-used bookkeeping. Defaults to the system clock.
	NowFn func() int64
}

type forwardJob struct {
	srcNode id.NodeId
	srcDev  id.DeviceId
	midi    []byte
	inbound *codec.ForwardingContext
}

// Router is a MidiRouter.
type Router struct {
	log   *slog.Logger
	self  id.NodeId
	rules RuleSource
	nowFn func() int64

	forwardedCounter, errorCounter, loopCounter, droppedCounter *metrics.Counter
	queueDepthGauge                                             *metrics.Gauge

	portsMu sync.RWMutex
	ports   map[id.DeviceId]LocalPort

	netMu    sync.RWMutex
	network  NetworkSender
	resolver AddressResolver

	statsMu sync.Mutex
	stats   Statistics

	stateMu sync.Mutex
	state   State

	queue   *workQueue
	pending atomic.Int64 // jobs queued or being processed
	closed  bool
	wg      sync.WaitGroup
}

// New constructs a Router and starts its forwarding worker.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxQueue := cfg.MaxQueueSize
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueueSize
	}
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UnixMicro() }
	}

	r := &Router{
		log:              logger.WithGroup("midirouter"),
		self:             cfg.Self,
		rules:            cfg.Rules,
		nowFn:            nowFn,
		forwardedCounter: cfg.Metrics.NewCounter("midirouter_forwarded_total", "Messages successfully forwarded"),
		errorCounter:     cfg.Metrics.NewCounter("midirouter_routing_errors_total", "Forwarding attempts that failed"),
		loopCounter:      cfg.Metrics.NewCounter("midirouter_loops_detected_total", "Loop conditions detected during forwarding"),
		droppedCounter:   cfg.Metrics.NewCounter("midirouter_queue_dropped_total", "Forward jobs dropped due to a full queue"),
		queueDepthGauge:  cfg.Metrics.NewGauge("midirouter_queue_depth", "Current depth of the forwarding work queue"),
		ports:            make(map[id.DeviceId]LocalPort),
		queue:            newWorkQueue(maxQueue),
	}
	r.wg.Add(1)
	go r.workerLoop()
	return r
}

// SetNetworkTransport installs (or, with nil, removes) the network
// transport used to dispatch remote forwards.
func (r *Router) SetNetworkTransport(sender NetworkSender, resolver AddressResolver) {
	r.netMu.Lock()
	defer r.netMu.Unlock()
	r.network = sender
	r.resolver = resolver
}

// RegisterLocalPort exclusively assigns handle as the local port for dev,
// replacing any previous registration. Safe to call from any goroutine;
// visible to subsequent Forward calls.
func (r *Router) RegisterLocalPort(dev id.DeviceId, handle LocalPort) {
	r.portsMu.Lock()
	defer r.portsMu.Unlock()
	r.ports[dev] = handle
}

// UnregisterLocalPort removes the local port for dev, if any.
func (r *Router) UnregisterLocalPort(dev id.DeviceId) {
	r.portsMu.Lock()
	defer r.portsMu.Unlock()
	delete(r.ports, dev)
}

// Forward enqueues an inbound MIDI message for processing by the
// worker goroutine. inbound is the forwarding context attached to the
// inbound packet, or nil if the message originated locally.
func (r *Router) Forward(srcNode id.NodeId, srcDev id.DeviceId, midi []byte, inbound *codec.ForwardingContext) {
	if r.currentState() == Stopped {
		return
	}
	job := forwardJob{srcNode: srcNode, srcDev: srcDev, midi: midi, inbound: inbound}
	r.pending.Add(1)
	dropped := r.queue.push(job)
	if dropped {
		r.pending.Add(-1)
		r.droppedCounter.Inc()
		r.statsMu.Lock()
		r.stats.QueueDropped++
		r.statsMu.Unlock()
	}
	r.queueDepthGauge.Set(float64(r.queue.len()))
}

// Statistics returns a snapshot of the router's forwarding counters.
func (r *Router) Statistics() Statistics {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// State reports the router's current lifecycle state.
func (r *Router) State() State {
	return r.currentState()
}

func (r *Router) currentState() State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// Drain blocks until the forwarding queue is empty and the worker has
// finished processing every dequeued job. Used by tests and shutdown paths
// that need to observe all enqueued work has completed.
func (r *Router) Drain() {
	r.stateMu.Lock()
	if r.state == Ready {
		r.state = Draining
	}
	r.stateMu.Unlock()

	for r.pending.Load() > 0 {
		time.Sleep(time.Millisecond)
	}

	r.stateMu.Lock()
	if r.state == Draining {
		r.state = Ready
	}
	r.stateMu.Unlock()
}

// Stop drains the queue and permanently stops the worker goroutine.
func (r *Router) Stop() {
	r.Drain()
	r.stateMu.Lock()
	r.state = Stopped
	r.stateMu.Unlock()

	r.queue.mu.Lock()
	r.closed = true
	r.queue.mu.Unlock()
	r.queue.wake()
	r.wg.Wait()
}

func (r *Router) workerLoop() {
	defer r.wg.Done()
	for {
		job, ok := r.queue.pop(&r.closed)
		if !ok {
			return
		}
		r.queueDepthGauge.Set(float64(r.queue.len()))
		r.process(job)
		r.pending.Add(-1)
	}
}

// process implements the five-step forward algorithm from a single
// dequeued job.
func (r *Router) process(job forwardJob) {
	ctx := job.inbound
	if ctx == nil {
		ctx = codec.NewForwardingContext()
	} else {
		ctx = ctx.Clone()
	}

	if ctx.HopCount >= MaxHops || ctx.Has(job.srcNode, job.srcDev) {
		r.recordLoop()
		return
	}
	ctx.Add(job.srcNode, job.srcDev)

	msgType := classify.TypeOf(job.midi)
	channel := classify.Channel(job.midi)

	candidates := r.rules.GetDestinations(job.srcNode, job.srcDev)
	for _, rule := range candidates {
		if !rule.ChannelFilter.Matches(channel) {
			r.rules.UpdateRuleStatistics(rule.ID, false, r.nowFn())
			continue
		}
		if rule.MessageTypeFilter != 0 && rule.MessageTypeFilter&msgType == 0 {
			r.rules.UpdateRuleStatistics(rule.ID, false, r.nowFn())
			continue
		}

		destCtx := ctx.Clone()
		if destCtx.Has(rule.DstNode, rule.DstDev) {
			r.recordLoop()
			continue
		}

		if r.dispatch(rule, job.midi, destCtx) {
			r.rules.UpdateRuleStatistics(rule.ID, true, r.nowFn())
			r.recordForwarded()
		}
	}
}

func (r *Router) dispatch(rule rules.Rule, midi []byte, destCtx *codec.ForwardingContext) bool {
	if rule.DstNode.IsZero() || rule.DstNode == id.Local {
		r.portsMu.RLock()
		port, ok := r.ports[rule.DstDev]
		r.portsMu.RUnlock()
		if !ok {
			r.recordError()
			return false
		}
		if err := port.Write(midi); err != nil {
			r.log.Warn("local port write failed, removing port", "device", rule.DstDev, "error", err)
			r.portsMu.Lock()
			delete(r.ports, rule.DstDev)
			r.portsMu.Unlock()
			r.recordError()
			return false
		}
		return true
	}

	r.netMu.RLock()
	network, resolver := r.network, r.resolver
	r.netMu.RUnlock()
	if network == nil || resolver == nil {
		r.recordError()
		return false
	}
	host, port, ok := resolver.ResolveAddress(rule.DstNode)
	if !ok {
		r.recordError()
		return false
	}
	if err := network.SendWithContext(midi, rule.DstDev, rule.DstNode, host, port, destCtx, nil, nil); err != nil {
		r.recordError()
		return false
	}
	return true
}

func (r *Router) recordForwarded() {
	r.forwardedCounter.Inc()
	r.statsMu.Lock()
	r.stats.MessagesForwarded++
	r.statsMu.Unlock()
}

func (r *Router) recordError() {
	r.errorCounter.Inc()
	r.statsMu.Lock()
	r.stats.RoutingErrors++
	r.statsMu.Unlock()
}

func (r *Router) recordLoop() {
	r.loopCounter.Inc()
	r.statsMu.Lock()
	r.stats.LoopsDetected++
	r.statsMu.Unlock()
}
