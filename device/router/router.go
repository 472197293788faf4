// Package router implements MessageRouter: the classify-then-dispatch
// step that decides whether an outgoing MIDI message travels over
// DatagramTransport (fire-and-forget RealTime) or ReliableTransport
// (acked, retried NonRealTime).
package router

import (
	"log/slog"
	"time"

	"github.com/oletizi/midi-fabric/core/classify"
	"github.com/oletizi/midi-fabric/core/clock"
	"github.com/oletizi/midi-fabric/core/codec"
	"github.com/oletizi/midi-fabric/core/id"
	"github.com/oletizi/midi-fabric/transport/reliable"
)

// DeliveredFunc is invoked when a send completes: immediately for
// RealTime sends, or on Ack for NonRealTime sends.
type DeliveredFunc func(seq uint16)

// FailedFunc is invoked when a NonRealTime send exhausts its retries or
// is cancelled. RealTime sends never fail this way (they are
// fire-and-forget).
type FailedFunc func(seq uint16, reason string)

// Datagram is the subset of transport/datagram.Transport MessageRouter
// depends on for RealTime sends.
type Datagram interface {
	Send(pkt *codec.Packet, host string, port int) error
}

// Reliable is the subset of transport/reliable.Transport MessageRouter
// depends on for NonRealTime sends.
type Reliable interface {
	Send(pkt *codec.Packet, host string, port int, onDelivered reliable.DeliveredFunc, onFailed reliable.FailedFunc) error
}

// Config configures a Router.
type Config struct {
	Logger *slog.Logger

	// Self is this node's identity; its hash is stamped into every
	// outgoing packet's SourceNodeHash.
	Self id.NodeId

	Datagram Datagram
	Reliable Reliable

	// DetailedTracking enables per-MessageType send counters. Off by
	// default: it costs a mutex-guarded map update per send.
	DetailedTracking bool

	// NowFn is the time source for TimestampMicros, overridable in tests.
	NowFn func() time.Time
}

// Router is a MessageRouter.
type Router struct {
	log      *slog.Logger
	selfHash uint32
	datagram Datagram
	reliable Reliable
	now      func() time.Time
	stats    *Statistics
}

// New constructs a Router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.NowFn
	if now == nil {
		now = clock.New().Now
	}
	return &Router{
		log:      logger.WithGroup("router"),
		selfHash: uint32(cfg.Self.ComputeHash()),
		datagram: cfg.Datagram,
		reliable: cfg.Reliable,
		now:      now,
		stats:    newStatistics(cfg.DetailedTracking),
	}
}

// Statistics returns a point-in-time snapshot of send counters.
func (r *Router) Statistics() StatsSnapshot {
	return r.stats.Snapshot()
}

// Send classifies midi and dispatches it to the appropriate transport:
// RealTime messages go out over DatagramTransport with onDelivered
// invoked immediately (fire-and-forget); everything else is handed to
// ReliableTransport with onDelivered/onFailed wired through to its
// Ack/timeout machinery.
func (r *Router) Send(midi []byte, srcDev id.DeviceId, destNode id.NodeId, destHost string, destPort int, onDelivered DeliveredFunc, onFailed FailedFunc) error {
	return r.SendWithContext(midi, srcDev, destNode, destHost, destPort, nil, onDelivered, onFailed)
}

// SendWithContext is Send, but attaches ctx (if non-nil) to the outgoing
// packet's ForwardingContext extension — used by MidiRouter when
// forwarding a message onward to a remote peer so the visited set and
// hop count survive the hop.
func (r *Router) SendWithContext(midi []byte, srcDev id.DeviceId, destNode id.NodeId, destHost string, destPort int, ctx *codec.ForwardingContext, onDelivered DeliveredFunc, onFailed FailedFunc) error {
	pkt := &codec.Packet{
		DeviceId:        uint16(srcDev),
		TimestampMicros: uint32(r.now().UnixMicro()),
		SourceNodeHash:  r.selfHash,
		DestNodeHash:    uint32(destNode.ComputeHash()),
		MIDI:            append([]byte(nil), midi...),
	}
	pkt.ApplySysExDetection()
	if ctx != nil {
		pkt.SetForwardingContext(ctx.ToExtension())
	}

	ty := classify.TypeOf(midi)
	r.stats.record(ty, len(midi))

	if classify.Classify(midi) == classify.RealTime {
		if err := r.datagram.Send(pkt, destHost, destPort); err != nil {
			r.log.Debug("realtime send failed", "error", err, "dest", destHost)
			return err
		}
		if onDelivered != nil {
			onDelivered(pkt.Sequence)
		}
		return nil
	}

	var relDelivered reliable.DeliveredFunc
	if onDelivered != nil {
		relDelivered = reliable.DeliveredFunc(onDelivered)
	}
	var relFailed reliable.FailedFunc
	if onFailed != nil {
		relFailed = reliable.FailedFunc(onFailed)
	}
	return r.reliable.Send(pkt, destHost, destPort, relDelivered, relFailed)
}
