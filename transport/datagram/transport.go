// Package datagram implements DatagramTransport: best-effort, unordered,
// unreliable packet delivery over UDP.
package datagram

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/oletizi/midi-fabric/core/codec"
	"github.com/oletizi/midi-fabric/core/metrics"
)

// ErrNotStarted is returned by Send when called before Start.
var ErrNotStarted = errors.New("datagram: transport not started")

const defaultReadBufferSize = 2048

// PacketHandler is invoked on the transport's dedicated receive goroutine
// for every successfully decoded inbound packet. It must not block.
type PacketHandler func(pkt *codec.Packet, srcHost string, srcPort int)

// ErrorHandler is invoked for receive-side errors that don't correspond to
// a single malformed packet (e.g. a transient socket read failure).
type ErrorHandler func(err error)

// Config configures a Transport.
type Config struct {
	// Logger for receive-loop diagnostics. Falls back to slog.Default().
	Logger *slog.Logger
	// Metrics, optional. A nil Registry disables instrumentation.
	Metrics *metrics.Registry
	// ReadBufferSize bounds the largest UDP datagram the transport will
	// read. Defaults to 2048 bytes, comfortably above MaxPacketSize.
	ReadBufferSize int
}

func (c Config) readBufferSize() int {
	if c.ReadBufferSize <= 0 {
		return defaultReadBufferSize
	}
	return c.ReadBufferSize
}

// Transport is a UDP-backed DatagramTransport. The zero value is not
// usable; construct with New.
type Transport struct {
	cfg Config
	log *slog.Logger

	stats Statistics

	sentCounter    *metrics.Counter
	recvCounter    *metrics.Counter
	invalidCounter *metrics.Counter

	mu      sync.Mutex
	conn    *net.UDPConn
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	onPacket PacketHandler
	onError  ErrorHandler

	seqMu sync.Mutex
	seq   map[uint32]uint16
}

// New constructs a Transport. Call Start to bind a socket and begin
// receiving.
func New(cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg: cfg,
		log: logger.WithGroup("datagram"),
		seq: make(map[uint32]uint16),
	}
	t.sentCounter = cfg.Metrics.NewCounter("datagram_packets_sent_total", "Datagram packets transmitted")
	t.recvCounter = cfg.Metrics.NewCounter("datagram_packets_received_total", "Datagram packets received")
	t.invalidCounter = cfg.Metrics.NewCounter("datagram_invalid_packets_total", "Inbound datagrams that failed to decode")
	return t
}

// SetPacketHandler sets the callback for successfully decoded inbound
// packets. Safe to call at any time, including while running.
func (t *Transport) SetPacketHandler(fn PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPacket = fn
}

// SetErrorHandler sets the callback for receive-side errors.
func (t *Transport) SetErrorHandler(fn ErrorHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = fn
}

// Start binds a UDP socket on port (0 for an ephemeral port) and begins a
// dedicated receive goroutine. Calling Start while already running is a
// no-op.
func (t *Transport) Start(port int) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("datagram: listen: %w", err)
	}
	t.conn = conn
	t.running = true
	t.stopCh = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.receiveLoop(conn)
	return nil
}

// Stop closes the socket, unblocks the receive goroutine, and waits for it
// to exit. Calling Stop while already stopped is a no-op.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	conn := t.conn
	close(t.stopCh)
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	t.wg.Wait()
	return nil
}

// GetPort reports the bound local UDP port, or 0 if not started.
func (t *Transport) GetPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return 0
	}
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Send encodes and transmits pkt to host:port. Data and Heartbeat packets
// have their Sequence field stamped with the next value for the packet's
// destination (per-destination monotonic counter) before encoding. Safe to
// call concurrently with itself and with the receive loop.
func (t *Transport) Send(pkt *codec.Packet, host string, port int) error {
	if typ := pkt.Type(); typ == codec.TypeData || typ == codec.TypeHeartbeat {
		pkt.Sequence = t.nextSequence(pkt.DestNodeHash)
	}
	return t.SendRaw(pkt, host, port)
}

// SendRaw encodes and transmits pkt exactly as given, without assigning or
// overwriting its Sequence. Used for retransmissions (which must reuse the
// original sequence) and for Ack/Nack packets (which are never sequenced).
func (t *Transport) SendRaw(pkt *codec.Packet, host string, port int) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}

	data, err := pkt.Encode()
	if err != nil {
		t.stats.SendErrors.Add(1)
		return fmt.Errorf("datagram: encode: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		t.stats.SendErrors.Add(1)
		return fmt.Errorf("datagram: resolve %s:%d: %w", host, port, err)
	}

	n, err := conn.WriteToUDP(data, addr)
	if err != nil {
		t.stats.SendErrors.Add(1)
		return fmt.Errorf("datagram: write: %w", err)
	}

	t.stats.PacketsSent.Add(1)
	t.stats.BytesSent.Add(uint64(n))
	t.sentCounter.Inc()
	return nil
}

// Statistics returns a point-in-time snapshot of transport counters.
func (t *Transport) Statistics() StatsSnapshot {
	return t.stats.Snapshot()
}

// ResetStatistics zeroes every counter.
func (t *Transport) ResetStatistics() {
	t.stats.Reset()
}

func (t *Transport) nextSequence(destHash uint32) uint16 {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	seq := t.seq[destHash]
	t.seq[destHash] = seq + 1
	return seq
}

func (t *Transport) receiveLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, t.cfg.readBufferSize())

	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			t.stats.ReceiveErrors.Add(1)
			t.invokeError(fmt.Errorf("datagram: read: %w", err))
			continue
		}

		t.stats.PacketsRecv.Add(1)
		t.stats.BytesRecv.Add(uint64(n))
		t.recvCounter.Inc()

		pkt, decErr := codec.TryDecode(buf[:n])
		if decErr != nil {
			t.stats.InvalidPackets.Add(1)
			t.invalidCounter.Inc()
			t.log.Debug("dropping invalid datagram", "error", decErr, "from", addr)
			continue
		}

		t.mu.Lock()
		handler := t.onPacket
		t.mu.Unlock()
		if handler != nil {
			handler(pkt, addr.IP.String(), addr.Port)
		}
	}
}

func (t *Transport) invokeError(err error) {
	t.mu.Lock()
	handler := t.onError
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}
