// Package transport is a small connection-tracking datagram abstraction modeled on
// the net.UDPConn + JSON-envelope idiom used across the retrieved example
// pack (see other_examples/..._enhanced-tcr-udp-internal-client-client.go
// and .../game-network.go) rather than on any single third-party library:
// none of the 2166 retrieved files bind an ENet/KCP/QUIC client, so this
// is hand-rolled on the standard library (see DESIGN.md for why no
// suitable dependency from the pack could serve this concern).
//
// A Host owns one UDP socket and a table of Peers; a Peer is a connect/
// disconnect-tracked remote endpoint reached through that socket. Hosts
// are symmetric: the same Host type both dials out (Connect) and accepts
// inbound handshakes (a SYN from an unknown address becomes a new Peer),
// mirroring the upstream matchmaking protocol's own client/server symmetry
// and spec.md §4.1's Host/Peer/CONNECT/DISCONNECT vocabulary.
//
// Every envelope is sent once. Data envelopes carry a per-peer sequence
// number, but nothing is acknowledged or retransmitted and the receiver
// does not reorder or deduplicate; a lost syn, data or fin datagram is
// simply lost.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// EventType tags the outcome of one Host.Service call.
type EventType int

const (
	// EventNone means no packet arrived within the service timeout.
	EventNone EventType = iota
	// EventConnect means a peer handshake completed, locally or remotely
	// initiated.
	EventConnect
	// EventReceive means an application data packet arrived.
	EventReceive
	// EventDisconnect means a peer finished a graceful disconnect.
	EventDisconnect
)

// Event is the result of one Host.Service call.
type Event struct {
	Type EventType
	Peer *Peer
	Data []byte
}

// PeerState is the lifecycle state of one Peer as tracked locally.
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerDisconnecting
	PeerDisconnected
)

// Peer is one remote endpoint reached through a Host's socket.
type Peer struct {
	Addr *net.UDPAddr

	mu    sync.Mutex
	state PeerState
	seq   uint32
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Peer) nextSeq() uint32 {
	return atomic.AddUint32(&p.seq, 1)
}

// kind tags the small set of envelope shapes this protocol carries on the
// wire; data envelopes additionally carry an application payload.
type kind string

const (
	kindSyn     kind = "syn"
	kindSynAck  kind = "synack"
	kindData    kind = "data"
	kindFin     kind = "fin"
	kindFinAck  kind = "finack"
)

type envelope struct {
	Kind kind            `json:"kind"`
	Seq  uint32          `json:"seq"`
	Body json.RawMessage `json:"body,omitempty"`
}

// maxDatagram is generous for the small JSON control/matchmaking messages
// this protocol carries; it is not a tuned MTU.
const maxDatagram = 4096

// ErrHostFull is returned when an inbound handshake arrives but the host
// is already at peer capacity.
var ErrHostFull = errors.New("transport: host at peer capacity")

// Host owns one UDP socket and the peers reached through it.
type Host struct {
	conn     *net.UDPConn
	capacity int

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewHost binds a UDP socket on ":port" (ENET_HOST_ANY equivalent) able to
// track up to capacity peers. channels is accepted for API-shape parity
// with the upstream protocol's channel count but this transport does not
// multiplex channels; every message is delivered on the implicit single
// channel.
func NewHost(port int, capacity int, channels int) (*Host, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind :%d: %w", port, err)
	}

	return &Host{
		conn:     conn,
		capacity: capacity,
		peers:    make(map[string]*Peer),
	}, nil
}

// LocalPort returns the bound UDP port.
func (h *Host) LocalPort() int {
	return h.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the underlying socket. It does not notify peers; callers
// should Disconnect or Reset peers first.
func (h *Host) Close() error {
	return h.conn.Close()
}

// Connect begins a handshake with hostport and returns the Peer
// immediately in PeerConnecting state; the caller drives Service to learn
// when (or whether) it reaches PeerConnected.
func (h *Host) Connect(hostport string) (*Peer, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", hostport, err)
	}

	p := &Peer{Addr: addr, state: PeerConnecting}

	h.mu.Lock()
	h.peers[addr.String()] = p
	h.mu.Unlock()

	if err := h.write(addr, envelope{Kind: kindSyn}); err != nil {
		h.mu.Lock()
		delete(h.peers, addr.String())
		h.mu.Unlock()
		return nil, fmt.Errorf("transport: send syn to %s: %w", hostport, err)
	}

	return p, nil
}

// Send delivers body to p as an application data packet.
func (h *Host) Send(p *Peer, body []byte) error {
	if p.State() != PeerConnected {
		return fmt.Errorf("transport: peer %s is not connected", p.Addr)
	}
	return h.write(p.Addr, envelope{Kind: kindData, Seq: p.nextSeq(), Body: body})
}

// Disconnect begins a graceful close of p: it sends a fin and marks p
// PeerDisconnecting. The caller should keep calling Service until an
// EventDisconnect for p arrives, or call Reset after its own drain
// deadline elapses.
func (h *Host) Disconnect(p *Peer) error {
	p.setState(PeerDisconnecting)
	return h.write(p.Addr, envelope{Kind: kindFin})
}

// Reset force-removes p locally without waiting for a remote
// acknowledgement, for use when a graceful Disconnect's drain window
// expires.
func (h *Host) Reset(p *Peer) {
	h.mu.Lock()
	delete(h.peers, p.Addr.String())
	h.mu.Unlock()
	p.setState(PeerDisconnected)
}

// Service waits up to timeout for one inbound packet and returns the
// resulting Event. It is the sole driver of peer-state transitions: every
// CONNECT and DISCONNECT event, local or remote-initiated, is produced
// from inside Service, mirroring enet_host_service's role in the upstream
// protocol this replaces.
func (h *Host) Service(timeout time.Duration) (Event, error) {
	buf := make([]byte, maxDatagram)

	if err := h.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Event{}, fmt.Errorf("transport: set read deadline: %w", err)
	}

	n, from, err := h.conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return Event{Type: EventNone}, nil
		}
		return Event{}, fmt.Errorf("transport: read: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(buf[:n], &env); err != nil {
		// Malformed datagram: ignore it and report no event, rather than
		// failing the whole service call over one bad packet.
		return Event{Type: EventNone}, nil
	}

	return h.handle(from, env)
}

func (h *Host) handle(from *net.UDPAddr, env envelope) (Event, error) {
	key := from.String()

	h.mu.Lock()
	p, known := h.peers[key]
	h.mu.Unlock()

	switch env.Kind {
	case kindSyn:
		if !known {
			h.mu.Lock()
			if len(h.peers) >= h.capacity {
				h.mu.Unlock()
				return Event{Type: EventNone}, ErrHostFull
			}
			p = &Peer{Addr: from, state: PeerConnected}
			h.peers[key] = p
			h.mu.Unlock()
		} else {
			p.setState(PeerConnected)
		}
		_ = h.write(from, envelope{Kind: kindSynAck})
		return Event{Type: EventConnect, Peer: p}, nil

	case kindSynAck:
		if !known {
			return Event{Type: EventNone}, nil
		}
		p.setState(PeerConnected)
		return Event{Type: EventConnect, Peer: p}, nil

	case kindData:
		if !known {
			return Event{Type: EventNone}, nil
		}
		return Event{Type: EventReceive, Peer: p, Data: env.Body}, nil

	case kindFin:
		if !known {
			return Event{Type: EventNone}, nil
		}
		_ = h.write(from, envelope{Kind: kindFinAck})
		h.mu.Lock()
		delete(h.peers, key)
		h.mu.Unlock()
		p.setState(PeerDisconnected)
		return Event{Type: EventDisconnect, Peer: p}, nil

	case kindFinAck:
		if !known {
			return Event{Type: EventNone}, nil
		}
		h.mu.Lock()
		delete(h.peers, key)
		h.mu.Unlock()
		p.setState(PeerDisconnected)
		return Event{Type: EventDisconnect, Peer: p}, nil

	default:
		return Event{Type: EventNone}, nil
	}
}

func (h *Host) write(addr *net.UDPAddr, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	_, err = h.conn.WriteToUDP(data, addr)
	return err
}
