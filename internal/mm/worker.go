// Package mm implements the matchmaking worker state machine: one bot
// identity driven through ticket creation, ticket polling, and a direct
// peer handshake, under a hard wall-clock deadline (spec.md §4.1).
package mm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KeganHollern/slippiauth/internal/config"
	"github.com/KeganHollern/slippiauth/internal/events"
	"github.com/KeganHollern/slippiauth/internal/mm/transport"
)

// ProcessState is one node of the state machine described in spec.md §4.1.
type ProcessState int

const (
	StateIdle ProcessState = iota
	StateInitializing
	StateMatchmaking
	StateConnectionSuccess
	StateTimeout
	StateError
)

func (s ProcessState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateMatchmaking:
		return "matchmaking"
	case StateConnectionSuccess:
		return "connectionSuccess"
	case StateTimeout:
		return "timeout"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Tunables are the worker's named retry/backoff budgets, overridable so
// tests don't have to sleep out real multi-second windows.
type Tunables struct {
	HostCreateRetries        int
	ConnectRetries           int
	ConnectServiceInterval   time.Duration
	TicketPollServiceTimeout time.Duration
	CreateTicketDeadline     time.Duration
	HandshakeRetries         int
	HandshakeServiceInterval time.Duration
	DisconnectDrain          time.Duration
	ReceiveSubInterval       time.Duration
}

// DefaultTunables mirrors the constants in the original implementation
// (spec.md §4.1): host-create ×15, connect ×20 at 500ms, ticket-create
// 5000ms deadline, ticket-poll 2000ms deadline, handshake ×15 at 500ms,
// disconnect drain 3000ms.
func DefaultTunables() Tunables {
	return Tunables{
		HostCreateRetries:        15,
		ConnectRetries:           20,
		ConnectServiceInterval:   500 * time.Millisecond,
		TicketPollServiceTimeout: 2000 * time.Millisecond,
		CreateTicketDeadline:     5000 * time.Millisecond,
		HandshakeRetries:         15,
		HandshakeServiceInterval: 500 * time.Millisecond,
		DisconnectDrain:          3000 * time.Millisecond,
		ReceiveSubInterval:       250 * time.Millisecond,
	}
}

// VersionLookup resolves the upstream client-version check embedded in
// every create-ticket request.
type VersionLookup interface {
	Latest(ctx context.Context, apiBase, uid string) (string, error)
}

// Worker drives one bot identity through one authentication job at a
// time. It is owned by the dispatcher for the process lifetime.
type Worker struct {
	Index      int
	Identity   config.BotIdentity
	ServerHost string
	ServerPort uint16
	APIBase    string
	Version    VersionLookup
	Bus        *events.Bus
	Log        *slog.Logger
	Tunables   Tunables

	mu    sync.Mutex
	ready bool
	state ProcessState
}

// NewWorker builds a Worker for one roster entry. index sets both the
// worker's stable log label and its exclusive UDP port (41000+index).
func NewWorker(index int, identity config.BotIdentity, serverHost string, serverPort uint16, apiBase string, version VersionLookup, bus *events.Bus, log *slog.Logger) *Worker {
	return &Worker{
		Index:      index,
		Identity:   identity,
		ServerHost: serverHost,
		ServerPort: serverPort,
		APIBase:    apiBase,
		Version:    version,
		Bus:        bus,
		Log:        log.With("worker", fmt.Sprintf("client-%d", index)),
		Tunables:   DefaultTunables(),
		ready:      true,
		state:      StateIdle,
	}
}

// Ready reports whether the worker is idle and may be dispatched a job.
// This is a point-in-time read only; the dispatcher must use TryClaim, not
// Ready, to actually claim a worker, since Ready alone can't prevent two
// concurrent callers from both observing true for the same worker.
func (w *Worker) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// TryClaim atomically marks the worker not-ready and returns true, but only
// if it was ready; otherwise it leaves the worker untouched and returns
// false. Spec.md §4.2 step 3 requires the dispatcher to flip Ready=false
// itself, synchronously, before spawning the job's task — not lazily
// inside Start — so two QueueEvents arriving concurrently can never both
// claim the same worker.
func (w *Worker) TryClaim() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.ready {
		return false
	}
	w.ready = false
	return true
}

func (w *Worker) setReady(v bool) {
	w.mu.Lock()
	w.ready = v
	w.mu.Unlock()
}

// State reports the worker's current ProcessState, mainly useful for
// tests and diagnostics.
func (w *Worker) State() ProcessState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// localPort is this worker's exclusive UDP port for the process lifetime
// (spec.md §3).
func (w *Worker) localPort() int {
	return 41000 + w.Index
}

// session holds the handles a running job may have open, so teardown can
// release them unconditionally regardless of which state the machine
// exited from (spec.md §4.1, "Graceful teardown").
type session struct {
	host *transport.Host
	peer *transport.Peer
}

// Start runs the state machine to completion on the calling goroutine,
// emitting lifecycle events via w.Bus, and returns the worker to Idle +
// Ready=true before returning. It always returns nil; failures are
// reported as SlippiErrorEvent/TimeoutEvent on the bus, per spec.md §7's
// propagation policy (no error is retried across jobs).
//
// The dispatcher is expected to have already claimed the worker via
// TryClaim before calling Start (spec.md §4.2 step 3); the setReady(false)
// below is a no-op in that case and only matters when Start is called
// directly, outside the pool.
func (w *Worker) Start(ctx context.Context, targetConnectCode string, timeoutMs int, requesterID int64) error {
	w.setReady(false)
	defer w.setReady(true)

	w.mu.Lock()
	w.state = StateInitializing
	w.mu.Unlock()

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	sess := &session{}
	state := StateInitializing

	var result struct {
		userName   string
		userIP     string // host only, for AuthenticatedEvent
		remoteAddr string // host:port, for the peer handshake
	}

	for {
		if state == StateInitializing || state == StateMatchmaking {
			if time.Now().After(deadline) {
				state = StateTimeout
			}
		}

		switch state {
		case StateInitializing:
			// Searching is published once Initializing has run, whatever
			// state it reaches (Error included) — a worker was assigned
			// to the job either way. This mirrors the original source,
			// which emits SearchingEvent unconditionally right after
			// StartSearching() returns, and spec.md §8 invariant 2
			// ("A searching event is emitted iff a worker was assigned").
			next := w.initializing(ctx, sess, targetConnectCode)
			w.Bus.Publish(events.SearchingEvent{
				RequesterID:       requesterID,
				BotConnectCode:    w.Identity.ConnectCode,
				TargetConnectCode: targetConnectCode,
			})
			state = next

		case StateMatchmaking:
			state, result.userName, result.userIP, result.remoteAddr = w.matchmaking(sess, targetConnectCode)

		case StateConnectionSuccess:
			w.Bus.Publish(events.AuthenticatedEvent{
				RequesterID:       requesterID,
				TargetConnectCode: targetConnectCode,
				UserName:          result.userName,
				UserIP:            result.userIP,
			})
			w.connectionSuccess(sess, result.remoteAddr)
			w.teardown(sess)
			w.setState(StateIdle)
			return nil

		case StateTimeout:
			w.Bus.Publish(events.TimeoutEvent{RequesterID: requesterID, TargetConnectCode: targetConnectCode})
			w.teardown(sess)
			w.setState(StateIdle)
			return nil

		case StateError:
			w.Bus.Publish(events.SlippiErrorEvent{RequesterID: requesterID, TargetConnectCode: targetConnectCode})
			w.teardown(sess)
			w.setState(StateIdle)
			return nil

		default:
			state = StateError
		}
	}
}

func (w *Worker) setState(s ProcessState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// initializing implements spec.md §4.1's Initializing algorithm.
func (w *Worker) initializing(ctx context.Context, sess *session, targetConnectCode string) ProcessState {
	versionCh := make(chan versionResult, 1)
	go func() {
		v, err := w.Version.Latest(ctx, w.APIBase, w.Identity.UID)
		versionCh <- versionResult{version: v, err: err}
	}()

	host, err := w.createHost()
	if err != nil {
		w.Log.Error("failed to create client host", "error", err)
		return StateError
	}
	sess.host = host

	peer, err := host.Connect(fmt.Sprintf("%s:%d", w.ServerHost, w.ServerPort))
	if err != nil {
		w.Log.Error("failed to start connection", "host", w.ServerHost, "port", w.ServerPort, "error", err)
		return StateError
	}
	sess.peer = peer

	if !w.awaitConnect(host, peer, w.Tunables.ConnectRetries, w.Tunables.ConnectServiceInterval) {
		w.Log.Error("failed to connect to matchmaking server", "host", w.ServerHost, "port", w.ServerPort)
		return StateError
	}

	vr := <-versionCh
	if vr.err != nil {
		w.Log.Error(vr.err.Error())
		return StateError
	}

	req := createTicketRequest{Type: "create-ticket"}
	req.User.UID = w.Identity.UID
	req.User.PlayKey = w.Identity.PlayKey
	req.Search.Mode = directModeMatchmaking
	req.Search.ConnectCode = byteArray(targetConnectCode)
	req.AppVersion = vr.version
	req.IPAddressLAN = fmt.Sprintf("127.0.0.1:%d", host.LocalPort())

	if err := w.send(host, peer, req); err != nil {
		w.Log.Error("failed to send create-ticket", "error", err)
		return StateError
	}

	outcome, data := w.receive(host, peer, w.Tunables.CreateTicketDeadline)
	if outcome != receiveOK {
		w.Log.Error("did not receive response from server for create-ticket")
		return StateError
	}

	var resp createTicketResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Type != "create-ticket-resp" {
		w.Log.Error("received incorrect response from create-ticket")
		return StateError
	}
	if resp.Error != "" {
		w.Log.Error("received error from server for create-ticket", "error", resp.Error)
		return StateError
	}

	return StateMatchmaking
}

type versionResult struct {
	version string
	err     error
}

// matchmaking implements spec.md §4.1's Matchmaking algorithm: one
// receive per outer-loop tick with a 2000ms deadline. On success it
// returns the bare host (for AuthenticatedEvent.UserIP, per spec.md's S1
// scenario and the original's AuthenticatedEvent(..., m_Remote.host)) and
// the full "host:port" remote address (for the peer handshake) separately.
func (w *Worker) matchmaking(sess *session, targetConnectCode string) (state ProcessState, userName, userIP, remoteAddr string) {
	outcome, data := w.receive(sess.host, sess.peer, w.Tunables.TicketPollServiceTimeout)

	switch outcome {
	case receiveIdle:
		return StateMatchmaking, "", "", ""
	case receiveDisconnected:
		w.Log.Error("lost connection to the mm server")
		return StateError, "", "", ""
	}

	var resp getTicketResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Type != "get-ticket-resp" {
		w.Log.Error("received incorrect response from ticket")
		return StateError, "", "", ""
	}
	if resp.Error != "" {
		if resp.LatestVersion != "" {
			w.Log.Error("update slippi version", "latestVersion", resp.LatestVersion)
		}
		w.Log.Error("received error from the server for get ticket", "error", resp.Error)
		return StateError, "", "", ""
	}

	for _, p := range resp.Players {
		if p.ConnectCode != targetConnectCode {
			continue
		}
		// ipAddress is "host:port[:aux]"; split on ':', keep host and port.
		parts := strings.SplitN(p.IPAddress, ":", 3)
		if len(parts) < 2 {
			continue
		}
		return StateConnectionSuccess, p.DisplayName, parts[0], parts[0] + ":" + parts[1]
	}

	return StateMatchmaking, "", "", ""
}

// connectionSuccess implements spec.md §4.1's ConnectionSuccess algorithm.
// remoteAddr is "host:port" as resolved during Matchmaking.
func (w *Worker) connectionSuccess(sess *session, remoteAddr string) {
	// Tear down the matchmaking-server peer and host first; Authenticated
	// has already been published by the caller before this runs.
	w.teardown(sess)

	host, err := transport.NewHost(w.localPort(), 10, 3)
	if err != nil {
		w.Log.Error("failed to create client host for opponent connection", "error", err)
		return
	}
	sess.host = host

	peer, err := host.Connect(remoteAddr)
	if err != nil {
		w.Log.Error("failed to connect to opponent", "addr", remoteAddr, "error", err)
		return
	}
	sess.peer = peer

	w.awaitConnect(host, peer, w.Tunables.HandshakeRetries, w.Tunables.HandshakeServiceInterval)
	// Handshake success (or exhausting the retry budget) is the
	// deliverable either way; match traffic is never exchanged.
}

// awaitConnect polls Service up to retries times at interval, returning
// true as soon as peer reaches PeerConnected.
func (w *Worker) awaitConnect(host *transport.Host, peer *transport.Peer, retries int, interval time.Duration) bool {
	for i := 0; i < retries; i++ {
		ev, err := host.Service(interval)
		if err != nil {
			return false
		}
		if ev.Type == transport.EventConnect && ev.Peer == peer {
			return true
		}
	}
	return peer.State() == transport.PeerConnected
}

type receiveOutcome int

const (
	receiveOK receiveOutcome = iota
	receiveIdle
	receiveDisconnected
)

// receive mirrors the original ReceiveMessage: it subdivides budget into
// ReceiveSubInterval ticks so a single service call cannot block past the
// requested deadline, and returns the first data or disconnect event seen.
func (w *Worker) receive(host *transport.Host, peer *transport.Peer, budget time.Duration) (receiveOutcome, []byte) {
	sub := w.Tunables.ReceiveSubInterval
	if budget < sub {
		sub = budget
	}
	attempts := int(budget / sub)
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		ev, err := host.Service(sub)
		if err != nil {
			return receiveDisconnected, nil
		}
		switch ev.Type {
		case transport.EventReceive:
			if ev.Peer == peer {
				return receiveOK, ev.Data
			}
		case transport.EventDisconnect:
			if ev.Peer == peer {
				return receiveDisconnected, nil
			}
		}
	}
	return receiveIdle, nil
}

func (w *Worker) send(host *transport.Host, peer *transport.Peer, v any) error {
	// Peer reaches PeerConnected via awaitConnect before send is ever
	// called, so the handshake is already complete here.
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return host.Send(peer, data)
}

// createHost retries host creation up to HostCreateRetries times with no
// backoff, matching spec.md §4.1 step 2: only a failed host-create itself
// is retryable.
func (w *Worker) createHost() (*transport.Host, error) {
	var lastErr error
	for i := 0; i < w.Tunables.HostCreateRetries; i++ {
		host, err := transport.NewHost(w.localPort(), 1, 3)
		if err == nil {
			return host, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to create client: %w", lastErr)
}

// teardown releases whatever sess holds, gracefully disconnecting any
// open peer before destroying the host, per spec.md §4.1's "Graceful
// teardown". It is idempotent so it is safe to call from every exit path.
func (w *Worker) teardown(sess *session) {
	if sess.peer != nil && sess.host != nil {
		w.gracefulDisconnect(sess.host, sess.peer)
		sess.peer = nil
	}
	if sess.host != nil {
		_ = sess.host.Close()
		sess.host = nil
	}
}

// gracefulDisconnect sends a disconnect and drains events for up to
// DisconnectDrain, destroying incoming packets and looking for the
// matching DISCONNECT. On timeout it force-resets the peer.
func (w *Worker) gracefulDisconnect(host *transport.Host, peer *transport.Peer) {
	if err := host.Disconnect(peer); err != nil {
		host.Reset(peer)
		return
	}

	drainDeadline := time.Now().Add(w.Tunables.DisconnectDrain)
	for time.Now().Before(drainDeadline) {
		ev, err := host.Service(100 * time.Millisecond)
		if err != nil {
			break
		}
		if ev.Type == transport.EventDisconnect && ev.Peer == peer {
			return
		}
		// Any other event (e.g. a stray EventReceive) is discarded; the
		// packet itself is already consumed by Service.
	}

	host.Reset(peer)
}
