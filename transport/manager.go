package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"clipsync/crypto"
)

// Status is the connectivity state of one peer.
type Status int

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusDirect
	StatusRelay
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusConnecting:
		return "connecting"
	case StatusDirect:
		return "direct"
	case StatusRelay:
		return "relay"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatusEvent reports a peer status change.
type StatusEvent struct {
	DeviceID string
	Status   Status
}

// Resolver maps a device ID to a dialable LAN address.
type Resolver interface {
	Resolve(deviceID string) (addr string, ok bool)
}

// ErrPeerUnreachable indicates no direct link or relay path exists.
var ErrPeerUnreachable = errors.New("transport: peer unreachable")

// reconnectSchedule is one bounded reconnect cycle. After it is exhausted
// the peer stays offline until Connect is called again.
var reconnectSchedule = []time.Duration{
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

const (
	defaultDialTimeout       = 5 * time.Second
	defaultKeepAliveInterval = 15 * time.Second
	defaultReadTimeout       = 45 * time.Second
)

// Config wires the manager to the rest of the daemon.
type Config struct {
	Identity *crypto.Identity
	// ListenPort is the local TCP port for inbound direct links.
	ListenPort int
	// RelayURL is the global relay, empty to disable relay fallback.
	RelayURL string
	// RelayFor returns a per-device relay override, empty for the global
	// relay. May be nil.
	RelayFor func(deviceID string) string
	// IsPaired gates inbound links and relay frames to known devices.
	IsPaired func(deviceID string) bool
	// OnFrame receives every inbound protocol frame.
	OnFrame func(peerID string, frame []byte)
	// OnStatus receives peer status transitions. May be nil.
	OnStatus func(ev StatusEvent)
	Resolver Resolver
	Logger   *slog.Logger

	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
	ReadTimeout       time.Duration
}

// Manager owns all peer links. Each peer moves through
// offline -> connecting -> direct or relay -> offline; direct is always
// preferred and relay is the fallback.
type Manager struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	resolver Resolver
	peers    map[string]*peer
	listener net.Listener
	relays   map[string]*relayClient
	closed   bool
}

type peer struct {
	deviceID string
	cancel   context.CancelFunc

	mu     sync.Mutex
	conn   net.Conn
	status Status
	// wmu serializes frame writes from Send and the keepalive loop.
	wmu sync.Mutex
	// kicked wakes the supervise loop out of relay mode or terminal
	// offline so it retries the direct path.
	kicked chan struct{}
}

// NewManager creates a transport manager. Start must be called before use.
func NewManager(cfg Config) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		resolver: cfg.Resolver,
		peers:    make(map[string]*peer),
		relays:   make(map[string]*relayClient),
	}
}

// SetResolver installs or replaces the LAN address resolver. Discovery
// starts after the transport, so the resolver often arrives late.
func (m *Manager) SetResolver(r Resolver) {
	m.mu.Lock()
	m.resolver = r
	m.mu.Unlock()
}

// Start begins listening for inbound direct links.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", m.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", m.cfg.ListenPort, err)
	}
	m.mu.Lock()
	m.listener = listener
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.acceptLoop(listener)
	}()

	m.log.Info("transport listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Stop closes all links and the listener.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	listener := m.listener
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	relays := make([]*relayClient, 0, len(m.relays))
	for _, rc := range m.relays {
		relays = append(relays, rc)
	}
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	if listener != nil {
		_ = listener.Close()
	}
	for _, p := range peers {
		p.closeConn()
		p.cancel()
	}
	for _, rc := range relays {
		rc.close()
	}
	m.wg.Wait()
}

// Connect ensures a supervised link for the peer. For an already
// supervised peer it kicks the reconnect loop so a newly discovered
// direct path is tried immediately.
func (m *Manager) Connect(deviceID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if p, ok := m.peers[deviceID]; ok {
		m.mu.Unlock()
		p.kick()
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	p := &peer{
		deviceID: deviceID,
		cancel:   cancel,
		kicked:   make(chan struct{}, 1),
	}
	m.peers[deviceID] = p
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.supervise(ctx, p)
	}()
}

// Disconnect tears down the peer's link and stops supervising it. Used on
// unpair.
func (m *Manager) Disconnect(deviceID string) {
	m.mu.Lock()
	p, ok := m.peers[deviceID]
	if ok {
		delete(m.peers, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.closeConn()
	p.cancel()
}

// Status returns the peer's current connectivity.
func (m *Manager) Status(deviceID string) Status {
	m.mu.Lock()
	p, ok := m.peers[deviceID]
	m.mu.Unlock()
	if !ok {
		return StatusOffline
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Send delivers one protocol frame to the peer, preferring the direct
// link and falling back to the relay.
func (m *Manager) Send(deviceID string, frame []byte) error {
	m.mu.Lock()
	p, ok := m.peers[deviceID]
	m.mu.Unlock()
	if ok {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn != nil {
			if err := p.writeFrame(conn, frame); err != nil {
				p.closeConn()
				return fmt.Errorf("send to %s: %w", deviceID, err)
			}
			return nil
		}
	}

	if rc := m.relayFor(deviceID); rc != nil {
		if err := rc.send(deviceID, frame); err != nil {
			return fmt.Errorf("relay to %s: %w", deviceID, err)
		}
		return nil
	}

	return ErrPeerUnreachable
}

// supervise runs one peer's connection lifecycle: direct first, relay as
// fallback, one bounded reconnect cycle, then terminal offline until the
// next kick.
func (m *Manager) supervise(ctx context.Context, p *peer) {
	for {
		if ctx.Err() != nil {
			return
		}

		if m.runCycle(ctx, p) {
			return
		}

		// The reconnect cycle is spent. Stay offline until discovery or a
		// manual reconnect kicks us.
		m.setStatus(p, StatusOffline)
		select {
		case <-ctx.Done():
			return
		case <-p.kicked:
		}
	}
}

// runCycle attempts each backoff step once. It returns true when the
// supervisor should exit.
func (m *Manager) runCycle(ctx context.Context, p *peer) (done bool) {
	for attempt := 0; attempt <= len(reconnectSchedule); attempt++ {
		if ctx.Err() != nil {
			return true
		}

		m.setStatus(p, StatusConnecting)
		if m.tryDirect(ctx, p) {
			// The link served traffic and then dropped; start a fresh cycle.
			attempt = -1
			continue
		}

		if rc := m.relayFor(p.deviceID); rc != nil && rc.connected() {
			m.setStatus(p, StatusRelay)
			select {
			case <-ctx.Done():
				return true
			case <-rc.done():
				// Relay dropped, fall through to backoff.
			case <-p.kicked:
				// Retry the direct path right away.
				attempt = -1
				continue
			}
		}

		if attempt == len(reconnectSchedule) {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(reconnectSchedule[attempt]):
		case <-p.kicked:
		}
	}
	return false
}

// tryDirect dials the peer's LAN address and, on success, serves the link
// until it drops. Returns true when a link was established at all.
func (m *Manager) tryDirect(ctx context.Context, p *peer) bool {
	m.mu.Lock()
	resolver := m.resolver
	m.mu.Unlock()
	if resolver == nil {
		return false
	}
	addr, ok := resolver.Resolve(p.deviceID)
	if !ok {
		return false
	}

	conn, err := m.dialDirect(addr, p.deviceID)
	if err != nil {
		m.log.Debug("direct dial failed", "peer", p.deviceID, "addr", addr, "error", err)
		return false
	}

	m.attach(p, conn)
	m.serveConn(ctx, p, conn)
	return true
}

func (m *Manager) attach(p *peer, conn net.Conn) {
	p.mu.Lock()
	old := p.conn
	p.conn = conn
	p.status = StatusDirect
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	m.notify(p.deviceID, StatusDirect)
	m.log.Info("direct link established", "peer", p.deviceID, "remote", conn.RemoteAddr().String())
}

func (m *Manager) setStatus(p *peer, status Status) {
	p.mu.Lock()
	changed := p.status != status
	p.status = status
	p.mu.Unlock()
	if changed {
		m.notify(p.deviceID, status)
	}
}

func (m *Manager) notify(deviceID string, status Status) {
	if m.cfg.OnStatus != nil {
		m.cfg.OnStatus(StatusEvent{DeviceID: deviceID, Status: status})
	}
}

func (p *peer) kick() {
	select {
	case p.kicked <- struct{}{}:
	default:
	}
}

func (p *peer) writeFrame(conn net.Conn, frame []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return WriteLinkFrame(conn, frame)
}

func (p *peer) closeConn() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// relayFor returns a connected (or connecting) relay client for the
// device, starting one lazily. Returns nil when relaying is disabled.
func (m *Manager) relayFor(deviceID string) *relayClient {
	url := m.cfg.RelayURL
	if m.cfg.RelayFor != nil {
		if override := m.cfg.RelayFor(deviceID); override != "" {
			url = override
		}
	}
	if url == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.ctx == nil {
		return nil
	}
	if rc, ok := m.relays[url]; ok && !rc.closed() {
		return rc
	}
	rc := newRelayClient(m.ctx, url, m.cfg.Identity, m.handleRelayFrame, m.log)
	m.relays[url] = rc
	return rc
}

func (m *Manager) handleRelayFrame(from string, frame []byte) {
	if m.cfg.IsPaired != nil && !m.cfg.IsPaired(from) {
		m.log.Warn("dropping relay frame from unpaired device", "peer", from)
		return
	}
	if m.cfg.OnFrame != nil {
		m.cfg.OnFrame(from, frame)
	}
}
