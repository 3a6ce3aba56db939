package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its endpoint changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates to the connection layer.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a device currently visible on the LAN.
type DiscoveredPeer struct {
	DeviceID   string
	DeviceName string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

// Addr returns the preferred dialable address for the peer.
func (p DiscoveredPeer) Addr() (string, bool) {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return "", false
	}
	return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port)), true
}

// Scanner discovers peers with periodic mDNS browse operations and serves
// as the transport's address resolver.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:    cfg,
		browse: browse,
		peers:  make(map[string]DiscoveredPeer),
		events: make(chan Event, 128),
	}, nil
}

// Start begins background peer scanning.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Resolve returns a dialable address for the device, satisfying the
// transport's resolver interface.
func (s *Scanner) Resolve(deviceID string) (string, bool) {
	s.mu.RLock()
	peer, ok := s.peers[deviceID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return peer.Addr()
}

// Peers returns the current discovered peer snapshot.
func (s *Scanner) Peers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the peer list immediately.
	s.runScan()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan() {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collected[peer.DeviceID] = peer
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return
		}
	}

	<-scanCtx.Done()
	<-collectorDone

	s.applySnapshot(collected)
}

func (s *Scanner) applySnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()
	previous := s.peers
	s.peers = next
	s.mu.Unlock()

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.DeviceID != b.DeviceID || a.DeviceName != b.DeviceName ||
		a.Version != b.Version || a.HostName != b.HostName || a.Port != b.Port {
		return false
	}
	if len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredPeer{
		DeviceID:   deviceID,
		DeviceName: name,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, kv := range text {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}
