package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// dialDirect opens a TCP connection and authenticates both ends with
// signed hellos. The remote must prove it is the expected device.
func (m *Manager) dialDirect(addr, expectDeviceID string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, m.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	peerID, err := m.exchangeHello(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if peerID != expectDeviceID {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: address %s answered as %s", ErrHelloRejected, addr, peerID)
	}

	return conn, nil
}

// exchangeHello sends the local hello and validates the remote one.
func (m *Manager) exchangeHello(conn net.Conn) (string, error) {
	hello, err := buildHello(m.cfg.Identity)
	if err != nil {
		return "", err
	}
	if err := WriteLinkFrame(conn, hello); err != nil {
		return "", fmt.Errorf("send hello: %w", err)
	}

	payload, err := ReadLinkFrameWithTimeout(conn, m.cfg.DialTimeout)
	if err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	return verifyHello(payload, time.Now())
}

func (m *Manager) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Warn("accept failed", "error", err)
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(conn)
		}()
	}
}

// handleInbound authenticates an incoming link and hands it to the peer's
// supervisor state.
func (m *Manager) handleInbound(conn net.Conn) {
	peerID, err := m.exchangeHello(conn)
	if err != nil {
		m.log.Debug("rejecting inbound link", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	if m.cfg.IsPaired != nil && !m.cfg.IsPaired(peerID) {
		m.log.Warn("rejecting inbound link from unpaired device", "peer", peerID)
		_ = conn.Close()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	p, ok := m.peers[peerID]
	if !ok {
		ctx, cancel := context.WithCancel(m.ctx)
		p = &peer{
			deviceID: peerID,
			cancel:   cancel,
			kicked:   make(chan struct{}, 1),
		}
		m.peers[peerID] = p
		m.mu.Unlock()

		m.attach(p, conn)
		m.serveConn(ctx, p, conn)

		// After an inbound-only link drops, run the normal reconnect
		// lifecycle for this peer.
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.supervise(ctx, p)
		}()
		return
	}
	m.mu.Unlock()

	// The supervisor for this peer exists; give it the fresh link. Its
	// own serve loop keeps running on the replaced conn and exits on the
	// close performed by attach.
	m.attach(p, conn)
	m.serveConn(m.ctx, p, conn)
	p.kick()
}

// serveConn pumps inbound frames and keepalives until the link drops.
func (m *Manager) serveConn(ctx context.Context, p *peer, conn net.Conn) {
	defer func() {
		p.mu.Lock()
		dropped := p.conn == conn
		if dropped {
			p.conn = nil
			p.status = StatusConnecting
		}
		p.mu.Unlock()
		_ = conn.Close()
		if dropped {
			// Observers must learn immediately that the peer is no
			// longer reachable, not after the reconnect cycle ends.
			m.notify(p.deviceID, StatusConnecting)
		}
		m.log.Info("direct link closed", "peer", p.deviceID)
	}()

	stopKeepAlive := make(chan struct{})
	defer close(stopKeepAlive)
	go m.keepAliveLoop(p, conn, stopKeepAlive)

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := ReadLinkFrameWithTimeout(conn, m.cfg.ReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// No traffic and no keepalive within the window.
				return
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				m.log.Debug("link read failed", "peer", p.deviceID, "error", err)
			}
			return
		}
		if len(frame) == 0 {
			continue // keepalive
		}
		if m.cfg.OnFrame != nil {
			m.cfg.OnFrame(p.deviceID, frame)
		}
	}
}

func (m *Manager) keepAliveLoop(p *peer, conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.writeFrame(conn, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
