// Package discovery announces the local device over mDNS and resolves
// paired peers to LAN addresses.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_clipsync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS announcement and scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID  string
	DeviceName    string
	ListeningPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// Announcer advertises local device presence via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// StartAnnouncer registers and starts the mDNS announcement.
func StartAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}

	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcer{server: server}, nil
}

// Stop stops announcing.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service couples the announcer with a scanner.
type Service struct {
	Announcer *Announcer
	Scanner   *Scanner
}

// Start starts announcer and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	announcer, err := StartAnnouncer(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		announcer.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		announcer.Stop()
		return nil, err
	}

	return &Service{Announcer: announcer, Scanner: scanner}, nil
}

// Stop stops scanner and announcer.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Announcer != nil {
		s.Announcer.Stop()
	}
}
