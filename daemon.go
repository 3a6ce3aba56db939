package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clipsync/clipboard"
	"clipsync/config"
	"clipsync/crypto"
	"clipsync/discovery"
	"clipsync/protocol"
	"clipsync/registry"
	"clipsync/storage"
	"clipsync/syncer"
	"clipsync/transport"
)

// sessionKeyEntry returns the keystore entry holding a peer's session
// ratchet seed. Device IDs are hex, so the name is always a safe filename.
func sessionKeyEntry(deviceID string) string {
	return "session-" + deviceID + ".key"
}

// daemon wires every subsystem of the sync service together.
type daemon struct {
	cfg      *config.Settings
	dataDir  string
	log      *slog.Logger
	keystore *crypto.FileKeyStore
	identity *crypto.Identity
	store    *storage.Store
	reg      *registry.Registry
	keyring  *crypto.Keyring
	codec    *protocol.Codec
	engine   *syncer.Engine
	watcher  *clipboard.Watcher
	trans    *transport.Manager
	disc     *discovery.Service

	seqMu    sync.Mutex
	sendSeq  map[string]uint64
	lastSeen map[string]uint64
}

func newDaemon(cfg *config.Settings, dataDir string, log *slog.Logger) (*daemon, error) {
	keystore, err := crypto.NewFileKeyStore(config.KeysDir(dataDir))
	if err != nil {
		return nil, err
	}
	identity, err := crypto.EnsureIdentity(keystore)
	if err != nil {
		return nil, err
	}
	storageKey, err := crypto.EnsureStorageKey(keystore)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(dataDir)
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:      cfg,
		dataDir:  dataDir,
		log:      log,
		keystore: keystore,
		identity: identity,
		store:    store,
		keyring:  crypto.NewKeyring(crypto.SessionPolicy{}),
		codec:    &protocol.Codec{MaxPayloadBytes: int64(cfg.MaxItemSizeMB) << 20},
		sendSeq:  make(map[string]uint64),
		lastSeen: make(map[string]uint64),
	}
	d.reg = registry.New(store, identity.DeviceID(), log)

	clip := clipboard.System{}
	d.engine = syncer.New(syncer.Options{
		LocalDeviceID: identity.DeviceID(),
		Clipboard:     clip,
		Store:         store,
		StorageKey:    storageKey,
		Broadcast:     d.broadcast,
		MarkSeen:      func(text string) { d.watcher.Ignore(text) },
		Logger:        log,
	}, policyFromSettings(cfg))
	d.watcher = clipboard.NewWatcher(clip,
		time.Duration(cfg.PollMillis)*time.Millisecond,
		func(text string) { d.engine.LocalChange([]byte(text)) })

	d.trans = transport.NewManager(transport.Config{
		Identity:   identity,
		ListenPort: cfg.ListeningPort,
		RelayURL:   cfg.RelayURL,
		RelayFor:   d.relayOverride,
		IsPaired:   d.reg.IsPaired,
		OnFrame:    d.handleFrame,
		OnStatus: func(ev transport.StatusEvent) {
			online := ev.Status == transport.StatusDirect || ev.Status == transport.StatusRelay
			d.reg.SetOnline(ev.DeviceID, online)
			log.Info("peer status changed", "peer", ev.DeviceID, "status", ev.Status.String())
			if online {
				// An early ping lets a peer whose ratchet fell behind,
				// typically across a restart, catch up before clipboard
				// traffic flows.
				go d.sendPing(ev.DeviceID)
			}
		},
		Logger: log,
	})

	return d, nil
}

func policyFromSettings(cfg *config.Settings) syncer.Policy {
	return syncer.Policy{
		AutoSync:          cfg.AutoSync,
		SyncText:          cfg.SyncText,
		SyncImages:        cfg.SyncImages,
		SyncFiles:         cfg.SyncFiles,
		MaxItemSize:       cfg.MaxItemSizeMB << 20,
		HistoryEnabled:    cfg.HistoryEnabled,
		HistoryMaxAge:     time.Duration(cfg.HistoryDays) * 24 * time.Hour,
		HistoryMaxEntries: cfg.HistoryMaxEntries,
		Debounce:          time.Duration(cfg.DebounceMillis) * time.Millisecond,
	}
}

func (d *daemon) relayOverride(deviceID string) string {
	dev, err := d.reg.Get(deviceID)
	if err != nil {
		return ""
	}
	return dev.RelayOverride
}

// run starts all subsystems and blocks until the context is cancelled.
func (d *daemon) run(ctx context.Context) error {
	if err := d.restoreSessions(); err != nil {
		return err
	}
	if err := d.engine.Restore(); err != nil {
		d.log.Warn("failed to restore clipboard state", "error", err)
	}
	d.engine.PruneHistory()

	if err := d.trans.Start(ctx); err != nil {
		return err
	}
	defer d.trans.Stop()

	disc, err := discovery.Start(discovery.Config{
		SelfDeviceID:  d.identity.DeviceID(),
		DeviceName:    d.cfg.DeviceName,
		ListeningPort: d.cfg.ListeningPort,
	})
	if err != nil {
		d.log.Warn("discovery unavailable, relying on relay", "error", err)
	} else {
		d.disc = disc
		defer disc.Stop()
		d.trans.SetResolver(disc.Scanner)
		go d.watchDiscovery(ctx, disc.Scanner.Events())
	}

	go d.watcher.Run(ctx)
	go d.logEngineEvents(ctx)
	d.connectPairedPeers()

	d.log.Info("clipboard sync running",
		"device_id", d.identity.DeviceID(),
		"device_name", d.cfg.DeviceName,
		"port", d.cfg.ListeningPort)

	<-ctx.Done()
	d.engine.Flush()
	return nil
}

// restoreSessions re-establishes in-memory sessions from persisted ratchet
// seeds.
func (d *daemon) restoreSessions() error {
	devices, err := d.reg.Devices()
	if err != nil {
		return err
	}
	for _, dev := range devices {
		seed, err := d.keystore.Retrieve(sessionKeyEntry(dev.DeviceID))
		if err != nil {
			if errors.Is(err, crypto.ErrKeyNotFound) {
				d.log.Warn("paired device has no session key, re-pair it", "peer", dev.DeviceID)
				continue
			}
			return err
		}
		if _, err := d.keyring.Establish(dev.DeviceID, seed); err != nil {
			return err
		}
	}
	return nil
}

func (d *daemon) connectPairedPeers() {
	devices, err := d.reg.Devices()
	if err != nil {
		d.log.Warn("failed to list paired devices", "error", err)
		return
	}
	for _, dev := range devices {
		if dev.SyncEnabled {
			d.trans.Connect(dev.DeviceID)
		}
	}
}

func (d *daemon) watchDiscovery(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == discovery.EventPeerUpserted && d.reg.IsPaired(ev.Peer.DeviceID) {
				d.trans.Connect(ev.Peer.DeviceID)
			}
		}
	}
}

func (d *daemon) logEngineEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.engine.Events():
			switch ev.Kind {
			case syncer.EventRemoteRejected:
				d.log.Debug("rejected remote update", "peer", ev.PeerID, "reason", ev.Reason)
			}
		}
	}
}

// registerPairing persists a completed pairing and brings the peer online.
func (d *daemon) registerPairing(peerDeviceID, peerDeviceName string, rootKey []byte) error {
	if err := d.keystore.Store(sessionKeyEntry(peerDeviceID), rootKey); err != nil {
		return fmt.Errorf("persist session key: %w", err)
	}
	if err := d.reg.Pair(peerDeviceID, peerDeviceName, ""); err != nil {
		return err
	}
	if _, err := d.keyring.Establish(peerDeviceID, rootKey); err != nil {
		return err
	}
	d.trans.Connect(peerDeviceID)
	return nil
}

// unpair removes a device and destroys everything derived from the pairing.
func (d *daemon) unpair(deviceID string) error {
	if err := d.reg.Unpair(deviceID); err != nil {
		return err
	}
	d.keyring.Discard(deviceID)
	d.trans.Disconnect(deviceID)
	if err := d.keystore.Delete(sessionKeyEntry(deviceID)); err != nil {
		return err
	}
	return nil
}

// nextSequence returns a strictly increasing sequence for a peer. Values
// start from the wall clock so a restarted process resumes above anything
// the peer has already seen from it.
func (d *daemon) nextSequence(peerID string) uint64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	seq := uint64(time.Now().UnixNano())
	if seq <= d.sendSeq[peerID] {
		seq = d.sendSeq[peerID] + 1
	}
	d.sendSeq[peerID] = seq
	return seq
}

// acceptSequence enforces per-peer monotonic sequences, dropping replays.
func (d *daemon) acceptSequence(peerID string, sequence uint64) bool {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if sequence <= d.lastSeen[peerID] {
		return false
	}
	d.lastSeen[peerID] = sequence
	return true
}

// broadcast seals and sends a committed record to every eligible peer.
func (d *daemon) broadcast(rec protocol.Record) {
	targets, err := d.reg.SyncTargets()
	if err != nil {
		d.log.Warn("failed to resolve sync targets", "error", err)
		return
	}

	for _, target := range targets {
		session := d.keyring.Get(target.DeviceID)
		if session == nil {
			d.log.Warn("no session for sync target, skipping", "peer", target.DeviceID)
			continue
		}
		if session.ShouldRotate() {
			if err := session.Rotate(); err != nil {
				d.log.Warn("session rotation failed", "peer", target.DeviceID, "error", err)
				continue
			}
			d.persistRatchet(target.DeviceID, session)
		}

		frame, err := d.codec.EncodeRecord(rec, d.nextSequence(target.DeviceID), session.Key())
		if err != nil {
			d.log.Warn("failed to encode record", "peer", target.DeviceID, "error", err)
			continue
		}
		if err := d.trans.Send(target.DeviceID, frame); err != nil {
			d.log.Debug("failed to deliver record", "peer", target.DeviceID, "error", err)
		}
	}
}

// handleFrame dispatches one inbound protocol frame from the transport.
// The header sequence counts for replay protection only after the frame
// authenticates, so a forged header cannot poison the replay floor.
func (d *daemon) handleFrame(peerID string, frame []byte) {
	header, err := protocol.ParseHeader(frame)
	if err != nil {
		d.log.Debug("dropping malformed frame", "peer", peerID, "error", err)
		return
	}
	if header.SenderID != peerID {
		d.log.Warn("dropping frame with mismatched sender", "peer", peerID, "claimed", header.SenderID)
		return
	}
	session := d.keyring.Get(peerID)
	if session == nil {
		d.log.Warn("dropping frame from peer without session", "peer", peerID)
		return
	}

	switch header.Type {
	case protocol.MsgClipboard:
		rec, err := d.decodeRecord(peerID, session, frame)
		if err != nil {
			d.log.Warn("dropping undecodable clipboard frame", "peer", peerID, "error", err)
			return
		}
		if !d.acceptSequence(peerID, header.Sequence) {
			d.log.Debug("dropping replayed frame", "peer", peerID, "sequence", header.Sequence)
			return
		}
		d.applyClipboard(peerID, header, rec, session)
	case protocol.MsgAck:
		ack, err := d.decodeAck(peerID, session, frame)
		if err != nil {
			d.log.Debug("dropping undecodable ack", "peer", peerID, "error", err)
			return
		}
		if !d.acceptSequence(peerID, header.Sequence) {
			d.log.Debug("dropping replayed ack", "peer", peerID, "sequence", header.Sequence)
			return
		}
		if !ack.Applied {
			d.log.Debug("peer did not apply update", "peer", peerID, "reason", ack.Reason)
		}
	case protocol.MsgPing, protocol.MsgPong, protocol.MsgError:
		if _, err := d.decodeSignal(peerID, session, frame); err != nil {
			d.log.Debug("dropping unauthenticated signal frame", "peer", peerID, "error", err)
			return
		}
		if !d.acceptSequence(peerID, header.Sequence) {
			d.log.Debug("dropping replayed signal frame", "peer", peerID, "sequence", header.Sequence)
			return
		}
		switch header.Type {
		case protocol.MsgPing:
			pong, err := d.codec.EncodePong(d.identity.DeviceID(), d.nextSequence(peerID), session.Key())
			if err == nil {
				_ = d.trans.Send(peerID, pong)
			}
		case protocol.MsgError:
			d.log.Warn("peer reported protocol error", "peer", peerID)
		}
	}
}

// decodeRecord decrypts a clipboard frame, advancing the local ratchet when
// the peer has rotated ahead.
func (d *daemon) decodeRecord(peerID string, session *crypto.Session, frame []byte) (protocol.Record, error) {
	rec, err := d.codec.DecodeRecord(frame, session.DecryptionKeys()...)
	if err == nil || !errors.Is(err, protocol.ErrDecryption) {
		return rec, err
	}
	if session.Resync(func(key []byte) bool {
		r, rerr := d.codec.DecodeRecord(frame, key)
		if rerr != nil {
			return false
		}
		rec = r
		return true
	}) {
		d.persistRatchet(peerID, session)
		return rec, nil
	}
	return protocol.Record{}, err
}

func (d *daemon) decodeAck(peerID string, session *crypto.Session, frame []byte) (protocol.Ack, error) {
	ack, err := d.codec.DecodeAck(frame, session.DecryptionKeys()...)
	if err == nil || !errors.Is(err, protocol.ErrDecryption) {
		return ack, err
	}
	if session.Resync(func(key []byte) bool {
		a, rerr := d.codec.DecodeAck(frame, key)
		if rerr != nil {
			return false
		}
		ack = a
		return true
	}) {
		d.persistRatchet(peerID, session)
		return ack, nil
	}
	return protocol.Ack{}, err
}

func (d *daemon) decodeSignal(peerID string, session *crypto.Session, frame []byte) (protocol.Header, error) {
	header, err := d.codec.DecodeSignal(frame, session.DecryptionKeys()...)
	if err == nil || !errors.Is(err, protocol.ErrDecryption) {
		return header, err
	}
	if session.Resync(func(key []byte) bool {
		h, rerr := d.codec.DecodeSignal(frame, key)
		if rerr != nil {
			return false
		}
		header = h
		return true
	}) {
		d.persistRatchet(peerID, session)
		return header, nil
	}
	return protocol.Header{}, err
}

// persistRatchet stores the session's ratchet seed so a restart resumes on
// the current epoch instead of falling back to the pairing root.
func (d *daemon) persistRatchet(peerID string, session *crypto.Session) {
	if err := d.keystore.Store(sessionKeyEntry(peerID), session.RatchetState()); err != nil {
		d.log.Warn("failed to persist ratchet state", "peer", peerID, "error", err)
	}
}

// sendPing sends one encrypted liveness probe to a peer.
func (d *daemon) sendPing(peerID string) {
	session := d.keyring.Get(peerID)
	if session == nil {
		return
	}
	ping, err := d.codec.EncodePing(d.identity.DeviceID(), d.nextSequence(peerID), session.Key())
	if err != nil {
		return
	}
	if err := d.trans.Send(peerID, ping); err != nil {
		d.log.Debug("failed to deliver ping", "peer", peerID, "error", err)
	}
}

func (d *daemon) applyClipboard(peerID string, header protocol.Header, rec protocol.Record, session *crypto.Session) {
	applied, reason := d.engine.ApplyRemote(peerID, rec)
	ack := protocol.Ack{
		Sequence:    header.Sequence,
		ContentHash: rec.ContentHash,
		Applied:     applied,
		Reason:      reason,
	}
	ackFrame, err := d.codec.EncodeAck(ack, d.identity.DeviceID(), d.nextSequence(peerID), session.Key())
	if err != nil {
		d.log.Warn("failed to encode ack", "peer", peerID, "error", err)
		return
	}
	if err := d.trans.Send(peerID, ackFrame); err != nil {
		d.log.Debug("failed to deliver ack", "peer", peerID, "error", err)
	}
}

func (d *daemon) close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn("database close error", "error", err)
		}
	}
}
