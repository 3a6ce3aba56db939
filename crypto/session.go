package crypto

import (
	"sync"
	"time"
)

const (
	// DefaultRotationInterval rotates the session key after this much activity.
	DefaultRotationInterval = 24 * time.Hour
	// DefaultRotationMessageCount rotates after this many sealed messages.
	DefaultRotationMessageCount = 1000
	// DefaultGraceWindow keeps the previous key decryptable after rotation.
	DefaultGraceWindow = 2 * time.Minute
	// ResyncLimit bounds how many epochs ahead of the local ratchet a peer
	// may run before its frames are rejected.
	ResyncLimit = 8
)

// SessionPolicy bounds key lifetime per peer.
type SessionPolicy struct {
	RotationInterval     time.Duration
	RotationMessageCount uint64
	GraceWindow          time.Duration
}

func (p SessionPolicy) withDefaults() SessionPolicy {
	out := p
	if out.RotationInterval <= 0 {
		out.RotationInterval = DefaultRotationInterval
	}
	if out.RotationMessageCount == 0 {
		out.RotationMessageCount = DefaultRotationMessageCount
	}
	if out.GraceWindow <= 0 {
		out.GraceWindow = DefaultGraceWindow
	}
	return out
}

// Session holds the symmetric key state for one paired peer. Encryption
// keys live only in memory; durable storage sees ratchet seeds alone, which
// regenerate the keys through the chain.
type Session struct {
	mu sync.Mutex

	peerID string
	policy SessionPolicy

	seed    []byte
	chain   []byte
	current []byte

	previous        []byte
	previousExpires time.Time

	rotatedAt    time.Time
	messageCount uint64

	now func() time.Time
}

// NewSession initializes per-peer key state from a ratchet seed, either the
// pairing-derived root key or a persisted RatchetState. One ratchet step
// runs immediately, so the seed itself never encrypts traffic and both
// sides start on the same derived epoch.
func NewSession(peerID string, seed []byte, policy SessionPolicy) (*Session, error) {
	chain, key, err := RatchetNext(seed)
	if err != nil {
		return nil, err
	}
	return &Session{
		peerID:    peerID,
		policy:    policy.withDefaults(),
		seed:      append([]byte(nil), seed...),
		chain:     chain,
		current:   key,
		rotatedAt: time.Now(),
		now:       time.Now,
	}, nil
}

// PeerID returns the peer this session belongs to.
func (s *Session) PeerID() string {
	return s.peerID
}

// Key returns the current encryption key and counts one outbound message.
func (s *Session) Key() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCount++
	return append([]byte(nil), s.current...)
}

// DecryptionKeys returns the keys valid for decoding, current first. The
// previous key is included only while its grace window is open.
func (s *Session) DecryptionKeys() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := [][]byte{append([]byte(nil), s.current...)}
	if s.previous != nil {
		if s.now().Before(s.previousExpires) {
			keys = append(keys, append([]byte(nil), s.previous...))
		} else {
			s.previous = nil
			s.previousExpires = time.Time{}
		}
	}
	return keys
}

// ShouldRotate reports whether the rotation policy is due.
func (s *Session) ShouldRotate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messageCount >= s.policy.RotationMessageCount {
		return true
	}
	return s.now().Sub(s.rotatedAt) >= s.policy.RotationInterval
}

// Rotate advances the ratchet one epoch. The outgoing key becomes the grace
// key; whatever was in the grace slot before is discarded.
func (s *Session) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextChain, nextKey, err := RatchetNext(s.chain)
	if err != nil {
		return err
	}

	s.previous = s.current
	s.previousExpires = s.now().Add(s.policy.GraceWindow)
	s.seed = s.chain
	s.chain = nextChain
	s.current = nextKey
	s.rotatedAt = s.now()
	s.messageCount = 0
	return nil
}

// Resync searches up to ResyncLimit epochs ahead of the local ratchet for a
// key the peer has rotated to, offering each candidate to try. On a match
// the ratchet commits to that epoch, the outgoing key moves to the grace
// slot, and Resync reports true. Session state is untouched when nothing
// matches.
func (s *Session) Resync(try func(key []byte) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chain
	for i := 0; i < ResyncLimit; i++ {
		nextChain, nextKey, err := RatchetNext(chain)
		if err != nil {
			return false
		}
		if try(nextKey) {
			s.previous = s.current
			s.previousExpires = s.now().Add(s.policy.GraceWindow)
			s.seed = append([]byte(nil), chain...)
			s.chain = nextChain
			s.current = nextKey
			s.rotatedAt = s.now()
			s.messageCount = 0
			return true
		}
		chain = nextChain
	}
	return false
}

// RatchetState returns the seed that regenerates the current epoch when fed
// back through NewSession. It is chain material, never an encryption key,
// so it may be handed to durable storage.
func (s *Session) RatchetState() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.seed...)
}

// Keyring tracks the active session per paired peer. At most one current
// session exists per peer; replacing a session discards the old key state.
type Keyring struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	policy   SessionPolicy
}

// NewKeyring creates an empty keyring with a shared rotation policy.
func NewKeyring(policy SessionPolicy) *Keyring {
	return &Keyring{
		sessions: make(map[string]*Session),
		policy:   policy.withDefaults(),
	}
}

// Establish installs a fresh session for a peer from a ratchet seed,
// replacing any existing session.
func (k *Keyring) Establish(peerID string, seed []byte) (*Session, error) {
	session, err := NewSession(peerID, seed, k.policy)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.sessions[peerID] = session
	k.mu.Unlock()
	return session, nil
}

// Get returns the current session for a peer, or nil.
func (k *Keyring) Get(peerID string) *Session {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sessions[peerID]
}

// Discard removes a peer's session. Called on unpair.
func (k *Keyring) Discard(peerID string) {
	k.mu.Lock()
	delete(k.sessions, peerID)
	k.mu.Unlock()
}
