package relayclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/relaypair/pairrelay/internal/cryptocore"
)

const sessionFileName = "sessions.json"

// persistedSession is the on-disk shape of one peer session, matching the
// fields cryptocore.Session.Snapshot exposes.
type persistedSession struct {
	DerivedKeyHex  string `json:"derivedKey"`
	OutboundSeq    uint64 `json:"outboundSeq"`
	LastInboundSeq int64  `json:"lastInboundSeq"`
}

// SessionStore holds every peer session an endpoint currently has, keyed
// by the peer's deviceId, and persists them to <dataDir>/sessions.json.
// Writes are atomic (temp file + rename), the same durability contract
// deviceid.Store uses for the device identifier file.
type SessionStore struct {
	mu       sync.Mutex
	dataDir  string
	sessions map[string]*cryptocore.Session
}

// NewSessionStore creates an empty store rooted at dataDir. Call Load to
// populate it from a previous run.
func NewSessionStore(dataDir string) *SessionStore {
	return &SessionStore{
		dataDir:  dataDir,
		sessions: make(map[string]*cryptocore.Session),
	}
}

// Load reads sessions.json from disk, if present, restoring each session's
// counters so replay checks stay monotonic across restarts.
func (s *SessionStore) Load() error {
	path := filepath.Join(s.dataDir, sessionFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session store: %w", err)
	}

	var persisted map[string]persistedSession
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("parse session store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for deviceID, p := range persisted {
		sess, err := cryptocore.Restore(p.DerivedKeyHex, p.OutboundSeq, p.LastInboundSeq)
		if err != nil {
			return fmt.Errorf("restore session for %s: %w", deviceID, err)
		}
		s.sessions[deviceID] = sess
	}
	return nil
}

// Put registers or replaces the session for peerDeviceID. Re-pairing with
// the same peer always overwrites the prior session so keys and counters
// can never mismatch between the two sides.
func (s *SessionStore) Put(peerDeviceID string, sess *cryptocore.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[peerDeviceID] = sess
}

// Get returns the session for peerDeviceID, if any.
func (s *SessionStore) Get(peerDeviceID string) (*cryptocore.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[peerDeviceID]
	return sess, ok
}

// Remove drops the session for peerDeviceID, forcing a future re-pair.
// Used when decryption reports cryptocore.ErrAuthFailed.
func (s *SessionStore) Remove(peerDeviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, peerDeviceID)
}

// Flush persists the current state of every session to disk.
func (s *SessionStore) Flush() error {
	s.mu.Lock()
	persisted := make(map[string]persistedSession, len(s.sessions))
	for deviceID, sess := range s.sessions {
		keyHex, outboundSeq, lastInboundSeq := sess.Snapshot()
		persisted[deviceID] = persistedSession{
			DerivedKeyHex:  keyHex,
			OutboundSeq:    outboundSeq,
			LastInboundSeq: lastInboundSeq,
		}
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}

	if err := os.MkdirAll(s.dataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	path := filepath.Join(s.dataDir, sessionFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write session store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist session store: %w", err)
	}
	return nil
}
