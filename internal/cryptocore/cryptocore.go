// Package cryptocore implements the ECDH pairing handshake and the
// AES-256-GCM channel with replay protection shared by both the desktop and
// mobile relay clients. Both endpoints must agree byte-for-byte on every
// encoding in this file; it is the wire-interop surface of the system.
package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the fixed HKDF info label both endpoints must use.
const hkdfInfo = "claude-studio-e2ee"

const (
	keySize   = 32
	ivSize    = 12
	tagSize   = 16
	xCoordLen = 32
)

// Sentinel errors surfaced to RelayClient callers. Per spec, AuthFailed and
// ReplayRejected are both terminal for the session: the caller must drop it
// and require re-pairing rather than retry with the same key.
var (
	// ErrReplayRejected is returned when seq <= lastInboundSeq.
	ErrReplayRejected = errors.New("cryptocore: replay rejected")

	// ErrAuthFailed is returned when the GCM authentication tag does not verify.
	ErrAuthFailed = errors.New("cryptocore: authentication failed")

	// ErrMalformedPayload is returned when the base64 payload is too short
	// to contain an IV and tag.
	ErrMalformedPayload = errors.New("cryptocore: malformed payload")
)

// GenerateKeyPair creates an ephemeral P-256 keypair. The public key is
// serialized as an uncompressed point (0x04 || X || Y) and hex-encoded;
// both endpoints must use this exact wire form for ECDH to interoperate.
func GenerateKeyPair() (publicKeyHex string, privateKey *ecdh.PrivateKey, err error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate p-256 keypair: %w", err)
	}
	return hex.EncodeToString(priv.PublicKey().Bytes()), priv, nil
}

// Session holds the AES-256 key and the two monotonic sequence counters for
// one peer direction pair. It is safe for concurrent use because the
// endpoint persistence timer may read the counters while the read/write
// loops mutate them.
type Session struct {
	mu sync.Mutex

	DerivedKey     [keySize]byte
	OutboundSeq    uint64
	LastInboundSeq int64 // -1 means no inbound frame has been accepted yet
}

// DeriveSession computes the shared AES-256 key for a pairing between the
// holder of privateKey and peerPublicKeyHex, salted with pairingCode.
//
// Only the X-coordinate (32 bytes) of the ECDH shared point is used as
// input key material — never the leading 0x04 prefix byte and never the
// Y-coordinate — so that both sides derive an identical key regardless of
// which one initiated.
func DeriveSession(privateKey *ecdh.PrivateKey, peerPublicKeyHex string, pairingCode string) (*Session, error) {
	peerBytes, err := hex.DecodeString(peerPublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode peer public key: %w", err)
	}

	peerKey, err := ecdh.P256().NewPublicKey(peerBytes)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}

	shared, err := privateKey.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("compute ecdh shared secret: %w", err)
	}

	// crypto/ecdh's ECDH on a NIST curve returns only the X-coordinate (32
	// bytes for P-256, per SEC 1 3.3.1) — exactly the IKM the wire format
	// requires, with no prefix byte or Y-coordinate to strip.
	if len(shared) != xCoordLen {
		return nil, fmt.Errorf("unexpected ecdh shared secret length: %d", len(shared))
	}
	ikm := shared

	reader := hkdf.New(sha256.New, ikm, []byte(pairingCode), []byte(hkdfInfo))

	sess := &Session{
		LastInboundSeq: -1,
	}
	if _, err := io.ReadFull(reader, sess.DerivedKey[:]); err != nil {
		return nil, fmt.Errorf("hkdf derive session key: %w", err)
	}

	return sess, nil
}

// Encrypt seals plaintext under the session's derived key and returns the
// base64(IV || ciphertext || tag) wire payload and the seq number consumed.
// outboundSeq is incremented after the call.
func (s *Session) Encrypt(plaintext []byte) (payload string, seq uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	aead, err := s.aead()
	if err != nil {
		return "", 0, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", 0, fmt.Errorf("draw iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)

	wire := make([]byte, 0, ivSize+len(sealed))
	wire = append(wire, iv...)
	wire = append(wire, sealed...)

	seq = s.OutboundSeq
	s.OutboundSeq++

	return base64.StdEncoding.EncodeToString(wire), seq, nil
}

// Decrypt verifies and opens a payload produced by Encrypt on the peer.
// On success it advances LastInboundSeq to seq. On ErrReplayRejected or
// ErrAuthFailed the caller must drop the session (see the sentinel errors
// above).
func (s *Session) Decrypt(payload string, seq uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(seq) <= s.LastInboundSeq {
		return nil, ErrReplayRejected
	}

	wire, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(wire) < ivSize+tagSize {
		return nil, ErrMalformedPayload
	}

	iv := wire[:ivSize]
	body := wire[ivSize:]

	aead, err := s.aead()
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, iv, body, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}

	s.LastInboundSeq = int64(seq)
	return plaintext, nil
}

func (s *Session) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.DerivedKey[:])
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// Snapshot returns the persistable state of the session: the hex-encoded
// derived key plus both counters. Used by SessionStore.
func (s *Session) Snapshot() (derivedKeyHex string, outboundSeq uint64, lastInboundSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hex.EncodeToString(s.DerivedKey[:]), s.OutboundSeq, s.LastInboundSeq
}

// Restore rebuilds a Session from persisted state (see SessionStore),
// restoring both counters so that replay checks remain monotonic across
// restarts.
func Restore(derivedKeyHex string, outboundSeq uint64, lastInboundSeq int64) (*Session, error) {
	keyBytes, err := hex.DecodeString(derivedKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode derived key: %w", err)
	}
	if len(keyBytes) != keySize {
		return nil, fmt.Errorf("derived key has wrong length: %d", len(keyBytes))
	}

	sess := &Session{
		OutboundSeq:    outboundSeq,
		LastInboundSeq: lastInboundSeq,
	}
	copy(sess.DerivedKey[:], keyBytes)
	return sess, nil
}
