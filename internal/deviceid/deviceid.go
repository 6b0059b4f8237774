// Package deviceid manages the stable identifier an endpoint uses to
// identify itself to the relay server.
package deviceid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// Size is the length of a DeviceID in bytes (128 bits).
	Size = 16

	fileName = "device-id"
)

var (
	// ErrInvalidLength is returned when a byte slice has the wrong length for a DeviceID.
	ErrInvalidLength = errors.New("invalid device id length: expected 16 bytes")

	// ErrInvalidHex is returned when a hex string cannot be parsed into a DeviceID.
	ErrInvalidHex = errors.New("invalid hex string for device id")

	// Zero is the uninitialized DeviceID.
	Zero = DeviceID{}
)

// DeviceID is the stable 128-bit identifier an endpoint presents to the
// relay server. It is generated once per install from a random UUID mixed
// with the OS username, then persisted to disk and never overwritten.
type DeviceID [Size]byte

// Generate derives a new DeviceID from a fresh random UUID and the local OS
// username, per the wire-interop requirement that DeviceIDs be stable,
// printable hex identifiers rather than raw random bytes.
func Generate() (DeviceID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return Zero, fmt.Errorf("generate installation uuid: %w", err)
	}

	username := "unknown"
	if u2, err := user.Current(); err == nil && u2.Username != "" {
		username = u2.Username
	}

	sum := sha256.Sum256([]byte(u.String() + "|" + username))

	var id DeviceID
	copy(id[:], sum[:Size])
	return id, nil
}

// Parse parses a DeviceID from its hex representation.
func Parse(s string) (DeviceID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != Size*2 {
		return Zero, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHex, len(s), Size*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}

	var id DeviceID
	copy(id[:], b)
	return id, nil
}

// FromBytes builds a DeviceID from a byte slice of the correct length.
func FromBytes(b []byte) (DeviceID, error) {
	if len(b) != Size {
		return Zero, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(b))
	}
	var id DeviceID
	copy(id[:], b)
	return id, nil
}

// String returns the hex representation of the DeviceID.
func (id DeviceID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the DeviceID as a byte slice.
func (id DeviceID) Bytes() []byte {
	return id[:]
}

// IsZero reports whether the DeviceID is uninitialized.
func (id DeviceID) IsZero() bool {
	return id == Zero
}

// MarshalText implements encoding.TextMarshaler so a DeviceID can be used
// directly as a JSON string and as a YAML scalar.
func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Store persists the DeviceID to <dataDir>/device-id as plain hex text.
// The write is atomic (temp file + rename) so a crash mid-write can never
// leave a half-written identifier behind.
func (id DeviceID) Store(dataDir string) error {
	if id.IsZero() {
		return errors.New("cannot store zero device id")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	path := filepath.Join(dataDir, fileName)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("write device id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist device id: %w", err)
	}
	return nil
}

// Load reads a previously stored DeviceID from dataDir.
func Load(dataDir string) (DeviceID, error) {
	path := filepath.Join(dataDir, fileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Zero, fmt.Errorf("device id not found at %s", path)
		}
		return Zero, fmt.Errorf("read device id: %w", err)
	}

	return Parse(strings.TrimSpace(string(data)))
}

// LoadOrCreate loads the DeviceID from dataDir, generating and persisting a
// fresh one if none exists yet. The file is created lazily and never
// overwritten once present, per the endpoint persistence contract.
func LoadOrCreate(dataDir string) (id DeviceID, created bool, err error) {
	id, err = Load(dataDir)
	if err == nil {
		return id, false, nil
	}
	if !strings.Contains(err.Error(), "not found") {
		return Zero, false, err
	}

	id, err = Generate()
	if err != nil {
		return Zero, false, err
	}
	if err := id.Store(dataDir); err != nil {
		return Zero, false, err
	}
	return id, true, nil
}

// Exists reports whether a DeviceID has already been persisted in dataDir.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, fileName))
	return err == nil
}
