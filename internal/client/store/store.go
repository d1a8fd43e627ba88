// Package store persists the client's current session (access/refresh
// token, resolved CID) to an OS-specific config directory, encrypted at
// rest with NaCl secretbox (§6 "an encrypted local session store for the
// current access token").
//
// No pack example shows a concrete secretbox call site — go.mod's
// golang.org/x/crypto only surfaces via thatcooperguy-nvremote's
// curve25519 tunnel handshake — so the nonce-prepended-to-ciphertext
// layout here follows the secretbox package's own documented Seal/Open
// usage rather than a pack file.
package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrNotFound is returned by Load when no session has been saved yet.
var ErrNotFound = errors.New("store: no saved session")

// Session is the persisted credential set.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	CID          string `json:"cid"`
}

// Store encrypts Session values to a file in dir, using a key generated
// on first use and kept alongside the encrypted data. This protects
// against casual disk inspection and accidental disclosure (e.g. backup
// tools, shared machines) but, since the key lives next to the
// ciphertext, is not a defense against an attacker with full local
// filesystem access.
type Store struct {
	dir      string
	keyPath  string
	dataPath string
}

// New builds a Store rooted at dir (typically an OS-specific config
// directory). The directory is created lazily on first Save.
func New(dir string) *Store {
	return &Store{
		dir:      dir,
		keyPath:  filepath.Join(dir, "store.key"),
		dataPath: filepath.Join(dir, "session.enc"),
	}
}

// Save encrypts and writes sess, overwriting any previously saved
// session.
func (s *Store) Save(sess Session) error {
	key, err := s.loadOrCreateKey()
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("store: generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("store: create config dir: %w", err)
	}
	return os.WriteFile(s.dataPath, sealed, 0o600)
}

// Load decrypts and returns the saved session, or ErrNotFound if none
// has been saved.
func (s *Store) Load() (Session, error) {
	key, err := s.loadOrCreateKey()
	if err != nil {
		return Session{}, err
	}

	raw, err := os.ReadFile(s.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("store: read session: %w", err)
	}
	if len(raw) < nonceSize {
		return Session{}, fmt.Errorf("store: corrupt session file")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, key)
	if !ok {
		return Session{}, fmt.Errorf("store: decrypt session: authentication failed")
	}

	var sess Session
	if err := json.Unmarshal(plaintext, &sess); err != nil {
		return Session{}, fmt.Errorf("store: unmarshal session: %w", err)
	}
	return sess, nil
}

// Clear removes the saved session, if any. The derived key file is left
// in place so a future Save doesn't silently re-key.
func (s *Store) Clear() error {
	if err := os.Remove(s.dataPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove session: %w", err)
	}
	return nil
}

func (s *Store) loadOrCreateKey() (*[keySize]byte, error) {
	raw, err := os.ReadFile(s.keyPath)
	if err == nil {
		if len(raw) != keySize {
			return nil, fmt.Errorf("store: corrupt key file")
		}
		var key [keySize]byte
		copy(key[:], raw)
		return &key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: read key: %w", err)
	}

	var key [keySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("store: generate key: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create config dir: %w", err)
	}
	if err := os.WriteFile(s.keyPath, key[:], 0o600); err != nil {
		return nil, fmt.Errorf("store: write key: %w", err)
	}
	return &key, nil
}
