package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	fileSaltSize = 16
	fileKeyInfo  = "systemvpn credential file v1"
)

// FileBackend keeps secrets in a single XChaCha20-Poly1305 encrypted file.
// Every operation reads and decrypts the file afresh; nothing is cached.
type FileBackend struct {
	mu          sync.Mutex
	path        string
	keyMaterial []byte
}

// NewFileBackend returns a backend storing its entries in path. The
// encryption key is derived from keyMaterial with HKDF-SHA256 and a random
// per-file salt.
func NewFileBackend(path string, keyMaterial []byte) *FileBackend {
	return &FileBackend{path: path, keyMaterial: keyMaterial}
}

// MachineKeyMaterial returns key material bound to this host and user.
func MachineKeyMaterial() []byte {
	hostname, _ := os.Hostname()
	machineID := "default-machine-id"
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		machineID = strings.TrimSpace(string(data))
	}
	return []byte(fmt.Sprintf("systemvpn-%s-%s-%d", hostname, machineID, os.Getuid()))
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) Set(account, secret string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.load()
	if err != nil {
		return err
	}
	entries[account] = secret
	return b.save(entries)
}

func (b *FileBackend) Get(account string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.load()
	if err != nil {
		return "", err
	}
	secret, ok := entries[account]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

func (b *FileBackend) Delete(account string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.load()
	if err != nil {
		return err
	}
	if _, ok := entries[account]; !ok {
		return ErrNotFound
	}
	delete(entries, account)
	return b.save(entries)
}

func (b *FileBackend) deriveKey(salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, b.keyMaterial, salt, []byte(fileKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// load returns the decrypted entries; a missing file is an empty store.
func (b *FileBackend) load() (map[string]string, error) {
	entries := make(map[string]string)

	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}

	if len(data) < fileSaltSize+chacha20poly1305.NonceSizeX {
		return nil, errors.New("credential file truncated")
	}
	salt := data[:fileSaltSize]
	nonce := data[fileSaltSize : fileSaltSize+chacha20poly1305.NonceSizeX]
	ciphertext := data[fileSaltSize+chacha20poly1305.NonceSizeX:]

	key, err := b.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, salt)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential file: %w", err)
	}
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, fmt.Errorf("decoding credential file: %w", err)
	}
	return entries, nil
}

// save encrypts entries under a fresh salt and nonce and replaces the file atomically.
func (b *FileBackend) save(entries map[string]string) error {
	plaintext, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	header := make([]byte, fileSaltSize+chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(header); err != nil {
		return err
	}
	salt, nonce := header[:fileSaltSize], header[fileSaltSize:]

	key, err := b.deriveKey(salt)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	out := aead.Seal(header, nonce, plaintext, salt)

	if err := os.MkdirAll(filepath.Dir(b.path), 0700); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
