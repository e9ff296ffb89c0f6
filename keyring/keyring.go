// Package keyring provides per-connection secret storage.
//
// Secrets are written to a Backend (the system keyring, or an encrypted file
// when no keyring service is running) and callers get back opaque References.
// The Store never keeps secret values in memory beyond a single call.
package keyring

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yllada/systemvpn/common"
)

// Kind identifies which secret of a connection an entry holds.
type Kind int

const (
	Password Kind = iota + 1
	SharedSecret
	Certificate
)

// Kinds lists every secret kind a connection can own.
var Kinds = []Kind{Password, SharedSecret, Certificate}

// String returns the human-readable kind name.
func (k Kind) String() string {
	switch k {
	case Password:
		return "Password"
	case SharedSecret:
		return "SharedSecret"
	case Certificate:
		return "Certificate"
	default:
		return "Unknown"
	}
}

func (k Kind) suffix() string {
	switch k {
	case Password:
		return "password"
	case SharedSecret:
		return "psk"
	case Certificate:
		return "cert"
	default:
		return ""
	}
}

// ErrNotFound is returned by backends when an account has no entry.
var ErrNotFound = errors.New("credential not found")

// ErrInvalidReference is returned when a Reference was not produced by a Store.
var ErrInvalidReference = errors.New("invalid credential reference")

// Backend is the secure-storage facility behind a Store.
type Backend interface {
	Set(account, secret string) error
	// Get returns ErrNotFound when the account has no entry.
	Get(account string) (string, error)
	// Delete returns ErrNotFound when the account has no entry.
	Delete(account string) error
	// Name identifies the backend in logs.
	Name() string
}

// Reference is an opaque handle to a stored secret.
// The zero value refers to nothing.
type Reference struct {
	account string
}

// IsZero reports whether r refers to nothing.
func (r Reference) IsZero() bool {
	return r.account == ""
}

// String returns a persistent form of the reference suitable for handing to
// the OS VPN subsystem. It contains no secret material.
func (r Reference) String() string {
	if r.IsZero() {
		return ""
	}
	return "keyring:" + r.account
}

// ParseReference reverses Reference.String.
func ParseReference(s string) (Reference, error) {
	account, ok := strings.CutPrefix(s, "keyring:")
	if !ok || account == "" {
		return Reference{}, ErrInvalidReference
	}
	return Reference{account: account}, nil
}

// MarshalText implements encoding.TextMarshaler so profiles can persist references.
func (r Reference) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reference) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = Reference{}
		return nil
	}
	ref, err := ParseReference(string(b))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

// Store maps (connection id, kind) pairs onto backend accounts.
type Store struct {
	backend Backend
	logger  common.Logger
}

// New creates a Store over backend.
func New(backend Backend, logger common.Logger) *Store {
	if logger == nil {
		logger = common.NopLogger{}
	}
	return &Store{backend: backend, logger: logger}
}

// BackendName returns the name of the active backend.
func (s *Store) BackendName() string {
	return s.backend.Name()
}

func account(connectionID string, kind Kind) string {
	return connectionID + "/" + kind.suffix()
}

func validate(connectionID string, kind Kind) error {
	if strings.TrimSpace(connectionID) == "" {
		return fmt.Errorf("%w: connection id cannot be empty", common.ErrValidation)
	}
	if kind.suffix() == "" {
		return fmt.Errorf("%w: unknown credential kind %d", common.ErrValidation, int(kind))
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", common.ErrStorageUnavailable, op, err)
}

// Put stores secret as the kind entry of connectionID, replacing any previous
// value, and returns a reference to it. An empty secret removes the entry and
// returns common.ErrEmptySecret.
func (s *Store) Put(connectionID string, kind Kind, secret string) (Reference, error) {
	if err := validate(connectionID, kind); err != nil {
		return Reference{}, err
	}
	acct := account(connectionID, kind)

	if secret == "" {
		if err := s.backend.Delete(acct); err != nil && !errors.Is(err, ErrNotFound) {
			return Reference{}, unavailable("delete "+acct, err)
		}
		return Reference{}, common.ErrEmptySecret
	}

	if err := s.backend.Set(acct, secret); err != nil {
		return Reference{}, unavailable("store "+acct, err)
	}
	s.logger.Debug("Stored %s for %s in %s", kind, connectionID, s.backend.Name())
	return Reference{account: acct}, nil
}

// Reference returns the reference for the kind entry of connectionID.
// The boolean is false when the entry is absent or holds an empty string.
func (s *Store) Reference(connectionID string, kind Kind) (Reference, bool, error) {
	if err := validate(connectionID, kind); err != nil {
		return Reference{}, false, err
	}
	acct := account(connectionID, kind)

	value, err := s.backend.Get(acct)
	if errors.Is(err, ErrNotFound) {
		return Reference{}, false, nil
	}
	if err != nil {
		return Reference{}, false, unavailable("lookup "+acct, err)
	}
	if len(value) < 1 {
		return Reference{}, false, nil
	}
	return Reference{account: acct}, true, nil
}

// Secret dereferences ref. It is meant for platform adapters that must hand
// the secret to the OS VPN subsystem.
func (s *Store) Secret(ref Reference) (string, error) {
	if ref.IsZero() {
		return "", ErrInvalidReference
	}
	value, err := s.backend.Get(ref.account)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("read "+ref.account, err)
	}
	return value, nil
}

// Purge removes every secret kind of connectionID. Missing entries are not errors.
func (s *Store) Purge(connectionID string) error {
	if strings.TrimSpace(connectionID) == "" {
		return fmt.Errorf("%w: connection id cannot be empty", common.ErrValidation)
	}

	var errs []error
	for _, kind := range Kinds {
		acct := account(connectionID, kind)
		if err := s.backend.Delete(acct); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, unavailable("delete "+acct, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("Purged credentials for %s", connectionID)
	return nil
}
