package keyring

import (
	"errors"

	zkeyring "github.com/zalando/go-keyring"
)

// SystemBackend stores secrets in the desktop keyring (Secret Service,
// macOS Keychain, Windows Credential Manager).
type SystemBackend struct {
	service string
}

// NewSystemBackend returns a backend writing entries under service.
func NewSystemBackend(service string) *SystemBackend {
	return &SystemBackend{service: service}
}

func (b *SystemBackend) Name() string { return "system" }

func (b *SystemBackend) Set(account, secret string) error {
	return zkeyring.Set(b.service, account, secret)
}

func (b *SystemBackend) Get(account string) (string, error) {
	secret, err := zkeyring.Get(b.service, account)
	if errors.Is(err, zkeyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return secret, err
}

func (b *SystemBackend) Delete(account string) error {
	err := zkeyring.Delete(b.service, account)
	if errors.Is(err, zkeyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Probe checks that the keyring service answers by writing and removing a
// throwaway entry.
func (b *SystemBackend) Probe() error {
	const probeKey = "systemvpn-probe"
	if err := zkeyring.Set(b.service, probeKey, "probe"); err != nil {
		return err
	}
	return zkeyring.Delete(b.service, probeKey)
}
