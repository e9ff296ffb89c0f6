package keyring

import (
	"fmt"
	"path/filepath"

	"github.com/yllada/systemvpn/common"
)

// Options selects and configures the backend used by Open.
type Options struct {
	// Backend is common.BackendAuto, common.BackendSystem or common.BackendFile.
	Backend string
	// Service is the system keyring service name.
	Service string
	// FilePath is the encrypted file location; defaults to the config dir.
	FilePath string
	Logger   common.Logger
}

// Open builds a Store. In auto mode the system keyring is probed first and the
// encrypted file is used when it does not answer.
func Open(opts Options) (*Store, error) {
	if opts.Service == "" {
		opts.Service = common.KeyringService
	}
	if opts.Logger == nil {
		opts.Logger = common.NopLogger{}
	}

	switch opts.Backend {
	case common.BackendSystem:
		return New(NewSystemBackend(opts.Service), opts.Logger), nil
	case common.BackendFile:
		fb, err := fileBackend(opts)
		if err != nil {
			return nil, err
		}
		return New(fb, opts.Logger), nil
	case common.BackendAuto, "":
		sys := NewSystemBackend(opts.Service)
		probeErr := sys.Probe()
		if probeErr == nil {
			return New(sys, opts.Logger), nil
		}
		opts.Logger.Warn("System keyring unavailable (%v), using encrypted file", probeErr)
		fb, err := fileBackend(opts)
		if err != nil {
			return nil, err
		}
		return New(fb, opts.Logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown credential backend %q", common.ErrValidation, opts.Backend)
	}
}

func fileBackend(opts Options) (*FileBackend, error) {
	path := opts.FilePath
	if path == "" {
		dir, err := common.GetConfigDir()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
		}
		path = filepath.Join(dir, common.CredentialsFileName)
	}
	return NewFileBackend(path, MachineKeyMaterial()), nil
}
