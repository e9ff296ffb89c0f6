// Package common provides shared constants, the error taxonomy, logging and
// small utilities used across systemvpn.
//
// The package is the leaf of the dependency graph:
//
//   - Constants: application identity, file names and default timeouts
//   - Errors: sentinel errors matched with errors.Is by callers
//   - Logger: leveled logging with optional rotating file output
//   - Utils: identifiers and filesystem helpers
//
// # Usage
//
//	common.LogInfo("Connecting to %s", profile.Address)
//
//	if errors.Is(err, common.ErrAlreadyActive) {
//	    // a tunnel is already up or coming up
//	}
package common
