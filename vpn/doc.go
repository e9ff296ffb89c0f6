// Package vpn implements the platform-independent VPN session core.
//
// # Architecture
//
// The package is organized around four types:
//
//   - Builder: validates a RawConfig, stores its secrets and produces a Profile
//   - Controller: drives one connection through its lifecycle states
//   - PlatformAdapter: the interface to the operating system VPN facility
//   - ProfileStore: persists built profiles for later reconnection
//
// # Connection Flow
//
// A typical connection flow:
//
//  1. The host calls Controller.Prepare once to obtain VPN permission
//  2. Controller.Connect builds a Profile, applies it and starts the tunnel
//  3. The adapter reports status changes on its Events channel
//  4. The controller applies them and notifies subscribed observers
//  5. Controller.Disconnect stops the tunnel
//
// A StatusPoller can be attached to recover status changes an adapter
// failed to deliver.
//
// # Secrets
//
// Profiles never contain secret values. The builder writes passwords, shared
// secrets and certificates into a CredentialStore and keeps only references.
//
// # Thread Safety
//
// Controller, StatusPoller and ProfileStore are safe for concurrent use.
// Observers run on a dedicated goroutine and may call back into the controller.
package vpn
