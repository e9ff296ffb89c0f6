package vpn

import (
	"net/netip"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/yllada/systemvpn/common"
	"github.com/yllada/systemvpn/keyring"
)

// CredentialStore is the secret storage the builder and controller rely on.
// *keyring.Store satisfies it.
type CredentialStore interface {
	Put(connectionID string, kind keyring.Kind, secret string) (keyring.Reference, error)
	Reference(connectionID string, kind keyring.Kind) (keyring.Reference, bool, error)
	Purge(connectionID string) error
}

// profileNamespace seeds derived profile IDs.
var profileNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte(common.AppID))

// ProfileID derives the stable connection id for an address and username.
func ProfileID(address, username string) string {
	return uuid.NewSHA1(profileNamespace, []byte(address+"\x00"+username)).String()
}

// Builder validates raw configuration and produces Profiles.
type Builder struct {
	store  CredentialStore
	logger common.Logger
}

// NewBuilder creates a builder storing secrets in store.
func NewBuilder(store CredentialStore, logger common.Logger) *Builder {
	if logger == nil {
		logger = common.NopLogger{}
	}
	return &Builder{store: store, logger: logger}
}

// Build validates raw and returns the resulting Profile.
//
// Nothing is written to the credential store unless validation succeeds.
// If a store write fails part way, earlier writes for the same connection id
// may remain; they are idempotent and can be removed with Purge.
func (b *Builder) Build(raw RawConfig) (*Profile, error) {
	p, err := b.validate(raw)
	if err != nil {
		b.logger.Debug("Rejected configuration for %q: %v", raw.Address, err)
		return nil, err
	}
	if err := b.storeSecrets(p, raw); err != nil {
		return nil, err
	}
	b.logger.Info("Built %s profile %s (%s, auth %s)", p.Protocol, p.ID, p.Address, p.AuthMethod)
	return p, nil
}

// Validate checks raw without touching the credential store.
func (b *Builder) Validate(raw RawConfig) error {
	_, err := b.validate(raw)
	return err
}

func (b *Builder) validate(raw RawConfig) (*Profile, error) {
	address := strings.TrimSpace(raw.Address)
	if address == "" {
		return nil, invalid(CodeMissingField, "address", "server address is required")
	}
	if !validAddress(address) {
		return nil, invalid(CodeInvalidAddress, "address", "%q is neither a hostname nor an IP address", address)
	}

	auth := resolveAuthMethod(raw)
	username := strings.TrimSpace(raw.Username)
	if username == "" && auth != AuthCertificate {
		return nil, invalid(CodeMissingField, "username", "username is required for %s authentication", auth)
	}

	protocol, ok := ParseProtocol(raw.Type)
	if !ok {
		return nil, invalid(CodeUnsupportedProtocol, "type", "unsupported protocol %q", raw.Type)
	}
	if !protocol.Supports(auth) {
		return nil, invalid(CodeIncompatibleAuthMethod, "authenticationMethod", "%s does not support %s authentication", protocol, auth)
	}

	id := strings.TrimSpace(raw.ID)
	if !validID(id) {
		return nil, invalid(CodeInvalidIdentifier, "id", "%q may not contain path separators, \"..\" or control characters", id)
	}

	p := &Profile{
		ID:                id,
		Name:              strings.TrimSpace(raw.Name),
		Protocol:          protocol,
		Address:           address,
		Username:          username,
		AuthMethod:        auth,
		DisconnectOnSleep: raw.DisconnectOnSleep,
		OnDemandRules:     []OnDemandRule{{Action: OnDemandConnect, Interface: InterfaceAny}},
	}
	if p.ID == "" {
		p.ID = ProfileID(address, username)
	}
	if p.Name == "" {
		p.Name = address
	}

	switch protocol {
	case ProtocolIPsec:
		p.ExtendedAuth = true
	case ProtocolIKEv2:
		ike, err := resolveSecurityAssociation("ikeSecurityAssociationParameters", raw.IKESecurityAssociation)
		if err != nil {
			return nil, err
		}
		child, err := resolveSecurityAssociation("childSecurityAssociationParameters", raw.ChildSecurityAssociation)
		if err != nil {
			return nil, err
		}
		p.IKESA = &ike
		p.ChildSA = &child
		p.RemoteIdentifier = strings.TrimSpace(raw.RemoteIdentifier)
		p.LocalIdentifier = strings.TrimSpace(raw.LocalIdentifier)
		if auth == AuthCertificate {
			p.CertificateType = CertificateRSA
			if raw.CertificateType != nil && CertificateType(*raw.CertificateType).valid() {
				p.CertificateType = CertificateType(*raw.CertificateType)
			}
		}
	}
	return p, nil
}

// resolveAuthMethod honours an explicit code and otherwise infers one from
// the supplied secrets. Unrecognized codes fall back to None.
func resolveAuthMethod(raw RawConfig) AuthMethod {
	if raw.AuthenticationMethod != nil {
		switch m := AuthMethod(*raw.AuthenticationMethod); m {
		case AuthNone, AuthCertificate, AuthSharedSecret, AuthEAP:
			return m
		default:
			return AuthNone
		}
	}
	switch {
	case raw.Secret != "":
		return AuthSharedSecret
	case raw.certificate() != "":
		return AuthCertificate
	default:
		return AuthNone
	}
}

func resolveSecurityAssociation(field string, raw *RawSecurityAssociation) (SecurityAssociation, error) {
	if raw == nil {
		return DefaultSecurityAssociation(), nil
	}
	required := []struct {
		name  string
		value *int
	}{
		{"encryptionAlgorithm", raw.EncryptionAlgorithm},
		{"integrityAlgorithm", raw.IntegrityAlgorithm},
		{"diffieHellmanGroup", raw.DiffieHellmanGroup},
		{"lifetimeMinutes", raw.LifetimeMinutes},
	}
	for _, r := range required {
		if r.value == nil {
			return SecurityAssociation{}, invalid(CodeIncompleteSecurityParameters, field+"."+r.name, "missing %s", r.name)
		}
	}
	if *raw.LifetimeMinutes <= 0 {
		return SecurityAssociation{}, invalid(CodeInvalidSecurityParameters, field+".lifetimeMinutes",
			"lifetime must be positive, got %d", *raw.LifetimeMinutes)
	}

	sa := DefaultSecurityAssociation()
	sa.LifetimeMinutes = *raw.LifetimeMinutes
	if e := EncryptionAlgorithm(*raw.EncryptionAlgorithm); e.valid() {
		sa.Encryption = e
	}
	if i := IntegrityAlgorithm(*raw.IntegrityAlgorithm); i.valid() {
		sa.Integrity = i
	}
	if g := DHGroup(*raw.DiffieHellmanGroup); g.valid() {
		sa.DHGroup = g
	}
	return sa, nil
}

// storeSecrets writes supplied secrets and fills in references to secrets
// stored earlier for the same connection when the auth method needs them.
func (b *Builder) storeSecrets(p *Profile, raw RawConfig) error {
	put := func(kind keyring.Kind, secret string) (*keyring.Reference, error) {
		ref, err := b.store.Put(p.ID, kind, secret)
		if err != nil {
			return nil, err
		}
		return &ref, nil
	}
	existing := func(kind keyring.Kind) (*keyring.Reference, error) {
		ref, ok, err := b.store.Reference(p.ID, kind)
		if err != nil || !ok {
			return nil, err
		}
		return &ref, nil
	}

	var err error
	if raw.Secret != "" {
		if p.Credentials.SharedSecret, err = put(keyring.SharedSecret, raw.Secret); err != nil {
			return err
		}
	} else if p.AuthMethod == AuthSharedSecret {
		if p.Credentials.SharedSecret, err = existing(keyring.SharedSecret); err != nil {
			return err
		}
	}

	if raw.Password != "" {
		if p.Credentials.Password, err = put(keyring.Password, raw.Password); err != nil {
			return err
		}
	} else if p.AuthMethod != AuthCertificate {
		if p.Credentials.Password, err = existing(keyring.Password); err != nil {
			return err
		}
	}

	if cert := raw.certificate(); cert != "" {
		if p.Credentials.Certificate, err = put(keyring.Certificate, cert); err != nil {
			return err
		}
	} else if p.AuthMethod == AuthCertificate {
		if p.Credentials.Certificate, err = existing(keyring.Certificate); err != nil {
			return err
		}
	}
	return nil
}

// validID reports whether id is usable as a file and keyring account name.
// The empty id is valid; a derived one is used instead.
func validID(id string) bool {
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return false
	}
	for _, c := range id {
		if unicode.IsControl(c) {
			return false
		}
	}
	return true
}

// validAddress accepts IP literals and RFC 1123 hostnames.
func validAddress(s string) bool {
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	s = strings.TrimSuffix(s, ".")
	if len(s) == 0 || len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}
