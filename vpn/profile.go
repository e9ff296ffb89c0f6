package vpn

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/yllada/systemvpn/keyring"
)

// Protocol is the VPN protocol variant of a profile.
type Protocol int

const (
	ProtocolIPsec Protocol = iota + 1 // IKEv1 with XAuth
	ProtocolIKEv2
)

// String returns the configuration name of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolIPsec:
		return "ipsec"
	case ProtocolIKEv2:
		return "ikev2"
	default:
		return "unknown"
	}
}

// ParseProtocol maps a declared type string onto a Protocol.
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ipsec":
		return ProtocolIPsec, true
	case "ikev2":
		return ProtocolIKEv2, true
	default:
		return 0, false
	}
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Protocol) UnmarshalText(b []byte) error {
	v, ok := ParseProtocol(string(b))
	if !ok {
		return fmt.Errorf("unknown protocol %q", b)
	}
	*p = v
	return nil
}

// AuthMethod is how the client authenticates the IKE exchange.
type AuthMethod int

const (
	AuthNone AuthMethod = iota
	AuthCertificate
	AuthSharedSecret
	AuthEAP // IKEv2 only
)

func (a AuthMethod) String() string {
	switch a {
	case AuthNone:
		return "None"
	case AuthCertificate:
		return "Certificate"
	case AuthSharedSecret:
		return "SharedSecret"
	case AuthEAP:
		return "EAP"
	default:
		return "Unknown"
	}
}

// Supports reports whether the protocol accepts the auth method.
func (p Protocol) Supports(a AuthMethod) bool {
	switch a {
	case AuthNone, AuthCertificate, AuthSharedSecret:
		return p == ProtocolIPsec || p == ProtocolIKEv2
	case AuthEAP:
		return p == ProtocolIKEv2
	}
	return false
}

// EncryptionAlgorithm codes for IKEv2 security associations.
type EncryptionAlgorithm int

const (
	EncryptionDES EncryptionAlgorithm = iota + 1
	Encryption3DES
	EncryptionAES128
	EncryptionAES256
	EncryptionAES128GCM
	EncryptionAES256GCM
	EncryptionChaCha20Poly1305
)

func (e EncryptionAlgorithm) valid() bool {
	return e >= EncryptionDES && e <= EncryptionChaCha20Poly1305
}

// IntegrityAlgorithm codes for IKEv2 security associations.
type IntegrityAlgorithm int

const (
	IntegritySHA96 IntegrityAlgorithm = iota + 1
	IntegritySHA160
	IntegritySHA256
	IntegritySHA384
	IntegritySHA512
)

func (i IntegrityAlgorithm) valid() bool {
	return i >= IntegritySHA96 && i <= IntegritySHA512
}

// DHGroup is a Diffie-Hellman group number.
type DHGroup int

const (
	DHGroup1  DHGroup = 1
	DHGroup2  DHGroup = 2
	DHGroup5  DHGroup = 5
	DHGroup14 DHGroup = 14
	DHGroup15 DHGroup = 15
	DHGroup16 DHGroup = 16
	DHGroup17 DHGroup = 17
	DHGroup18 DHGroup = 18
	DHGroup19 DHGroup = 19
	DHGroup20 DHGroup = 20
	DHGroup21 DHGroup = 21
	DHGroup31 DHGroup = 31
	DHGroup32 DHGroup = 32
)

func (g DHGroup) valid() bool {
	switch g {
	case DHGroup1, DHGroup2, DHGroup5, DHGroup14, DHGroup15, DHGroup16, DHGroup17,
		DHGroup18, DHGroup19, DHGroup20, DHGroup21, DHGroup31, DHGroup32:
		return true
	}
	return false
}

// CertificateType of the client identity for IKEv2 certificate auth.
type CertificateType int

const (
	CertificateRSA CertificateType = iota + 1
	CertificateECDSA256
	CertificateECDSA384
	CertificateECDSA521
	CertificateEd25519
)

func (c CertificateType) valid() bool {
	return c >= CertificateRSA && c <= CertificateEd25519
}

// Defaults applied to unknown codes and absent security association blocks.
const (
	DefaultEncryption      = EncryptionAES256
	DefaultIntegrity       = IntegritySHA256
	DefaultDHGroup         = DHGroup14
	DefaultLifetimeMinutes = 1440
)

// SecurityAssociation holds the negotiated parameters of one IKEv2 phase.
type SecurityAssociation struct {
	Encryption      EncryptionAlgorithm `yaml:"encryption" json:"encryption"`
	Integrity       IntegrityAlgorithm  `yaml:"integrity" json:"integrity"`
	DHGroup         DHGroup             `yaml:"dh_group" json:"dh_group"`
	LifetimeMinutes int                 `yaml:"lifetime_minutes" json:"lifetime_minutes"`
}

// DefaultSecurityAssociation returns AES-256 / SHA-256 / group 14 with a one day lifetime.
func DefaultSecurityAssociation() SecurityAssociation {
	return SecurityAssociation{
		Encryption:      DefaultEncryption,
		Integrity:       DefaultIntegrity,
		DHGroup:         DefaultDHGroup,
		LifetimeMinutes: DefaultLifetimeMinutes,
	}
}

// OnDemandAction is what an on-demand rule does when it matches.
type OnDemandAction string

// InterfaceMatch restricts an on-demand rule to an interface type.
type InterfaceMatch string

const (
	OnDemandConnect OnDemandAction = "connect"
	InterfaceAny    InterfaceMatch = "any"
)

// OnDemandRule triggers automatic reconnection.
type OnDemandRule struct {
	Action    OnDemandAction `yaml:"action" json:"action"`
	Interface InterfaceMatch `yaml:"interface" json:"interface"`
}

// CredentialRefs points at the secrets of a profile inside the credential store.
type CredentialRefs struct {
	Password     *keyring.Reference `yaml:"password,omitempty" json:"password,omitempty"`
	SharedSecret *keyring.Reference `yaml:"shared_secret,omitempty" json:"shared_secret,omitempty"`
	Certificate  *keyring.Reference `yaml:"certificate,omitempty" json:"certificate,omitempty"`
}

// Count returns how many references are set.
func (c CredentialRefs) Count() int {
	n := 0
	for _, r := range []*keyring.Reference{c.Password, c.SharedSecret, c.Certificate} {
		if r != nil {
			n++
		}
	}
	return n
}

// Profile is a validated, fully resolved VPN configuration.
// Profiles are produced by Builder and treated as immutable; they never carry
// raw secret material.
type Profile struct {
	ID                string               `yaml:"id" json:"id"`
	Name              string               `yaml:"name" json:"name"`
	Protocol          Protocol             `yaml:"protocol" json:"protocol"`
	Address           string               `yaml:"address" json:"address"`
	Username          string               `yaml:"username,omitempty" json:"username,omitempty"`
	AuthMethod        AuthMethod           `yaml:"auth_method" json:"auth_method"`
	Credentials       CredentialRefs       `yaml:"credentials" json:"credentials"`
	CertificateType   CertificateType      `yaml:"certificate_type,omitempty" json:"certificate_type,omitempty"`
	IKESA             *SecurityAssociation `yaml:"ike_sa,omitempty" json:"ike_sa,omitempty"`
	ChildSA           *SecurityAssociation `yaml:"child_sa,omitempty" json:"child_sa,omitempty"`
	RemoteIdentifier  string               `yaml:"remote_identifier,omitempty" json:"remote_identifier,omitempty"`
	LocalIdentifier   string               `yaml:"local_identifier,omitempty" json:"local_identifier,omitempty"`
	ExtendedAuth      bool                 `yaml:"extended_auth" json:"extended_auth"`
	DisconnectOnSleep bool                 `yaml:"disconnect_on_sleep" json:"disconnect_on_sleep"`
	OnDemandRules     []OnDemandRule       `yaml:"on_demand_rules" json:"on_demand_rules"`
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.IKESA != nil {
		sa := *p.IKESA
		c.IKESA = &sa
	}
	if p.ChildSA != nil {
		sa := *p.ChildSA
		c.ChildSA = &sa
	}
	c.OnDemandRules = slices.Clone(p.OnDemandRules)
	return &c
}

// ToJSON converts the profile to a JSON string for logging.
func (p *Profile) ToJSON() string {
	data, _ := json.MarshalIndent(p, "", "  ")
	return string(data)
}
