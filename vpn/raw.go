package vpn

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yllada/systemvpn/common"
)

// RawSecurityAssociation is an unvalidated security association block.
// Nil fields are missing, which is different from a zero value.
type RawSecurityAssociation struct {
	EncryptionAlgorithm *int `yaml:"encryptionAlgorithm" json:"encryptionAlgorithm"`
	IntegrityAlgorithm  *int `yaml:"integrityAlgorithm" json:"integrityAlgorithm"`
	DiffieHellmanGroup  *int `yaml:"diffieHellmanGroup" json:"diffieHellmanGroup"`
	LifetimeMinutes     *int `yaml:"lifetimeMinutes" json:"lifetimeMinutes"`
}

// RawConfig is the loosely typed configuration a host hands to Builder.
// Secret fields are consumed by the builder and never reach a Profile.
type RawConfig struct {
	ID                   string `yaml:"id,omitempty" json:"id,omitempty"`
	Name                 string `yaml:"name,omitempty" json:"name,omitempty"`
	Type                 string `yaml:"type" json:"type"`
	AuthenticationMethod *int   `yaml:"authenticationMethod,omitempty" json:"authenticationMethod,omitempty"`
	Address              string `yaml:"address" json:"address"`
	Username             string `yaml:"username,omitempty" json:"username,omitempty"`
	Password             string `yaml:"password,omitempty" json:"password,omitempty"`
	Secret               string `yaml:"secret,omitempty" json:"secret,omitempty"`
	Cert                 string `yaml:"cert,omitempty" json:"cert,omitempty"`
	// IdentityData is the base64 PKCS#12 identity; it wins over Cert when both are set.
	IdentityData      string `yaml:"identityData,omitempty" json:"identityData,omitempty"`
	RemoteIdentifier  string `yaml:"remoteIdentifier,omitempty" json:"remoteIdentifier,omitempty"`
	LocalIdentifier   string `yaml:"localIdentifier,omitempty" json:"localIdentifier,omitempty"`
	CertificateType   *int   `yaml:"certificateType,omitempty" json:"certificateType,omitempty"`
	DisconnectOnSleep bool   `yaml:"disconnectOnSleep,omitempty" json:"disconnectOnSleep,omitempty"`

	IKESecurityAssociation   *RawSecurityAssociation `yaml:"ikeSecurityAssociationParameters,omitempty" json:"ikeSecurityAssociationParameters,omitempty"`
	ChildSecurityAssociation *RawSecurityAssociation `yaml:"childSecurityAssociationParameters,omitempty" json:"childSecurityAssociationParameters,omitempty"`
}

// certificate returns the certificate payload, preferring IdentityData.
func (r RawConfig) certificate() string {
	if r.IdentityData != "" {
		return r.IdentityData
	}
	return r.Cert
}

// Redacted returns a copy with every secret field masked, for logging.
func (r RawConfig) Redacted() RawConfig {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	r.Password = mask(r.Password)
	r.Secret = mask(r.Secret)
	r.Cert = mask(r.Cert)
	r.IdentityData = mask(r.IdentityData)
	return r
}

// ParseRawConfig decodes a YAML (or JSON, which is valid YAML) document.
// Unknown keys are rejected so that typos do not silently drop settings.
func ParseRawConfig(data []byte) (RawConfig, error) {
	var raw RawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return RawConfig{}, fmt.Errorf("%w: cannot decode configuration: %v", common.ErrValidation, err)
	}
	return raw, nil
}

// LoadRawConfig reads and decodes a configuration file.
func LoadRawConfig(path string) (RawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RawConfig{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseRawConfig(data)
}
