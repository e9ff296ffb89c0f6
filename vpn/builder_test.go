package vpn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zkeyring "github.com/zalando/go-keyring"

	"github.com/yllada/systemvpn/common"
	"github.com/yllada/systemvpn/keyring"
)

func completeSA() *RawSecurityAssociation {
	return &RawSecurityAssociation{
		EncryptionAlgorithm: intPtr(int(EncryptionAES128GCM)),
		IntegrityAlgorithm:  intPtr(int(IntegritySHA384)),
		DiffieHellmanGroup:  intPtr(int(DHGroup19)),
		LifetimeMinutes:     intPtr(60),
	}
}

func TestBuild_MissingAddressWritesNothing(t *testing.T) {
	tests := []struct {
		name string
		raw  RawConfig
	}{
		{"empty", RawConfig{Type: "ipsec", Username: "u", Password: "p", Secret: "s"}},
		{"whitespace", RawConfig{Type: "ikev2", Address: "   ", Username: "u", Password: "p"}},
		{"certificate", RawConfig{Type: "ikev2", Cert: "MIIB", AuthenticationMethod: intPtr(1)}},
		{"bad type too", RawConfig{Type: "pptp", Username: "u", Secret: "s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			b := NewBuilder(store, nil)

			p, err := b.Build(tt.raw)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrMissingField)
			assert.ErrorIs(t, err, &ValidationError{Code: CodeMissingField, Field: "address"})
			assert.ErrorIs(t, err, common.ErrValidation)
			assert.Zero(t, store.putCount())
		})
	}
}

func TestBuild_IPsecSharedSecretScenario(t *testing.T) {
	store := newTestStore(t)
	b := NewBuilder(store, nil)

	p, err := b.Build(RawConfig{
		Type:     "ipsec",
		Address:  "vpn.example.com",
		Username: "u",
		Password: "p",
		Secret:   "s",
	})
	require.NoError(t, err)

	assert.Equal(t, ProtocolIPsec, p.Protocol)
	assert.Equal(t, AuthSharedSecret, p.AuthMethod)
	assert.Equal(t, 2, p.Credentials.Count())
	require.NotNil(t, p.Credentials.Password)
	require.NotNil(t, p.Credentials.SharedSecret)
	assert.Nil(t, p.Credentials.Certificate)
	assert.True(t, p.ExtendedAuth)
	assert.Equal(t, "vpn.example.com", p.Name)
	assert.Nil(t, p.IKESA)
	assert.Nil(t, p.ChildSA)
	assert.Equal(t, []OnDemandRule{{Action: OnDemandConnect, Interface: InterfaceAny}}, p.OnDemandRules)
	assert.Equal(t, 2, store.putCount())

	secret, err := store.Secret(*p.Credentials.SharedSecret)
	require.NoError(t, err)
	assert.Equal(t, "s", secret)
	assert.NotContains(t, p.ToJSON(), `"s"`)
}

func TestBuild_IncompleteSecurityAssociation(t *testing.T) {
	drop := map[string]func(*RawSecurityAssociation){
		"encryptionAlgorithm": func(sa *RawSecurityAssociation) { sa.EncryptionAlgorithm = nil },
		"integrityAlgorithm":  func(sa *RawSecurityAssociation) { sa.IntegrityAlgorithm = nil },
		"diffieHellmanGroup":  func(sa *RawSecurityAssociation) { sa.DiffieHellmanGroup = nil },
		"lifetimeMinutes":     func(sa *RawSecurityAssociation) { sa.LifetimeMinutes = nil },
	}

	for field, fn := range drop {
		for _, block := range []string{"ike", "child"} {
			t.Run(block+"/"+field, func(t *testing.T) {
				store := newTestStore(t)
				sa := completeSA()
				fn(sa)
				raw := RawConfig{Type: "ikev2", Address: "10.0.0.1", Username: "u", Password: "p"}
				if block == "ike" {
					raw.IKESecurityAssociation = sa
				} else {
					raw.ChildSecurityAssociation = sa
				}

				_, err := NewBuilder(store, nil).Build(raw)
				assert.ErrorIs(t, err, ErrIncompleteSecurityParameters)
				assert.Zero(t, store.putCount())
			})
		}
	}
}

func TestBuild_UnknownAlgorithmCodesFallBack(t *testing.T) {
	for _, code := range []int{0, -1, 8, 42, 1000} {
		sa := completeSA()
		sa.EncryptionAlgorithm = intPtr(code)
		sa.IntegrityAlgorithm = intPtr(code)
		sa.DiffieHellmanGroup = intPtr(code + 3)

		p, err := NewBuilder(newTestStore(t), nil).Build(RawConfig{
			Type:                     "ikev2",
			Address:                  "vpn.example.com",
			Username:                 "u",
			IKESecurityAssociation:   sa,
			ChildSecurityAssociation: completeSA(),
		})
		require.NoError(t, err, "code %d", code)
		assert.Equal(t, EncryptionAES256, p.IKESA.Encryption, "code %d", code)
		assert.Equal(t, 60, p.IKESA.LifetimeMinutes)
		assert.Equal(t, EncryptionAES128GCM, p.ChildSA.Encryption)
		assert.Equal(t, IntegritySHA384, p.ChildSA.Integrity)
		assert.Equal(t, DHGroup19, p.ChildSA.DHGroup)
	}
}

func TestBuild_UnknownDHAndIntegrityCodes(t *testing.T) {
	sa := completeSA()
	sa.IntegrityAlgorithm = intPtr(9)
	sa.DiffieHellmanGroup = intPtr(3)

	p, err := NewBuilder(newTestStore(t), nil).Build(RawConfig{
		Type: "ikev2", Address: "vpn.example.com", Username: "u", IKESecurityAssociation: sa,
	})
	require.NoError(t, err)
	assert.Equal(t, IntegritySHA256, p.IKESA.Integrity)
	assert.Equal(t, DHGroup14, p.IKESA.DHGroup)
	assert.Equal(t, EncryptionAES128GCM, p.IKESA.Encryption)
}

func TestBuild_NonPositiveLifetime(t *testing.T) {
	for _, lifetime := range []int{0, -5} {
		sa := completeSA()
		sa.LifetimeMinutes = intPtr(lifetime)
		_, err := NewBuilder(newTestStore(t), nil).Build(RawConfig{
			Type: "ikev2", Address: "vpn.example.com", Username: "u", ChildSecurityAssociation: sa,
		})
		assert.ErrorIs(t, err, ErrInvalidSecurityParameters)
	}
}

func TestBuild_IKEv2Defaults(t *testing.T) {
	p, err := NewBuilder(newTestStore(t), nil).Build(RawConfig{
		Type:             "IKEv2",
		Address:          "vpn.example.com",
		Username:         "alice",
		Password:         "pw",
		RemoteIdentifier: "vpn.example.com",
		LocalIdentifier:  "alice@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, ProtocolIKEv2, p.Protocol)
	assert.Equal(t, AuthNone, p.AuthMethod)
	assert.False(t, p.ExtendedAuth)
	require.NotNil(t, p.IKESA)
	require.NotNil(t, p.ChildSA)
	assert.Equal(t, DefaultSecurityAssociation(), *p.IKESA)
	assert.Equal(t, DefaultSecurityAssociation(), *p.ChildSA)
	assert.Equal(t, 1440, p.IKESA.LifetimeMinutes)
	assert.Equal(t, "vpn.example.com", p.RemoteIdentifier)
	assert.Equal(t, "alice@example.com", p.LocalIdentifier)
	assert.Equal(t, 1, p.Credentials.Count())
}

func TestBuild_Validation(t *testing.T) {
	tests := []struct {
		name string
		raw  RawConfig
		want error
	}{
		{
			name: "missing username",
			raw:  RawConfig{Type: "ipsec", Address: "vpn.example.com", Secret: "s"},
			want: &ValidationError{Code: CodeMissingField, Field: "username"},
		},
		{
			name: "unsupported protocol",
			raw:  RawConfig{Type: "l2tp", Address: "vpn.example.com", Username: "u"},
			want: ErrUnsupportedProtocol,
		},
		{
			name: "empty protocol",
			raw:  RawConfig{Address: "vpn.example.com", Username: "u"},
			want: ErrUnsupportedProtocol,
		},
		{
			name: "eap on ipsec",
			raw:  RawConfig{Type: "ipsec", Address: "vpn.example.com", Username: "u", AuthenticationMethod: intPtr(int(AuthEAP))},
			want: ErrIncompatibleAuthMethod,
		},
		{
			name: "invalid hostname",
			raw:  RawConfig{Type: "ipsec", Address: "vpn_example!.com", Username: "u"},
			want: ErrInvalidAddress,
		},
		{
			name: "label too long",
			raw:  RawConfig{Type: "ipsec", Address: "a123456789012345678901234567890123456789012345678901234567890123.com", Username: "u"},
			want: ErrInvalidAddress,
		},
		{
			name: "leading hyphen",
			raw:  RawConfig{Type: "ipsec", Address: "-vpn.example.com", Username: "u"},
			want: ErrInvalidAddress,
		},
		{
			name: "id with parent directory",
			raw:  RawConfig{ID: "../../escaped", Type: "ikev2", Address: "vpn.example.com", Username: "u"},
			want: ErrInvalidIdentifier,
		},
		{
			name: "id with backslash",
			raw:  RawConfig{ID: `office\vpn`, Type: "ipsec", Address: "vpn.example.com", Username: "u"},
			want: &ValidationError{Code: CodeInvalidIdentifier, Field: "id"},
		},
		{
			name: "id with control character",
			raw:  RawConfig{ID: "office\nvpn", Type: "ipsec", Address: "vpn.example.com", Username: "u"},
			want: ErrInvalidIdentifier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			b := NewBuilder(store, nil)
			_, err := b.Build(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, b.Validate(tt.raw), tt.want)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.NotEmpty(t, verr.Error())
			assert.Zero(t, store.putCount())
		})
	}
}

func TestBuild_AcceptedAddresses(t *testing.T) {
	for _, addr := range []string{"vpn.example.com", "vpn.example.com.", "localhost", "192.0.2.10", "2001:db8::1", "xn--bcher-kva.example"} {
		_, err := NewBuilder(newTestStore(t), nil).Build(RawConfig{Type: "ipsec", Address: addr, Username: "u"})
		assert.NoError(t, err, addr)
	}
}

func TestBuild_AuthMethodResolution(t *testing.T) {
	tests := []struct {
		name string
		raw  RawConfig
		want AuthMethod
	}{
		{"inferred none", RawConfig{Type: "ikev2", Address: "h", Username: "u", Password: "p"}, AuthNone},
		{"inferred secret", RawConfig{Type: "ikev2", Address: "h", Username: "u", Secret: "s"}, AuthSharedSecret},
		{"inferred certificate", RawConfig{Type: "ikev2", Address: "h", Cert: "MIIB"}, AuthCertificate},
		{"explicit eap", RawConfig{Type: "ikev2", Address: "h", Username: "u", AuthenticationMethod: intPtr(3)}, AuthEAP},
		{"explicit wins over inference", RawConfig{Type: "ipsec", Address: "h", Username: "u", Secret: "s", AuthenticationMethod: intPtr(0)}, AuthNone},
		{"unknown code", RawConfig{Type: "ipsec", Address: "h", Username: "u", AuthenticationMethod: intPtr(17)}, AuthNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewBuilder(newTestStore(t), nil).Build(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.AuthMethod)
		})
	}
}

func TestBuild_CertificateAuth(t *testing.T) {
	store := newTestStore(t)
	p, err := NewBuilder(store, nil).Build(RawConfig{
		Type:                 "ikev2",
		Address:              "vpn.example.com",
		AuthenticationMethod: intPtr(int(AuthCertificate)),
		Cert:                 "from-cert",
		IdentityData:         "from-identity",
		CertificateType:      intPtr(int(CertificateEd25519)),
	})
	require.NoError(t, err)
	assert.Empty(t, p.Username)
	assert.Equal(t, CertificateEd25519, p.CertificateType)
	require.NotNil(t, p.Credentials.Certificate)
	assert.Nil(t, p.Credentials.Password)

	secret, err := store.Secret(*p.Credentials.Certificate)
	require.NoError(t, err)
	assert.Equal(t, "from-identity", secret)

	p, err = NewBuilder(store, nil).Build(RawConfig{
		Type: "ikev2", Address: "other.example.com", Cert: "c", CertificateType: intPtr(99),
	})
	require.NoError(t, err)
	assert.Equal(t, CertificateRSA, p.CertificateType)
}

func TestBuild_ProfileID(t *testing.T) {
	b := NewBuilder(newTestStore(t), nil)
	raw := RawConfig{Type: "ipsec", Address: "vpn.example.com", Username: "u"}

	p1, err := b.Build(raw)
	require.NoError(t, err)
	p2, err := b.Build(raw)
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, ProfileID("vpn.example.com", "u"), p1.ID)

	raw.Username = "v"
	p3, err := b.Build(raw)
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p3.ID)

	raw.ID = "office"
	p4, err := b.Build(raw)
	require.NoError(t, err)
	assert.Equal(t, "office", p4.ID)
}

func TestBuild_ReusesStoredSecrets(t *testing.T) {
	store := newTestStore(t)
	b := NewBuilder(store, nil)
	raw := RawConfig{Type: "ipsec", Address: "vpn.example.com", Username: "u", Password: "p", Secret: "s"}

	first, err := b.Build(raw)
	require.NoError(t, err)

	raw.Password = ""
	raw.Secret = ""
	raw.AuthenticationMethod = intPtr(int(AuthSharedSecret))
	second, err := b.Build(raw)
	require.NoError(t, err)

	assert.Equal(t, 2, store.putCount())
	require.NotNil(t, second.Credentials.Password)
	require.NotNil(t, second.Credentials.SharedSecret)
	assert.Equal(t, *first.Credentials.Password, *second.Credentials.Password)
}

func TestBuild_StorageUnavailable(t *testing.T) {
	zkeyring.MockInitWithError(errors.New("dbus: no session bus"))
	store := keyring.New(keyring.NewSystemBackend("systemvpn-test"), nil)

	_, err := NewBuilder(store, nil).Build(RawConfig{Type: "ipsec", Address: "vpn.example.com", Username: "u", Password: "p"})
	assert.ErrorIs(t, err, common.ErrStorageUnavailable)
}

func TestParseRawConfig(t *testing.T) {
	yamlDoc := []byte(`
type: ikev2
address: vpn.example.com
username: alice
password: secret
authenticationMethod: 0
ikeSecurityAssociationParameters:
  encryptionAlgorithm: 6
  integrityAlgorithm: 4
  diffieHellmanGroup: 20
  lifetimeMinutes: 480
`)
	raw, err := ParseRawConfig(yamlDoc)
	require.NoError(t, err)
	assert.Equal(t, "ikev2", raw.Type)
	require.NotNil(t, raw.AuthenticationMethod)
	assert.Equal(t, 0, *raw.AuthenticationMethod)
	require.NotNil(t, raw.IKESecurityAssociation)
	assert.Equal(t, 480, *raw.IKESecurityAssociation.LifetimeMinutes)
	assert.Nil(t, raw.ChildSecurityAssociation)

	jsonDoc := []byte(`{"type": "ipsec", "address": "10.1.1.1", "username": "bob", "secret": "psk", "disconnectOnSleep": true}`)
	raw, err = ParseRawConfig(jsonDoc)
	require.NoError(t, err)
	assert.Equal(t, "psk", raw.Secret)
	assert.True(t, raw.DisconnectOnSleep)
	assert.Nil(t, raw.AuthenticationMethod)

	_, err = ParseRawConfig([]byte("type: ipsec\nadress: typo.example.com\n"))
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestRawConfig_Redacted(t *testing.T) {
	raw := RawConfig{Address: "h", Password: "p", Secret: "s", IdentityData: "id"}
	red := raw.Redacted()
	assert.Equal(t, "h", red.Address)
	assert.NotEqual(t, "p", red.Password)
	assert.NotEqual(t, "s", red.Secret)
	assert.NotEqual(t, "id", red.IdentityData)
	assert.Empty(t, red.Cert)
	assert.Equal(t, "p", raw.Password)
}
