package nm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/yllada/systemvpn/common"
	"github.com/yllada/systemvpn/keyring"
	"github.com/yllada/systemvpn/vpn"
)

// Settings is a NetworkManager connection settings dictionary (a{sa{sv}}).
type Settings map[string]map[string]dbus.Variant

// SecretSource dereferences credential references; *keyring.Store implements it.
type SecretSource interface {
	Secret(ref keyring.Reference) (string, error)
}

var connectionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:"+common.AppID+":nm"))

// ConnectionUUID returns the NetworkManager connection UUID for a profile ID.
// It is stable so that re-applying a profile updates the same connection.
func ConnectionUUID(profileID string) string {
	return uuid.NewSHA1(connectionNamespace, []byte(profileID)).String()
}

var encryptionNames = map[vpn.EncryptionAlgorithm]string{
	vpn.EncryptionDES:              "des",
	vpn.Encryption3DES:             "3des",
	vpn.EncryptionAES128:           "aes128",
	vpn.EncryptionAES256:           "aes256",
	vpn.EncryptionAES128GCM:        "aes128gcm16",
	vpn.EncryptionAES256GCM:        "aes256gcm16",
	vpn.EncryptionChaCha20Poly1305: "chacha20poly1305",
}

var integrityNames = map[vpn.IntegrityAlgorithm]string{
	vpn.IntegritySHA96:  "sha1",
	vpn.IntegritySHA160: "sha1_160",
	vpn.IntegritySHA256: "sha256",
	vpn.IntegritySHA384: "sha384",
	vpn.IntegritySHA512: "sha512",
}

var dhNames = map[vpn.DHGroup]string{
	vpn.DHGroup1:  "modp768",
	vpn.DHGroup2:  "modp1024",
	vpn.DHGroup5:  "modp1536",
	vpn.DHGroup14: "modp2048",
	vpn.DHGroup15: "modp3072",
	vpn.DHGroup16: "modp4096",
	vpn.DHGroup17: "modp6144",
	vpn.DHGroup18: "modp8192",
	vpn.DHGroup19: "ecp256",
	vpn.DHGroup20: "ecp384",
	vpn.DHGroup21: "ecp521",
	vpn.DHGroup31: "curve25519",
	vpn.DHGroup32: "curve448",
}

func aead(e vpn.EncryptionAlgorithm) bool {
	switch e {
	case vpn.EncryptionAES128GCM, vpn.EncryptionAES256GCM, vpn.EncryptionChaCha20Poly1305:
		return true
	}
	return false
}

// Proposal renders a security association in strongSwan proposal syntax.
// IKE proposals with AEAD ciphers name the integrity algorithm as a PRF;
// ESP proposals with AEAD ciphers omit it.
func Proposal(sa vpn.SecurityAssociation, ike bool) string {
	parts := []string{encryptionNames[sa.Encryption]}
	switch {
	case !aead(sa.Encryption):
		parts = append(parts, integrityNames[sa.Integrity])
	case ike:
		parts = append(parts, "prf"+integrityNames[sa.Integrity])
	}
	parts = append(parts, dhNames[sa.DHGroup])
	return strings.Join(parts, "-") + "!"
}

// secretResolver reads profile secrets and maps failures to platform errors.
type secretResolver struct {
	source SecretSource
}

func (r secretResolver) get(ref *keyring.Reference, missing vpn.ErrorState) (string, error) {
	if ref == nil {
		return "", nil
	}
	s, err := r.source.Secret(*ref)
	if err != nil {
		code := missing
		if errors.Is(err, common.ErrStorageUnavailable) {
			code = vpn.GenericError
		}
		return "", &vpn.PlatformError{Op: "apply profile", Code: code, Err: err}
	}
	return s, nil
}

// BuildSettings translates a profile into NetworkManager settings. Secrets are
// resolved through source; identityFile is called to materialize a client
// certificate for certificate authentication.
func BuildSettings(p *vpn.Profile, source SecretSource, identityFile func(id, data string) (string, error)) (Settings, error) {
	r := secretResolver{source: source}

	var (
		service string
		data    map[string]string
		secrets map[string]string
		err     error
	)
	switch p.Protocol {
	case vpn.ProtocolIKEv2:
		service = strongswanService
		data, secrets, err = strongswanData(p, r, identityFile)
	case vpn.ProtocolIPsec:
		service = libreswanService
		data, secrets, err = libreswanData(p, r)
	default:
		return nil, &vpn.PlatformError{Op: "apply profile", Code: vpn.GenericError,
			Err: fmt.Errorf("unsupported protocol %s", p.Protocol)}
	}
	if err != nil {
		return nil, err
	}

	vpnSetting := map[string]dbus.Variant{
		"service-type": dbus.MakeVariant(service),
		"data":         dbus.MakeVariant(data),
		"secrets":      dbus.MakeVariant(secrets),
		"persistent":   dbus.MakeVariant(len(p.OnDemandRules) > 0),
	}
	if p.Username != "" {
		vpnSetting["user-name"] = dbus.MakeVariant(p.Username)
	}

	return Settings{
		"connection": {
			"id":          dbus.MakeVariant(p.Name),
			"uuid":        dbus.MakeVariant(ConnectionUUID(p.ID)),
			"type":        dbus.MakeVariant("vpn"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"vpn":  vpnSetting,
		"ipv4": {"method": dbus.MakeVariant("auto")},
		"ipv6": {"method": dbus.MakeVariant("auto")},
	}, nil
}

func strongswanData(p *vpn.Profile, r secretResolver, identityFile func(id, data string) (string, error)) (map[string]string, map[string]string, error) {
	data := map[string]string{
		"address": p.Address,
		"virtual": "yes",
		"encap":   "yes",
	}
	secrets := map[string]string{}

	if p.IKESA != nil {
		data["proposal"] = "yes"
		data["ike"] = Proposal(*p.IKESA, true)
		if p.ChildSA != nil {
			data["esp"] = Proposal(*p.ChildSA, false)
		}
	}
	if p.RemoteIdentifier != "" {
		data["remote-identity"] = p.RemoteIdentifier
	}
	if p.LocalIdentifier != "" {
		data["local-identity"] = p.LocalIdentifier
	}

	switch p.AuthMethod {
	case vpn.AuthCertificate:
		cert, err := r.get(p.Credentials.Certificate, vpn.CertificateUnavailable)
		if err != nil {
			return nil, nil, err
		}
		if cert == "" {
			return nil, nil, &vpn.PlatformError{Op: "apply profile", Code: vpn.CertificateUnavailable,
				Err: errors.New("no client certificate stored")}
		}
		path, err := identityFile(p.ID, cert)
		if err != nil {
			return nil, nil, &vpn.PlatformError{Op: "apply profile", Code: vpn.CertificateUnavailable, Err: err}
		}
		data["method"] = "cert"
		data["usercert"] = path
	case vpn.AuthSharedSecret:
		psk, err := r.get(p.Credentials.SharedSecret, vpn.PasswordMissing)
		if err != nil {
			return nil, nil, err
		}
		data["method"] = "psk"
		data["password-flags"] = "0"
		secrets["password"] = psk
	default:
		password, err := r.get(p.Credentials.Password, vpn.PasswordMissing)
		if err != nil {
			return nil, nil, err
		}
		data["method"] = "eap"
		data["user"] = p.Username
		data["password-flags"] = "0"
		if password == "" {
			data["password-flags"] = "2" // not saved: NetworkManager asks an agent
		}
		secrets["password"] = password
	}
	return data, secrets, nil
}

func libreswanData(p *vpn.Profile, r secretResolver) (map[string]string, map[string]string, error) {
	data := map[string]string{
		"right": p.Address,
		"ikev2": "never",
	}
	secrets := map[string]string{}

	if p.ExtendedAuth {
		password, err := r.get(p.Credentials.Password, vpn.PasswordMissing)
		if err != nil {
			return nil, nil, err
		}
		data["leftxauthusername"] = p.Username
		data["xauthpasswordinputmodes"] = "save"
		data["xauthpassword-flags"] = "0"
		if password == "" {
			data["xauthpasswordinputmodes"] = "ask"
			data["xauthpassword-flags"] = "2"
		}
		secrets["xauthpassword"] = password
	}

	switch p.AuthMethod {
	case vpn.AuthSharedSecret:
		psk, err := r.get(p.Credentials.SharedSecret, vpn.PasswordMissing)
		if err != nil {
			return nil, nil, err
		}
		if psk == "" {
			return nil, nil, &vpn.PlatformError{Op: "apply profile", Code: vpn.PasswordMissing,
				Err: errors.New("no shared secret stored")}
		}
		data["pskinputmodes"] = "save"
		data["pskvalue-flags"] = "0"
		secrets["pskvalue"] = psk
	case vpn.AuthCertificate:
		// libreswan reads client certificates from its NSS database by nickname.
		data["leftcert"] = p.ID
		data["leftrsasigkey"] = "%cert"
	}
	return data, secrets, nil
}
