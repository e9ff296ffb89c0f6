package vpn

import (
	"errors"
	"testing"

	"github.com/yllada/systemvpn/common"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateInvalid, "Invalid"},
		{StateDisconnected, "Disconnected"},
		{StateConnecting, "Connecting"},
		{StateConnected, "Connected"},
		{StateReasserting, "Reasserting"},
		{StateDisconnecting, "Disconnecting"},
		{State(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_Numbering(t *testing.T) {
	for want, s := range []State{StateInvalid, StateDisconnected, StateConnecting, StateConnected, StateReasserting, StateDisconnecting} {
		if int(s) != want {
			t.Errorf("%v = %d, want %d", s, int(s), want)
		}
	}
}

func TestState_IsActive(t *testing.T) {
	active := map[State]bool{
		StateInvalid:       false,
		StateDisconnected:  false,
		StateConnecting:    true,
		StateConnected:     true,
		StateReasserting:   true,
		StateDisconnecting: true,
	}
	for s, want := range active {
		if got := s.IsActive(); got != want {
			t.Errorf("%v.IsActive() = %v, want %v", s, got, want)
		}
	}
}

func TestErrorState_String(t *testing.T) {
	tests := []struct {
		code     ErrorState
		value    int
		expected string
	}{
		{NoError, 0, "NO_ERROR"},
		{AuthFailed, 1, "AUTH_FAILED"},
		{PeerAuthFailed, 2, "PEER_AUTH_FAILED"},
		{LookupFailed, 3, "LOOKUP_FAILED"},
		{Unreachable, 4, "UNREACHABLE"},
		{GenericError, 5, "GENERIC_ERROR"},
		{PasswordMissing, 6, "PASSWORD_MISSING"},
		{CertificateUnavailable, 7, "CERTIFICATE_UNAVAILABLE"},
		{Undefined, 8, "UNDEFINED"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.code.String(); got != tt.expected {
				t.Errorf("ErrorState.String() = %v, want %v", got, tt.expected)
			}
			if int(tt.code) != tt.value {
				t.Errorf("%s = %d, want %d", tt.expected, int(tt.code), tt.value)
			}
		})
	}
}

func TestProtocol_Text(t *testing.T) {
	var p Protocol
	if err := p.UnmarshalText([]byte("IKEv2")); err != nil {
		t.Fatal(err)
	}
	if p != ProtocolIKEv2 {
		t.Errorf("got %v, want ikev2", p)
	}
	if err := p.UnmarshalText([]byte("wireguard")); err == nil {
		t.Error("expected error for unknown protocol")
	}
	b, _ := ProtocolIPsec.MarshalText()
	if string(b) != "ipsec" {
		t.Errorf("MarshalText() = %s, want ipsec", b)
	}
}

func TestProtocol_Supports(t *testing.T) {
	if ProtocolIPsec.Supports(AuthEAP) {
		t.Error("IPsec must not support EAP")
	}
	for _, m := range []AuthMethod{AuthNone, AuthCertificate, AuthSharedSecret, AuthEAP} {
		if !ProtocolIKEv2.Supports(m) {
			t.Errorf("IKEv2 should support %v", m)
		}
	}
}

func TestPlatformError(t *testing.T) {
	cause := errors.New("dbus timeout")
	err := &PlatformError{Op: "start tunnel", Code: Unreachable, Err: cause}

	if !errors.Is(err, common.ErrPlatform) {
		t.Error("PlatformError should match ErrPlatform")
	}
	if !errors.Is(err, cause) {
		t.Error("PlatformError should match its cause")
	}
	want := "platform error: start tunnel: UNREACHABLE: dbus timeout"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestProfile_Clone(t *testing.T) {
	sa := DefaultSecurityAssociation()
	p := &Profile{ID: "a", IKESA: &sa, OnDemandRules: []OnDemandRule{{Action: OnDemandConnect, Interface: InterfaceAny}}}
	c := p.Clone()
	c.IKESA.LifetimeMinutes = 5
	c.OnDemandRules[0].Interface = "wifi"

	if p.IKESA.LifetimeMinutes != DefaultLifetimeMinutes {
		t.Error("Clone shares the IKE SA")
	}
	if p.OnDemandRules[0].Interface != InterfaceAny {
		t.Error("Clone shares the on-demand rules")
	}
	if (*Profile)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
