package wire_test

import (
	"testing"

	"github.com/tappet/tappet/pkg/wire"
)

func TestClassify_KeepaliveVsFrameThreshold(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want wire.PayloadKind
	}{
		{"keepalive", []byte{0xFE, 0x01, 0x02}, wire.PayloadKeepalive},
		{"wrong opcode but len 3", []byte{0x00, 0x01, 0x02}, wire.PayloadControlUnknown},
		{"63 bytes drops", make([]byte, 63), wire.PayloadControlUnknown},
		{"64 bytes forwards", make([]byte, 64), wire.PayloadFrame},
		{"empty", nil, wire.PayloadControlUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := wire.Classify(c.in); got != c.want {
				t.Errorf("Classify(%d bytes) = %v, want %v", len(c.in), got, c.want)
			}
		})
	}
}

func TestEncodeDecodeKeepalive(t *testing.T) {
	for _, size := range []uint16{0, 1, 1500, 0xFFFF} {
		payload := wire.EncodeKeepalive(size)
		if len(payload) != wire.KeepalivePayloadSize {
			t.Fatalf("EncodeKeepalive(%d) len = %d, want %d", size, len(payload), wire.KeepalivePayloadSize)
		}
		if payload[0] != wire.KeepaliveOpcode {
			t.Fatalf("EncodeKeepalive(%d)[0] = %#x, want %#x", size, payload[0], wire.KeepaliveOpcode)
		}
		if got := wire.DecodeKeepaliveSize(payload); got != size {
			t.Errorf("DecodeKeepaliveSize(EncodeKeepalive(%d)) = %d", size, got)
		}
	}
}

func TestRoleString(t *testing.T) {
	if wire.RoleConnector.String() != "connector" {
		t.Errorf("RoleConnector.String() = %q", wire.RoleConnector.String())
	}
	if wire.RoleListener.String() != "listener" {
		t.Errorf("RoleListener.String() = %q", wire.RoleListener.String())
	}
}
