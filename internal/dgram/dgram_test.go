package dgram_test

import (
	"net"
	"testing"
	"time"

	"github.com/tappet/tappet/internal/dgram"
)

func TestSendRecv_Loopback(t *testing.T) {
	listenAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	listener, err := dgram.New(listenAddr)
	if err != nil {
		t.Fatalf("New(listener) error = %v", err)
	}
	defer listener.Close()

	// Port 0 at bind time means the kernel picked one; recover it.
	sn, err := listener.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr() error = %v", err)
	}

	sender, err := dgram.New(nil)
	if err != nil {
		t.Fatalf("New(sender) error = %v", err)
	}
	defer sender.Close()

	payload := []byte("tappet datagram")
	if err := sender.SendTo(payload, sn); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}

	buf := make([]byte, 1500)
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, from, err := listener.RecvFrom(buf)
		if err == dgram.ErrWouldBlock {
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for datagram")
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("RecvFrom() error = %v", err)
		}
		if string(buf[:n]) != string(payload) {
			t.Errorf("RecvFrom() payload = %q, want %q", buf[:n], payload)
		}
		if from == nil || from.IP == nil {
			t.Error("RecvFrom() returned a nil source address")
		}
		return
	}
}

func TestRecvFrom_WouldBlockOnEmptySocket(t *testing.T) {
	conn, err := dgram.New(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 64)
	if _, _, err := conn.RecvFrom(buf); err != dgram.ErrWouldBlock {
		t.Errorf("RecvFrom() on empty socket error = %v, want %v", err, dgram.ErrWouldBlock)
	}
}
