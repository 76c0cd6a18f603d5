package election

import (
	"net"
	"testing"
	"time"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition never became true")
	}
}

// fakePeerServer accepts one connection and gives the test a hook to
// write assertion bytes to it.
func fakePeerServer(t *testing.T) (addr Address, writeByte func(byte), close func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			connCh <- conn
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	a := Address{Host: "127.0.0.1", Port: uint16(tcpAddr.Port)}

	return a, func(b byte) {
		conn := <-connCh
		conn.Write([]byte{b})
		connCh <- conn
	}, func() { ln.Close() }
}

func TestSupervisorConnectsAndTracksAssertedMaster(t *testing.T) {
	addr, writeByte, closeSrv := fakePeerServer(t)
	defer closeSrv()

	sup := NewSupervisor(time.Second, ConstantPolicy(50*time.Millisecond), 0, nil)
	if err := sup.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	sup.OnPeerAdded("peer-a", addr, 50, "default")

	writeByte(byteAssertMaster)

	waitUntil(t, 2*time.Second, func() bool {
		return sup.AssertedMaster() == addr
	})
}

func TestSupervisorElectsHighestPriority(t *testing.T) {
	sup := NewSupervisor(time.Second, ConstantPolicy(50*time.Millisecond), 0, nil)
	if err := sup.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	sup.OnPeerAdded("low", Address{Host: "10.0.0.1", Port: 1}, 10, "default")
	sup.OnPeerAdded("high", Address{Host: "10.0.0.2", Port: 1}, 90, "default")

	waitUntil(t, time.Second, func() bool {
		e := sup.Elected()
		return e != nil && e.ServiceName == "high"
	})
}

func TestSupervisorRemovePeerClearsElection(t *testing.T) {
	sup := NewSupervisor(time.Second, ConstantPolicy(50*time.Millisecond), 0, nil)
	if err := sup.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	sup.OnPeerAdded("only", Address{Host: "10.0.0.1", Port: 1}, 10, "default")
	waitUntil(t, time.Second, func() bool { return sup.Elected() != nil })

	sup.OnPeerRemoved("only")
	waitUntil(t, time.Second, func() bool { return sup.Elected() == nil })
}

func TestSupervisorHeartbeatReflectsSelfMaster(t *testing.T) {
	localAddrs := func() []net.IP { return []net.IP{net.ParseIP("10.0.0.9")} }
	sup := NewSupervisor(time.Second, ConstantPolicy(50*time.Millisecond), 9000, localAddrs)
	if err := sup.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	sup.OnPeerAdded("self", Address{Host: "10.0.0.9", Port: 9000}, 100, "default")
	waitUntil(t, time.Second, func() bool { return sup.Elected() != nil })

	conn, err := net.Dial("tcp", sup.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if buf[0] != byteAssertMaster {
		t.Fatalf("heartbeat byte = 0x%x, want 'm'", buf[0])
	}
}
