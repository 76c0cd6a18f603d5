package netutil

import (
	"net"
	"testing"
)

func TestPortAllocator(t *testing.T) {
	pm := NewPortAllocator("")

	port1, err := pm.GetAvailablePort()
	if err != nil {
		t.Fatalf("GetAvailablePort: %v", err)
	}
	if port1 < minEphemeralPort || port1 > maxEphemeralPort {
		t.Errorf("port %d outside expected range [%d-%d]", port1, minEphemeralPort, maxEphemeralPort)
	}

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: port1}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("port %d is not actually available: %v", port1, err)
	}
	defer listener.Close()

	pm.ReleasePort(port1)

	ports := make(map[int]bool)
	for i := 0; i < 10; i++ {
		p, err := pm.GetAvailablePort()
		if err != nil {
			t.Fatalf("GetAvailablePort #%d: %v", i, err)
		}
		if ports[p] {
			t.Errorf("port %d returned twice", p)
		}
		ports[p] = true
	}
	for p := range ports {
		pm.ReleasePort(p)
	}
}

func TestPortAllocatorScopeBiasesStart(t *testing.T) {
	a := NewPortAllocator("lab")
	b := NewPortAllocator("lab")
	if a.startPort != b.startPort {
		t.Errorf("same scope produced different start ports: %d vs %d", a.startPort, b.startPort)
	}

	c := NewPortAllocator("stage")
	if a.startPort == c.startPort {
		t.Errorf("different scopes landed on the same start port %d; bias is not scope-specific", a.startPort)
	}

	for _, p := range []*PortAllocator{a, b, c} {
		if p.startPort < minEphemeralPort || p.startPort > maxEphemeralPort {
			t.Errorf("start port %d outside range [%d-%d]", p.startPort, minEphemeralPort, maxEphemeralPort)
		}
	}
}

func TestPortAllocatorConcurrent(t *testing.T) {
	pm := NewPortAllocator("")
	done := make(chan bool)
	ports := make(chan int, 100)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 10; j++ {
				port, err := pm.GetAvailablePort()
				if err != nil {
					t.Errorf("GetAvailablePort: %v", err)
					return
				}
				ports <- port
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	close(ports)

	seen := make(map[int]bool)
	for port := range ports {
		if seen[port] {
			t.Errorf("port %d returned more than once", port)
		}
		seen[port] = true
	}
}
