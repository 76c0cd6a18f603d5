package discovery

import (
	"testing"

	"github.com/lxe133/masterdisco/internal/responder"
	"github.com/lxe133/masterdisco/internal/txtcodec"
)

func testKey() PeerKey {
	return PeerKey{ServiceName: "master-a", ServiceType: ServiceType, Domain: Domain}
}

func TestResolverEmitsOnReady(t *testing.T) {
	client := responder.NewInMemoryClient()
	var got []PeerRecord
	r := newPeerResolver(testKey(), client, ServiceType, Domain, func(_ PeerKey, rec PeerRecord) {
		got = append(got, rec)
	})

	txt := txtcodec.Record{Priority: 50, Scope: "default"}
	client.Publish(0, "master-a", ServiceType, Domain, "192.168.1.5", 5569, txt)

	r.start()

	if len(got) != 1 {
		t.Fatalf("got %d emissions, want 1", len(got))
	}
	if got[0].Host != "192.168.1.5" || got[0].Port != 5569 || got[0].Priority != 50 {
		t.Fatalf("unexpected record: %+v", got[0])
	}
	if r.state != resolverReady {
		t.Fatalf("state = %v, want ready", r.state)
	}
}

func TestResolverSuppressesDuplicateEmission(t *testing.T) {
	client := responder.NewInMemoryClient()
	txt := txtcodec.Record{Priority: 50, Scope: "default"}
	client.Publish(0, "master-a", ServiceType, Domain, "192.168.1.5", 5569, txt)

	emissions := 0
	r := newPeerResolver(testKey(), client, ServiceType, Domain, func(_ PeerKey, _ PeerRecord) {
		emissions++
	})
	r.start()
	if emissions != 1 {
		t.Fatalf("emissions = %d, want 1", emissions)
	}

	// Re-resolve identical record: must not re-emit.
	r.state = resolverResolving
	client.StartResolve(0, responder.ProtoIPv4, "master-a", ServiceType, Domain, r.onResolveEvent)
	if emissions != 1 {
		t.Fatalf("emissions = %d after duplicate resolve, want 1", emissions)
	}
}

func TestResolverDropsNonIPv4(t *testing.T) {
	client := responder.NewInMemoryClient()
	r := newPeerResolver(testKey(), client, ServiceType, Domain, func(_ PeerKey, _ PeerRecord) {
		t.Fatal("must not emit for non-IPv4 result")
	})
	r.state = resolverResolving
	r.onResolveEvent(responder.ResolveEvent{OK: true, Host: nil})
}

func TestResolverFailureDoesNotEmit(t *testing.T) {
	client := responder.NewInMemoryClient()
	r := newPeerResolver(PeerKey{ServiceName: "missing", ServiceType: ServiceType, Domain: Domain}, client, ServiceType, Domain, func(_ PeerKey, _ PeerRecord) {
		t.Fatal("must not emit on resolve failure")
	})
	r.start()
	if r.state != resolverFailed {
		t.Fatalf("state = %v, want failed", r.state)
	}
}

func TestResolverClosedIgnoresLateEvents(t *testing.T) {
	client := responder.NewInMemoryClient()
	r := newPeerResolver(testKey(), client, ServiceType, Domain, func(_ PeerKey, _ PeerRecord) {
		t.Fatal("must not emit after close")
	})
	r.close()
	r.onResolveEvent(responder.ResolveEvent{OK: true, Host: nil})
}
