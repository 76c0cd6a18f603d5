package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/lxe133/masterdisco/internal/responder"
	"github.com/lxe133/masterdisco/internal/txtcodec"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []struct {
		kind   PeerEventKind
		record PeerRecord
	}
}

func (r *eventRecorder) record(kind PeerEventKind, rec PeerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, struct {
		kind   PeerEventKind
		record PeerRecord
	}{kind, rec})
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) waitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r.count() >= n
}

func TestAgentEmitsPeerAddedOnBrowse(t *testing.T) {
	client := responder.NewInMemoryClient()
	rec := &eventRecorder{}
	a := New(client, "default", rec.record)
	a.Start()
	defer a.Stop()

	client.Publish(0, "master-b", ServiceType, Domain, "192.168.1.9", 5569, txtcodec.Record{Priority: 40, Scope: "default"})

	if !rec.waitFor(1, time.Second) {
		t.Fatal("expected a PeerAdded event")
	}
	rec.mu.Lock()
	ev := rec.events[0]
	rec.mu.Unlock()
	if ev.kind != PeerAdded {
		t.Fatalf("kind = %v, want PeerAdded", ev.kind)
	}
	if ev.record.Host != "192.168.1.9" {
		t.Fatalf("host = %q", ev.record.Host)
	}
}

func TestAgentEmitsPeerRemovedOnRetract(t *testing.T) {
	client := responder.NewInMemoryClient()
	rec := &eventRecorder{}
	a := New(client, "default", rec.record)
	a.Start()
	defer a.Stop()

	client.Publish(0, "master-c", ServiceType, Domain, "192.168.1.10", 5569, txtcodec.Record{Priority: 40, Scope: "default"})
	if !rec.waitFor(1, time.Second) {
		t.Fatal("expected PeerAdded before retract")
	}

	client.Retract("master-c")
	if !rec.waitFor(2, time.Second) {
		t.Fatal("expected PeerRemoved after retract")
	}
	rec.mu.Lock()
	ev := rec.events[1]
	rec.mu.Unlock()
	if ev.kind != PeerRemoved {
		t.Fatalf("kind = %v, want PeerRemoved", ev.kind)
	}
	if ev.record.Host != "192.168.1.10" {
		t.Fatalf("removed record host = %q, want last known address", ev.record.Host)
	}
}

func TestAgentDedupesMultiInterfaceAnnounce(t *testing.T) {
	client := responder.NewInMemoryClient()
	rec := &eventRecorder{}
	a := New(client, "default", rec.record)
	a.Start()
	defer a.Stop()

	client.Publish(2, "master-d", ServiceType, Domain, "192.168.1.11", 5569, txtcodec.Record{Priority: 40, Scope: "default"})
	if !rec.waitFor(1, time.Second) {
		t.Fatal("expected PeerAdded for first interface announce")
	}

	client.Publish(3, "master-d", ServiceType, Domain, "192.168.1.11", 5569, txtcodec.Record{Priority: 40, Scope: "default"})
	time.Sleep(50 * time.Millisecond)

	if rec.count() != 1 {
		t.Fatalf("got %d events after a second-interface re-announce, want exactly 1 PeerAdded", rec.count())
	}

	client.Retract("master-d")
	if !rec.waitFor(2, time.Second) {
		t.Fatal("expected a single PeerRemoved once the instance is retracted")
	}
	if rec.count() != 2 {
		t.Fatalf("got %d events after retract, want exactly 2 (one PeerAdded, one PeerRemoved)", rec.count())
	}
}

// TestAgentKeepsPeerUntilEveryInterfaceRetracts drives the two
// interfaces' goodbyes independently (InMemoryClient.RetractInterface),
// the way a real multi-homed peer's withdrawal actually arrives: one
// interface's announcement can expire well before another's. A
// PeerRemoved must wait for the last one.
func TestAgentKeepsPeerUntilEveryInterfaceRetracts(t *testing.T) {
	client := responder.NewInMemoryClient()
	rec := &eventRecorder{}
	a := New(client, "default", rec.record)
	a.Start()
	defer a.Stop()

	client.Publish(2, "master-e", ServiceType, Domain, "192.168.1.12", 5569, txtcodec.Record{Priority: 40, Scope: "default"})
	if !rec.waitFor(1, time.Second) {
		t.Fatal("expected PeerAdded for first interface announce")
	}

	client.Publish(3, "master-e", ServiceType, Domain, "192.168.1.12", 5569, txtcodec.Record{Priority: 40, Scope: "default"})
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("got %d events after second-interface announce, want still 1", rec.count())
	}

	client.RetractInterface(2, "master-e")
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("got %d events after only one interface retracted, want still 1 (peer still visible on iface 3)", rec.count())
	}

	client.RetractInterface(3, "master-e")
	if !rec.waitFor(2, time.Second) {
		t.Fatal("expected PeerRemoved once the last interface retracts")
	}
	if rec.count() != 2 {
		t.Fatalf("got %d events after the last interface retracted, want exactly 2", rec.count())
	}
}

func TestAgentRegisterMasterPublishes(t *testing.T) {
	client := responder.NewInMemoryClient()
	a := New(client, "default", nil)
	a.Start()
	defer a.Stop()

	a.RegisterMaster("master-local", 5569, 70)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		done := make(chan registrationState, 1)
		a.loop.Submit(func() { done <- a.reg.state })
		if <-done == registrationPublished {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("registration never reached published")
}

func TestAgentStopClosesRegistration(t *testing.T) {
	client := responder.NewInMemoryClient()
	a := New(client, "default", nil)
	a.Start()
	a.RegisterMaster("master-local", 5569, 70)
	time.Sleep(50 * time.Millisecond)

	a.Stop()

	if a.reg.state == registrationPublished {
		t.Fatal("registration must be closed on Stop")
	}
}
