package discovery

import (
	"testing"

	"github.com/lxe133/masterdisco/internal/responder"
	"github.com/lxe133/masterdisco/internal/txtcodec"
)

func TestRegistrationPublishes(t *testing.T) {
	client := responder.NewInMemoryClient()
	reg := newRegistration(client, ServiceType, Domain, func(err error) {
		t.Fatalf("unexpected collision: %v", err)
	})

	reg.registerOrUpdate(localMaster{Name: "master-a", Port: 5569, TXT: txtcodec.Record{Priority: 50, Scope: "default"}})

	if reg.state != registrationPublished {
		t.Fatalf("state = %v, want published", reg.state)
	}
}

func TestRegistrationNoopOnIdenticalRecord(t *testing.T) {
	client := responder.NewInMemoryClient()
	reg := newRegistration(client, ServiceType, Domain, nil)
	m := localMaster{Name: "master-a", Port: 5569, TXT: txtcodec.Record{Priority: 50, Scope: "default"}}

	reg.registerOrUpdate(m)
	handleBefore := reg.handle
	reg.registerOrUpdate(m)

	if reg.handle != handleBefore {
		t.Fatal("identical RegisterOrUpdate must be a no-op")
	}
}

func TestRegistrationUpdatesTxtInPlace(t *testing.T) {
	client := responder.NewInMemoryClient()
	reg := newRegistration(client, ServiceType, Domain, nil)
	reg.registerOrUpdate(localMaster{Name: "master-a", Port: 5569, TXT: txtcodec.Record{Priority: 50, Scope: "default"}})
	handleBefore := reg.handle

	reg.registerOrUpdate(localMaster{Name: "master-a", Port: 5569, TXT: txtcodec.Record{Priority: 90, Scope: "default"}})

	if reg.handle != handleBefore {
		t.Fatal("TXT-only change must update in place, not re-register")
	}
	if reg.current.TXT.Priority != 90 {
		t.Fatalf("priority = %d, want 90", reg.current.TXT.Priority)
	}
}

func TestRegistrationScopeChangeRepublishes(t *testing.T) {
	client := responder.NewInMemoryClient()
	reg := newRegistration(client, ServiceType, Domain, nil)
	reg.registerOrUpdate(localMaster{Name: "master-a", Port: 5569, TXT: txtcodec.Record{Priority: 50, Scope: "default"}})
	handleBefore := reg.handle

	reg.registerOrUpdate(localMaster{Name: "master-a", Port: 5569, TXT: txtcodec.Record{Priority: 50, Scope: "lab"}})

	if reg.handle == handleBefore {
		t.Fatal("scope change must re-register under a new handle")
	}
	if reg.current.TXT.Scope != "lab" {
		t.Fatalf("scope = %q, want lab", reg.current.TXT.Scope)
	}
}

func TestRegistrationBuffersWhileResponderDown(t *testing.T) {
	client := responder.NewInMemoryClient()
	client.SetState(responder.StateFailed)
	reg := newRegistration(client, ServiceType, Domain, nil)

	reg.registerOrUpdate(localMaster{Name: "master-a", Port: 5569, TXT: txtcodec.Record{Priority: 50, Scope: "default"}})

	if reg.state != registrationUnpublished {
		t.Fatalf("state = %v, want unpublished while responder down", reg.state)
	}
	if reg.pending == nil {
		t.Fatal("expected buffered registration")
	}

	client.SetState(responder.StateRunning)
	reg.onResponderRunning()

	if reg.state != registrationPublished {
		t.Fatalf("state = %v, want published after responder recovers", reg.state)
	}
}

func TestRegistrationCollisionReportsAndDoesNotRename(t *testing.T) {
	client := responder.NewInMemoryClient()
	client.Publish(0, "taken", ServiceType, Domain, "10.0.0.1", 1, txtcodec.Record{Priority: 1, Scope: "default"})
	_, _ = client.StartRegister(0, responder.ProtoIPv4, "taken", ServiceType, "", 1, txtcodec.Record{Priority: 1, Scope: "default"}, func(responder.RegisterEvent) {})

	collided := false
	reg := newRegistration(client, ServiceType, Domain, func(err error) {
		collided = true
	})
	reg.registerOrUpdate(localMaster{Name: "taken", Port: 2, TXT: txtcodec.Record{Priority: 2, Scope: "default"}})

	if !collided {
		t.Fatal("expected collision callback")
	}
	if reg.state != registrationCollided {
		t.Fatalf("state = %v, want collided", reg.state)
	}
	if reg.current.Name != "taken" {
		t.Fatal("collision must not trigger an automatic rename")
	}
}
