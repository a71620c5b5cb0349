//go:build e2e

package e2e

import (
	"strings"
	"testing"
)

// These tests drive real `formsync` processes: one `serve` and one or
// more clients, each with its own local cache.

// TestSync_OfflineSaveReplays verifies that a form saved offline reaches
// the service on the next online sync under the id it was saved with.
func TestSync_OfflineSaveReplays(t *testing.T) {
	srv := startServer(t)
	c := newClient(t, srv, "tech-1")

	saved := c.save(t, "CTO", "OS-1001", "--offline")
	if got := srv.listDocuments(t, "forms"); len(got) != 0 {
		t.Fatalf("service has %d forms before sync", len(got))
	}
	if st := c.status(t, "--offline"); !st.Collections["forms"].Pending {
		t.Error("status does not report the queued save")
	}

	c.run(t, "sync")

	got := srv.listDocuments(t, "forms")
	if len(got) != 1 || got[0].ID != saved.ID {
		t.Fatalf("service forms = %+v, want [%s]", got, saved.ID)
	}
	if got[0].Status != "pending" {
		t.Errorf("status = %q, want pending", got[0].Status)
	}
	if st := c.status(t); st.Collections["forms"].Pending {
		t.Error("forms still pending after sync")
	}
}

// TestSync_TwoClientsConverge verifies that writes from two clients, one
// of them offline for a while, end up visible to both.
func TestSync_TwoClientsConverge(t *testing.T) {
	srv := startServer(t)
	a := newClient(t, srv, "tech-a")
	b := newClient(t, srv, "tech-b")

	a.save(t, "PON", "OS-A1")
	b.save(t, "LINK", "OS-B1", "--offline")
	b.save(t, "LINK", "OS-B2", "--offline")
	a.save(t, "CTO", "OS-A2")

	b.run(t, "sync")

	for name, c := range map[string]*formsyncClient{"a": a, "b": b} {
		got := codes(c.list(t))
		for _, code := range []string{"OS-A1", "OS-A2", "OS-B1", "OS-B2"} {
			if !got[code] {
				t.Errorf("client %s is missing %s (has %v)", name, code, got)
			}
		}
	}
}

// TestSync_QueuedWhileServerDown verifies that writes made while the
// service is unreachable stay queued and replay after it restarts.
func TestSync_QueuedWhileServerDown(t *testing.T) {
	srv := startServer(t)
	c := newClient(t, srv, "tech-1")
	first := c.save(t, "CTO", "OS-1")

	srv.stop()

	// Online by configuration, but every remote call fails.
	second := c.save(t, "PON", "OS-2")
	c.run(t, "forms", "finalize", first.ID)

	if st := c.status(t); !st.Collections["forms"].Pending {
		t.Fatal("writes not queued while the service was down")
	}

	srv.start(t)
	c.run(t, "sync")

	docs := srv.listDocuments(t, "forms")
	byID := make(map[string]document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	if byID[first.ID].Status != "finalized" {
		t.Errorf("first form status = %q, want finalized", byID[first.ID].Status)
	}
	if _, ok := byID[second.ID]; !ok {
		t.Errorf("second form missing from service: %+v", docs)
	}
}

// TestSync_PermanentFailureIsRejected verifies that an update to a form
// deleted on the service is rejected once and never retried.
func TestSync_PermanentFailureIsRejected(t *testing.T) {
	srv := startServer(t)
	c := newClient(t, srv, "tech-1")
	f := c.save(t, "LINK", "OS-77")

	srv.deleteDocument(t, "forms", f.ID)
	c.run(t, "--offline", "forms", "finalize", f.ID)

	c.run(t, "sync")

	st := c.status(t)
	if st.Collections["forms"].Pending {
		t.Error("rejected update is still pending")
	}
	rejected := st.Collections["forms"].Rejected
	if len(rejected) != 1 || rejected[0].TargetID != f.ID {
		t.Fatalf("rejected = %+v", rejected)
	}

	// A second sync has nothing left to do.
	out := c.run(t, "sync")
	if !strings.Contains(out, "forms") {
		t.Errorf("sync output = %q", out)
	}
}

// TestAudit_SyncedToService verifies that audit events travel with the
// forms they describe.
func TestAudit_SyncedToService(t *testing.T) {
	srv := startServer(t)
	c := newClient(t, srv, "tech-9")

	f := c.save(t, "CTO", "OS-900", "--offline")
	c.run(t, "--offline", "forms", "finalize", f.ID)
	c.run(t, "sync")

	events := srv.listDocuments(t, "audit_log")
	if len(events) != 2 {
		t.Fatalf("service has %d audit events, want 2", len(events))
	}
	for _, ev := range events {
		if !strings.Contains(string(ev.Payload), `"uid":"tech-9"`) {
			t.Errorf("event payload %s lacks the actor", ev.Payload)
		}
	}
}
