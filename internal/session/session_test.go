package session

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/profnet/profiled/internal/wire"
)

func pipeSession(t *testing.T, roles RoleSet) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := New(server, roles, time.Minute)
	t.Cleanup(func() {
		s.Close()
		client.Close()
	})
	return s, client
}

func TestStatusSatisfies(t *testing.T) {
	tests := []struct {
		have, need Status
		want       bool
	}{
		{StatusNone, StatusNone, true},
		{StatusNone, StatusStarted, false},
		{StatusStarted, StatusStarted, true},
		{StatusVerified, StatusStarted, true},
		{StatusAuthenticated, StatusStarted, true},
		{StatusStarted, StatusVerified, false},
		{StatusVerified, StatusVerified, true},
		{StatusAuthenticated, StatusVerified, true},
		{StatusVerified, StatusAuthenticated, false},
		{StatusAuthenticated, StatusAuthenticated, true},
	}
	for _, tt := range tests {
		if got := tt.have.Satisfies(tt.need); got != tt.want {
			t.Errorf("%v.Satisfies(%v) = %v, want %v", tt.have, tt.need, got, tt.want)
		}
	}
}

func TestRoleSetHas(t *testing.T) {
	rs := RoleSet(RoleClientCustomer | RoleClientNonCustomer)
	if !rs.Has(RoleSet(RoleClientCustomer)) {
		t.Error("customer role missing")
	}
	if rs.Has(RoleSet(RoleServerNeighbor)) {
		t.Error("neighbor role present")
	}
	if !rs.Has(RoleSet(RoleServerNeighbor | RoleClientCustomer)) {
		t.Error("intersection not detected")
	}
}

func TestServicesCap(t *testing.T) {
	s, _ := pipeSession(t, RoleSet(RoleClientCustomer))
	for i := 0; i < maxServices; i++ {
		if !s.AddService(fmt.Sprintf("svc-%d", i)) {
			t.Fatalf("service %d rejected under cap", i)
		}
	}
	if s.AddService("one-too-many") {
		t.Error("service over cap accepted")
	}
	// Re-adding an existing name is not a quota violation.
	if !s.AddService("svc-0") {
		t.Error("idempotent re-add rejected")
	}
	if !s.RemoveService("svc-0") {
		t.Error("remove of present service failed")
	}
	if s.RemoveService("svc-0") {
		t.Error("remove of absent service succeeded")
	}
	if !s.AddService("now-fits") {
		t.Error("add after remove rejected")
	}
}

func TestPendingLifecycle(t *testing.T) {
	s, client := pipeSession(t, RoleSet(RoleClientCustomer))

	done := make(chan *wire.Message, 1)
	go func() {
		m, err := wire.ReadMessage(client)
		if err != nil {
			close(done)
			return
		}
		done <- m
	}()

	pr, err := s.SendRequest(&wire.Request{
		Conversation: &wire.ConversationRequest{
			IncomingCall: &wire.IncomingCallNotification{ServiceName: "chat"},
		},
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	m := <-done
	if m == nil {
		t.Fatal("request not received")
	}
	if m.Request.Kind() != wire.KindIncomingCallNotification {
		t.Fatalf("kind = %v", m.Request.Kind())
	}

	got, ok := s.TakePending(m.ID)
	if !ok {
		t.Fatal("pending request not found")
	}
	if got != pr {
		t.Error("TakePending returned a different request")
	}
	if _, ok := s.TakePending(m.ID); ok {
		t.Error("pending request retrievable twice")
	}
}

func TestClosePendingChannels(t *testing.T) {
	s, client := pipeSession(t, RoleSet(RoleClientAppService))
	go func() {
		// Drain the frame so SendRequest does not block on the pipe.
		wire.ReadMessage(client)
	}()
	pr, err := s.SendRequest(&wire.Request{
		Single: &wire.SingleRequest{
			Version:                  wire.ProtocolVersion.Bytes(),
			AppServiceReceiveMessage: &wire.AppServiceReceiveMessageNotification{Message: []byte("x")},
		},
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	s.Close()
	select {
	case _, open := <-pr.Response:
		if open {
			t.Error("response channel delivered a value instead of closing")
		}
	case <-time.After(time.Second):
		t.Error("response channel not closed on session close")
	}
	if err := s.Send(&wire.Message{ID: 1}); err == nil {
		t.Error("send after close succeeded")
	}
}

func TestOnCloseAfterClosedRunsImmediately(t *testing.T) {
	s, _ := pipeSession(t, RoleSet(RolePrimary))
	s.Close()
	ran := false
	s.OnClose(func() { ran = true })
	if !ran {
		t.Error("OnClose callback did not run on closed session")
	}
}

func TestRegistryCheckInWins(t *testing.T) {
	r := NewRegistry()
	id := []byte("identity-0000000000000000000000")

	a, _ := pipeSession(t, RoleSet(RoleClientCustomer))
	a.IdentityID = id
	b, _ := pipeSession(t, RoleSet(RoleClientCustomer))
	b.IdentityID = id

	if prev := r.CheckIn(a); prev != nil {
		t.Errorf("first check-in returned previous %v", prev)
	}
	if got, ok := r.Lookup(id); !ok || got != a {
		t.Error("lookup after first check-in")
	}

	if prev := r.CheckIn(b); prev != a {
		t.Error("second check-in did not return the first session")
	}
	if got, _ := r.Lookup(id); got != b {
		t.Error("newest check-in did not win")
	}

	// Checking out the stale session must not evict the newer one.
	r.CheckOut(a)
	if got, ok := r.Lookup(id); !ok || got != b {
		t.Error("stale checkout evicted the live session")
	}
	r.CheckOut(b)
	if _, ok := r.Lookup(id); ok {
		t.Error("identity still registered after checkout")
	}
}
