package relay

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	closed atomic.Bool
}

func (f *fakeConn) Close()       { f.closed.Store(true) }
func (f *fakeConn) Closed() bool { return f.closed.Load() }

func TestOpenIssuesDistinctTokens(t *testing.T) {
	e := NewEngine(DefaultConfig())
	r := e.Open("chat")
	defer e.Destroy(r, "test done")

	if r.CallerToken == r.CalleeToken {
		t.Error("caller and callee tokens identical")
	}
	if e.Active() != 2 {
		t.Errorf("active tokens = %d, want 2", e.Active())
	}
	if r.State() != Created {
		t.Errorf("state = %v, want created", r.State())
	}
}

func TestPairingFlow(t *testing.T) {
	e := NewEngine(DefaultConfig())
	r := e.Open("chat")
	e.NotifySent(r)
	e.CalleeAnswered(r, true, false)

	if got := <-r.CallerDone(); !got.Accepted {
		t.Fatal("caller not resumed with acceptance")
	}
	if r.State() != CalleeAccepted {
		t.Fatalf("state = %v, want callee-accepted", r.State())
	}

	caller, callee := &fakeConn{}, &fakeConn{}
	if _, side, err := e.Pair(r.CallerToken[:], caller); err != nil || side != Caller {
		t.Fatalf("pair caller: side=%v err=%v", side, err)
	}
	if r.State() != CallerAcknowledged {
		t.Errorf("state after one side = %v, want caller-acknowledged", r.State())
	}
	if _, side, err := e.Pair(r.CalleeToken[:], callee); err != nil || side != Callee {
		t.Fatalf("pair callee: side=%v err=%v", side, err)
	}
	if r.State() != Established {
		t.Errorf("state = %v, want established", r.State())
	}

	peer, ok := e.Peer(r, Caller)
	if !ok || peer != callee {
		t.Error("caller's peer is not the callee connection")
	}
}

func TestSecondConnectionSameTokenRejected(t *testing.T) {
	e := NewEngine(DefaultConfig())
	r := e.Open("chat")
	e.CalleeAnswered(r, true, false)

	first := &fakeConn{}
	if _, _, err := e.Pair(r.CalleeToken[:], first); err != nil {
		t.Fatalf("first pair: %v", err)
	}
	second := &fakeConn{}
	if _, _, err := e.Pair(r.CalleeToken[:], second); !errors.Is(err, ErrAlreadyPaired) {
		t.Errorf("second pair err = %v, want ErrAlreadyPaired", err)
	}
}

func TestAuthorizeRejectsPeerToken(t *testing.T) {
	e := NewEngine(DefaultConfig())
	r := e.Open("chat")
	e.CalleeAnswered(r, true, false)

	caller, callee := &fakeConn{}, &fakeConn{}
	e.Pair(r.CallerToken[:], caller)
	e.Pair(r.CalleeToken[:], callee)

	if _, _, err := e.Authorize(r.CallerToken[:], caller); err != nil {
		t.Errorf("own token rejected: %v", err)
	}
	// The caller's connection presenting the callee's token is an abuse.
	if _, _, err := e.Authorize(r.CalleeToken[:], caller); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("peer token err = %v, want ErrTokenNotFound", err)
	}
	if _, _, err := e.Authorize([]byte("short"), caller); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("malformed token err = %v, want ErrTokenNotFound", err)
	}
}

func TestCalleeDeclineDestroysRelay(t *testing.T) {
	e := NewEngine(DefaultConfig())
	r := e.Open("chat")
	e.CalleeAnswered(r, false, true)

	got, open := <-r.CallerDone()
	if !open {
		t.Fatal("caller channel closed without outcome")
	}
	if got.Accepted || !got.Rejected {
		t.Errorf("outcome = %+v, want rejected", got)
	}
	if r.State() != Closed {
		t.Errorf("state = %v, want closed", r.State())
	}
	if e.Active() != 0 {
		t.Errorf("tokens remain after decline: %d", e.Active())
	}
}

func TestDisconnectClosesPeer(t *testing.T) {
	e := NewEngine(DefaultConfig())
	r := e.Open("chat")
	e.CalleeAnswered(r, true, false)

	caller, callee := &fakeConn{}, &fakeConn{}
	e.Pair(r.CallerToken[:], caller)
	e.Pair(r.CalleeToken[:], callee)

	caller.Close()
	e.ConnClosed(caller)

	if !callee.Closed() {
		t.Error("peer connection not closed on disconnect")
	}
	if r.State() != Closed {
		t.Errorf("state = %v, want closed", r.State())
	}
	if e.Active() != 0 {
		t.Errorf("tokens remain: %d", e.Active())
	}
}

func TestPairingTimeout(t *testing.T) {
	e := NewEngine(Config{PairingTimeout: 20 * time.Millisecond, CalleeTimeout: time.Second})
	r := e.Open("chat")
	e.CalleeAnswered(r, true, false)

	only := &fakeConn{}
	e.Pair(r.CallerToken[:], only)

	deadline := time.After(time.Second)
	for r.State() != Closed {
		select {
		case <-deadline:
			t.Fatal("relay not destroyed by pairing timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !only.Closed() {
		t.Error("half-paired connection not closed")
	}
}

func TestDestroyAbandonsSuspendedCaller(t *testing.T) {
	e := NewEngine(DefaultConfig())
	r := e.Open("chat")
	e.Destroy(r, "callee vanished")

	if _, open := <-r.CallerDone(); open {
		t.Error("caller channel delivered an outcome after destroy")
	}
}
