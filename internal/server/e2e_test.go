package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/profnet/profiled/internal/client"
	"github.com/profnet/profiled/internal/config"
	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/imagestore"
	"github.com/profnet/profiled/internal/neighborhood"
	"github.com/profnet/profiled/internal/session"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/wire"
)

// testServer is a fully assembled server on ephemeral ports with the
// in-memory store.
type testServer struct {
	srv *Server
	st  *store.Memory
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Network.PrimaryPort = 0
	cfg.Network.ServerNeighborPort = 0
	cfg.Network.ClientNonCustomerPort = 0
	cfg.Network.ClientCustomerPort = 0
	cfg.Network.ClientAppServicePort = 0
	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewMemory()
	images, err := imagestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("imagestore: %v", err)
	}
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("server key: %v", err)
	}

	srv := New(cfg, Deps{Store: st, Images: images, Key: key})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return &testServer{srv: srv, st: st}
}

func (ts *testServer) dial(t *testing.T, role session.Role, key ed25519.PrivateKey) *client.Client {
	t.Helper()
	addr := ts.srv.Addr(role)
	if addr == nil {
		t.Fatalf("no listener for role %v", role)
	}
	c, err := client.Dial(context.Background(), addr.String(), key)
	if err != nil {
		t.Fatalf("dial %v: %v", role, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

// signedContract builds a valid hosting contract for key.
func signedContract(t *testing.T, key ed25519.PrivateKey, identityType string) *wire.HostingContract {
	t.Helper()
	contract := &wire.HostingContract{
		IdentityPublicKey: []byte(key.Public().(ed25519.PublicKey)),
		IdentityType:      identityType,
		StartTime:         time.Now().Unix(),
	}
	raw, err := wire.MarshalValue(contract)
	if err != nil {
		t.Fatalf("serialize contract: %v", err)
	}
	contract.Signature = ed25519.Sign(key, raw)
	return contract
}

// registerAndCheckIn runs the full hosting flow for key and returns the
// authenticated customer connection.
func registerAndCheckIn(t *testing.T, ts *testServer, key ed25519.PrivateKey) *client.Client {
	t.Helper()
	reg := ts.dial(t, session.RoleClientNonCustomer, key)
	if err := reg.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := reg.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		RegisterHosting: &wire.RegisterHostingRequest{Contract: signedContract(t, key, "individual")},
	}})
	if err != nil {
		t.Fatalf("register hosting: %v", err)
	}
	reg.Close()

	cust := ts.dial(t, session.RoleClientCustomer, key)
	if err := cust.Start(); err != nil {
		t.Fatalf("customer start: %v", err)
	}
	if err := cust.CheckIn(); err != nil {
		t.Fatalf("check in: %v", err)
	}
	return cust
}

func updateProfile(t *testing.T, c *client.Client, name string, lat, lon float64) {
	t.Helper()
	_, err := c.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		UpdateProfile: &wire.UpdateProfileRequest{
			SetVersion: true, SetName: true, SetLocation: true,
			Version: wire.ProtocolVersion.Bytes(),
			Name:    name, Latitude: lat, Longitude: lon,
		},
	}})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
}

// Scenario: hosting + check-in + update + lookup.
func TestHostingCheckInUpdate(t *testing.T) {
	ts := newTestServer(t, nil)
	key := newKey(t)

	cust := registerAndCheckIn(t, ts, key)
	updateProfile(t, cust, "Alice", 50.0, 14.4)

	// Lookup from a fresh non-customer connection, no conversation.
	look := ts.dial(t, session.RoleClientNonCustomer, newKey(t))
	resp, err := look.CallOK(&wire.Request{Single: &wire.SingleRequest{
		Version: wire.ProtocolVersion.Bytes(),
		GetIdentityInformation: &wire.GetIdentityInformationRequest{
			IdentityID: identity.ID([]byte(key.Public().(ed25519.PublicKey))),
		},
	}})
	if err != nil {
		t.Fatalf("get identity information: %v", err)
	}
	info := resp.Single.GetIdentityInformation
	if info.Name != "Alice" {
		t.Errorf("name = %q, want Alice", info.Name)
	}
	if !info.IsOnline {
		t.Error("checked-in identity not reported online")
	}
	if info.Latitude != 50.0 || info.Longitude != 14.4 {
		t.Errorf("location = (%v, %v)", info.Latitude, info.Longitude)
	}
}

func TestRegisterHostingDuplicateAndQuota(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.MaxHostedIdentities = 1
	})
	key := newKey(t)

	c := ts.dial(t, session.RoleClientNonCustomer, key)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	contract := signedContract(t, key, "individual")
	if _, err := c.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		RegisterHosting: &wire.RegisterHostingRequest{Contract: contract},
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := c.Call(&wire.Request{Conversation: &wire.ConversationRequest{
		RegisterHosting: &wire.RegisterHostingRequest{Contract: contract},
	}})
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if resp.Status != wire.StatusAlreadyExists {
		t.Errorf("duplicate register status = %v, want already-exists", resp.Status)
	}

	// A different identity hits the capacity limit.
	other := ts.dial(t, session.RoleClientNonCustomer, newKey(t))
	if err := other.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err = other.Call(&wire.Request{Conversation: &wire.ConversationRequest{
		RegisterHosting: &wire.RegisterHostingRequest{Contract: signedContractFor(t, other)},
	}})
	if err != nil {
		t.Fatalf("register over quota: %v", err)
	}
	if resp.Status != wire.StatusQuotaExceeded {
		t.Errorf("over-quota status = %v, want quota-exceeded", resp.Status)
	}
}

// signedContractFor signs a contract with the client's own key.
func signedContractFor(t *testing.T, c *client.Client) *wire.HostingContract {
	t.Helper()
	contract := &wire.HostingContract{
		IdentityPublicKey: c.PublicKey(),
		IdentityType:      "individual",
		StartTime:         time.Now().Unix(),
	}
	raw, err := wire.MarshalValue(contract)
	if err != nil {
		t.Fatalf("serialize contract: %v", err)
	}
	contract.Signature = c.Sign(raw)
	return contract
}

// Scenario: full call flow over the relay, plus the double-token abuse.
func TestCallFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	// Callee K2: hosted, checked in, advertising "chat".
	calleeKey := newKey(t)
	callee := registerAndCheckIn(t, ts, calleeKey)
	updateProfile(t, callee, "Bob", 1, 1)
	if _, err := callee.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		AppServiceAdd: &wire.ApplicationServiceAddRequest{ServiceNames: []string{"chat"}},
	}}); err != nil {
		t.Fatalf("app service add: %v", err)
	}

	// Caller K3: verified on the non-customer port.
	callerKey := newKey(t)
	caller := ts.dial(t, session.RoleClientNonCustomer, callerKey)
	if err := caller.Start(); err != nil {
		t.Fatalf("caller start: %v", err)
	}
	if err := caller.VerifyIdentity(); err != nil {
		t.Fatalf("caller verify: %v", err)
	}

	// The callee answers the incoming-call notification in the
	// background while the caller suspends on its request.
	calleeTokenCh := make(chan []byte, 1)
	go func() {
		m, err := callee.ReadMessage()
		if err != nil || m.Request == nil || m.Request.Conversation == nil {
			calleeTokenCh <- nil
			return
		}
		incoming := m.Request.Conversation.IncomingCall
		if incoming == nil || incoming.ServiceName != "chat" {
			calleeTokenCh <- nil
			return
		}
		if !bytes.Equal(incoming.CallerPublicKey, []byte(callerKey.Public().(ed25519.PublicKey))) {
			calleeTokenCh <- nil
			return
		}
		callee.Respond(m.ID, &wire.Response{
			Status:       wire.StatusOk,
			Conversation: &wire.ConversationResponse{IncomingCall: &wire.IncomingCallResponse{}},
		})
		calleeTokenCh <- incoming.CalleeToken
	}()

	resp, err := caller.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		CallIdentity: &wire.CallIdentityAppServiceRequest{
			IdentityID:  identity.ID([]byte(calleeKey.Public().(ed25519.PublicKey))),
			ServiceName: "chat",
		},
	}})
	if err != nil {
		t.Fatalf("call identity: %v", err)
	}
	callerToken := resp.Conversation.CallIdentity.CallerToken
	calleeToken := <-calleeTokenCh
	if calleeToken == nil {
		t.Fatal("callee did not receive a valid incoming-call notification")
	}

	// Both sides open fresh app-service connections and pair by token.
	callerApp := ts.dial(t, session.RoleClientAppService, callerKey)
	calleeApp := ts.dial(t, session.RoleClientAppService, calleeKey)
	appInit := func(c *client.Client, token []byte) {
		t.Helper()
		if _, err := c.CallOK(&wire.Request{Single: &wire.SingleRequest{
			Version:               wire.ProtocolVersion.Bytes(),
			AppServiceSendMessage: &wire.AppServiceSendMessageRequest{Token: token},
		}}); err != nil {
			t.Fatalf("app service init: %v", err)
		}
	}
	appInit(callerApp, callerToken)
	appInit(calleeApp, calleeToken)

	// Caller sends "hello"; the callee acks the delivery notification;
	// the caller's send completes.
	sendDone := make(chan error, 1)
	go func() {
		_, err := callerApp.CallOK(&wire.Request{Single: &wire.SingleRequest{
			Version:               wire.ProtocolVersion.Bytes(),
			AppServiceSendMessage: &wire.AppServiceSendMessageRequest{Token: callerToken, Message: []byte("hello")},
		}})
		sendDone <- err
	}()

	m, err := calleeApp.ReadMessage()
	if err != nil {
		t.Fatalf("callee receive: %v", err)
	}
	recv := m.Request.Single.AppServiceReceiveMessage
	if recv == nil || string(recv.Message) != "hello" {
		t.Fatalf("callee got %+v, want hello", m.Request)
	}
	calleeApp.Respond(m.ID, &wire.Response{
		Status: wire.StatusOk,
		Single: &wire.SingleResponse{
			Version:                  wire.ProtocolVersion.Bytes(),
			AppServiceReceiveMessage: &wire.AppServiceReceiveMessageResponse{},
		},
	})
	if err := <-sendDone; err != nil {
		t.Fatalf("caller send: %v", err)
	}

	// Abuse: the caller's app-service connection presenting the callee's
	// token gets NotFound and is force-disconnected.
	resp, err = callerApp.Call(&wire.Request{Single: &wire.SingleRequest{
		Version:               wire.ProtocolVersion.Bytes(),
		AppServiceSendMessage: &wire.AppServiceSendMessageRequest{Token: calleeToken, Message: []byte("stolen")},
	}})
	if err != nil {
		t.Fatalf("abuse call: %v", err)
	}
	if resp.Status != wire.StatusNotFound {
		t.Errorf("peer-token status = %v, want not-found", resp.Status)
	}
	if _, err := callerApp.ReadMessage(); err == nil {
		t.Error("caller app-service connection still open after abuse")
	}
}

// Scenario: a second connection presenting an already-paired token.
func TestDoubleTokenRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	calleeKey := newKey(t)
	callee := registerAndCheckIn(t, ts, calleeKey)
	updateProfile(t, callee, "Carol", 2, 2)
	if _, err := callee.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		AppServiceAdd: &wire.ApplicationServiceAddRequest{ServiceNames: []string{"chat"}},
	}}); err != nil {
		t.Fatalf("app service add: %v", err)
	}

	callerKey := newKey(t)
	caller := ts.dial(t, session.RoleClientNonCustomer, callerKey)
	if err := caller.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := caller.VerifyIdentity(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tokenCh := make(chan []byte, 1)
	go func() {
		m, err := callee.ReadMessage()
		if err != nil {
			tokenCh <- nil
			return
		}
		callee.Respond(m.ID, &wire.Response{
			Status:       wire.StatusOk,
			Conversation: &wire.ConversationResponse{IncomingCall: &wire.IncomingCallResponse{}},
		})
		tokenCh <- m.Request.Conversation.IncomingCall.CalleeToken
	}()
	if _, err := caller.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		CallIdentity: &wire.CallIdentityAppServiceRequest{
			IdentityID:  identity.ID([]byte(calleeKey.Public().(ed25519.PublicKey))),
			ServiceName: "chat",
		},
	}}); err != nil {
		t.Fatalf("call: %v", err)
	}
	calleeToken := <-tokenCh
	if calleeToken == nil {
		t.Fatal("no callee token")
	}

	first := ts.dial(t, session.RoleClientAppService, calleeKey)
	if _, err := first.CallOK(&wire.Request{Single: &wire.SingleRequest{
		Version:               wire.ProtocolVersion.Bytes(),
		AppServiceSendMessage: &wire.AppServiceSendMessageRequest{Token: calleeToken},
	}}); err != nil {
		t.Fatalf("first pairing: %v", err)
	}

	second := ts.dial(t, session.RoleClientAppService, calleeKey)
	resp, err := second.Call(&wire.Request{Single: &wire.SingleRequest{
		Version:               wire.ProtocolVersion.Bytes(),
		AppServiceSendMessage: &wire.AppServiceSendMessageRequest{Token: calleeToken},
	}})
	if err != nil {
		t.Fatalf("second pairing: %v", err)
	}
	if resp.Status != wire.StatusNotFound {
		t.Errorf("second pairing status = %v, want not-found", resp.Status)
	}
	if _, err := second.ReadMessage(); err == nil {
		t.Error("second connection not force-disconnected")
	}
}

// Scenario: search with paging.
func TestSearchAndPaging(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	err := ts.st.InTx(ctx, []store.Lock{store.LockHostedIdentity}, func(tx store.Tx) error {
		for i := 0; i < 500; i++ {
			pub := make([]byte, 32)
			pub[0], pub[1] = byte(i>>8), byte(i)
			h := &store.HostedIdentity{
				IdentityID: identity.ID(pub),
				PublicKey:  pub,
				Version:    []byte{1, 0, 0},
				Name:       "seeded",
				Type:       "person",
				Latitude:   50.0 + float64(i%10)*0.001,
				Longitude:  14.0,
			}
			if err := tx.InsertHosted(ctx, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := ts.dial(t, session.RoleClientNonCustomer, newKey(t))
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := c.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		ProfileSearch: &wire.ProfileSearchRequest{
			Name: "*", Type: "*",
			MaxResponseCount: 100, MaxTotalCount: 500,
			Latitude: 50, Longitude: 14, Radius: 100000,
			IncludeHostedOnly: true,
		},
	}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	sr := resp.Conversation.ProfileSearch
	if len(sr.Profiles) != 100 {
		t.Fatalf("immediate response = %d records, want 100", len(sr.Profiles))
	}
	if sr.TotalRecordCount != 500 {
		t.Fatalf("total = %d, want 500", sr.TotalRecordCount)
	}

	part, err := c.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		ProfileSearchPart: &wire.ProfileSearchPartRequest{RecordIndex: 100, RecordCount: 100},
	}})
	if err != nil {
		t.Fatalf("search part: %v", err)
	}
	page := part.Conversation.ProfileSearchPart
	if len(page.Profiles) != 100 {
		t.Errorf("page = %d records, want 100", len(page.Profiles))
	}
	if bytes.Equal(page.Profiles[0].IdentityID, sr.Profiles[0].IdentityID) {
		t.Error("page overlaps the immediate response")
	}

	bad, err := c.Call(&wire.Request{Conversation: &wire.ConversationRequest{
		ProfileSearchPart: &wire.ProfileSearchPartRequest{RecordIndex: 500, RecordCount: 1},
	}})
	if err != nil {
		t.Fatalf("out-of-range part: %v", err)
	}
	if bad.Status != wire.StatusInvalidValue || bad.Details != "recordIndex" {
		t.Errorf("out-of-range part = %v %q, want invalid-value recordIndex", bad.Status, bad.Details)
	}
}

// Scenario: neighborhood initialization via the subscriber flow.
func TestNeighborhoodInitialization(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	// Seed profiles to snapshot.
	err := ts.st.InTx(ctx, []store.Lock{store.LockHostedIdentity}, func(tx store.Tx) error {
		for i := 0; i < 25; i++ {
			pub := make([]byte, 32)
			pub[0] = byte(i + 1)
			h := &store.HostedIdentity{
				IdentityID: identity.ID(pub),
				PublicKey:  pub,
				Version:    []byte{1, 0, 0},
				Name:       "replicated",
				Type:       "person",
			}
			if err := tx.InsertHosted(ctx, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	followerKey := newKey(t)
	c := ts.dial(t, session.RoleServerNeighbor, followerKey)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.VerifyIdentity(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := c.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		StartNeighborhoodInit: &wire.StartNeighborhoodInitRequest{PrimaryPort: 16987, NeighborPort: 16988},
	}}); err != nil {
		t.Fatalf("start initialization: %v", err)
	}

	// Consume batches and the finish request.
	got := 0
	for {
		m, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("snapshot stream: %v", err)
		}
		conv := m.Request.Conversation
		if conv.SharedProfileUpdate != nil {
			batch := conv.SharedProfileUpdate.Items
			raw, _ := wire.MarshalValue(batch)
			if len(raw) > wire.MaxFrameSize-wire.BatchSafetyMargin {
				t.Errorf("batch of %d bytes exceeds cap", len(raw))
			}
			got += len(batch)
			c.Respond(m.ID, &wire.Response{
				Status:       wire.StatusOk,
				Conversation: &wire.ConversationResponse{SharedProfileUpdate: &wire.SharedProfileUpdateResponse{}},
			})
			continue
		}
		if conv.FinishNeighborhoodInit != nil {
			c.Respond(m.ID, &wire.Response{
				Status:       wire.StatusOk,
				Conversation: &wire.ConversationResponse{FinishNeighborhoodInit: &wire.FinishNeighborhoodInitResponse{}},
			})
			break
		}
		t.Fatalf("unexpected request in stream: %+v", conv)
	}
	if got != 25 {
		t.Errorf("snapshot delivered %d items, want 25", got)
	}

	// The follower row must be marked initialized shortly after the ack.
	followerID := c.IdentityID()
	deadline := time.After(2 * time.Second)
	for {
		var initialized bool
		err := ts.st.InTx(ctx, nil, func(tx store.Tx) error {
			f, err := tx.GetFollower(ctx, followerID)
			if err != nil {
				return err
			}
			initialized = f.Initialized()
			return nil
		})
		if err == nil && initialized {
			break
		}
		select {
		case <-deadline:
			t.Fatal("follower never marked initialized")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Subscribing as a peer replicates the snapshot into our own repository
// through the full client-side flow.
func TestSubscribeAsNeighbor(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	err := ts.st.InTx(ctx, []store.Lock{store.LockHostedIdentity}, func(tx store.Tx) error {
		for i := 0; i < 10; i++ {
			pub := make([]byte, 32)
			pub[0] = byte(i + 1)
			h := &store.HostedIdentity{
				IdentityID: identity.ID(pub),
				PublicKey:  pub,
				Version:    []byte{1, 0, 0},
				Name:       "mirrored",
			}
			if err := tx.InsertHosted(ctx, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The subscriber side: its own store and image directory.
	mine := store.NewMemory()
	images, err := imagestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("imagestore: %v", err)
	}
	applier := neighborhood.NewApplier(mine, images)

	key := newKey(t)
	addr := ts.srv.Addr(session.RoleServerNeighbor).String()
	if err := neighborhood.Subscribe(ctx, applier, key, addr, 16987, 16988); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	neighborID := ts.srv.ServerID()
	err = mine.InTx(ctx, nil, func(tx store.Tx) error {
		n, err := tx.GetNeighbor(ctx, neighborID)
		if err != nil {
			return err
		}
		if !n.Initialized() {
			t.Error("neighbor not marked initialized after subscribe")
		}
		rows, err := tx.SearchNeighborIdentities(ctx, store.SearchQuery{}, 0, 0)
		if err != nil {
			return err
		}
		if len(rows) != 10 {
			t.Errorf("replicated %d identities, want 10", len(rows))
		}
		for _, r := range rows {
			if !bytes.Equal(r.HostingServerID, neighborID) {
				t.Error("replicated row keyed to wrong hosting server")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
}

// Scenario: keepalive sweep closes idle sessions.
func TestKeepAliveSweep(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Network.KeepAliveInterval = 500 * time.Millisecond
	})

	c := ts.dial(t, session.RoleClientNonCustomer, newKey(t))
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Stay idle past the interval plus the sweep granularity.
	c.NetConn().SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.ReadMessage(); err == nil {
		t.Fatal("idle session not closed by the sweeper")
	}
	if _, err := c.Call(&wire.Request{Single: &wire.SingleRequest{
		Version: wire.ProtocolVersion.Bytes(),
		Ping:    &wire.PingRequest{Payload: []byte("late")},
	}}); err == nil {
		t.Error("send on swept session succeeded")
	}
}

func TestRoleAndStatusGates(t *testing.T) {
	ts := newTestServer(t, nil)

	// Profile update without authentication: unauthorized, closed.
	c := ts.dial(t, session.RoleClientCustomer, newKey(t))
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := c.Call(&wire.Request{Conversation: &wire.ConversationRequest{
		UpdateProfile: &wire.UpdateProfileRequest{SetName: true, Name: "sneaky"},
	}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Status != wire.StatusUnauthorized {
		t.Errorf("status = %v, want unauthorized", resp.Status)
	}
	if _, err := c.ReadMessage(); err == nil {
		t.Error("connection stayed open after status violation")
	}

	// Neighborhood op on a client port: bad role, closed.
	c2 := ts.dial(t, session.RoleClientNonCustomer, newKey(t))
	if err := c2.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c2.VerifyIdentity(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	resp, err = c2.Call(&wire.Request{Conversation: &wire.ConversationRequest{
		StartNeighborhoodInit: &wire.StartNeighborhoodInitRequest{PrimaryPort: 1, NeighborPort: 2},
	}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Status != wire.StatusBadRole {
		t.Errorf("status = %v, want bad-role", resp.Status)
	}

	// ListRoles works on the primary port without a conversation.
	p := ts.dial(t, session.RolePrimary, newKey(t))
	lr, err := p.CallOK(&wire.Request{Single: &wire.SingleRequest{
		Version:   wire.ProtocolVersion.Bytes(),
		ListRoles: &wire.ListRolesRequest{},
	}})
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(lr.Single.ListRoles.Roles) != 5 {
		t.Errorf("roles = %d, want 5", len(lr.Single.ListRoles.Roles))
	}
}

func TestPing(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(t, session.RolePrimary, newKey(t))
	resp, err := c.CallOK(&wire.Request{Single: &wire.SingleRequest{
		Version: wire.ProtocolVersion.Bytes(),
		Ping:    &wire.PingRequest{Payload: []byte("echo me")},
	}})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if string(resp.Single.Ping.Payload) != "echo me" {
		t.Errorf("payload = %q", resp.Single.Ping.Payload)
	}
}

func TestUpdateProfileFirstCallRules(t *testing.T) {
	ts := newTestServer(t, nil)
	key := newKey(t)
	cust := registerAndCheckIn(t, ts, key)

	// First update without all three required set-flags.
	resp, err := cust.Call(&wire.Request{Conversation: &wire.ConversationRequest{
		UpdateProfile: &wire.UpdateProfileRequest{SetName: true, Name: "NoVersion"},
	}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Status != wire.StatusInvalidValue || resp.Details != "set*" {
		t.Errorf("first-update rule: %v %q, want invalid-value set*", resp.Status, resp.Details)
	}

	updateProfile(t, cust, "Dora", 10, 20)

	// All set-flags false on an initialized profile is rejected too.
	resp, err = cust.Call(&wire.Request{Conversation: &wire.ConversationRequest{
		UpdateProfile: &wire.UpdateProfileRequest{},
	}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Status != wire.StatusInvalidValue || resp.Details != "set*" {
		t.Errorf("empty update: %v %q, want invalid-value set*", resp.Status, resp.Details)
	}
}

// buildCardRequest issues a relationship card from issuerKey to the
// client's identity and has the client countersign the application.
func buildCardRequest(t *testing.T, c *client.Client, issuerKey ed25519.PrivateKey, appID []byte, cardType string) *wire.AddRelatedIdentityRequest {
	t.Helper()
	now := time.Now()
	card := &wire.RelationshipCard{
		CardVersion:        wire.ProtocolVersion.Bytes(),
		IssuerPublicKey:    []byte(issuerKey.Public().(ed25519.PublicKey)),
		RecipientPublicKey: c.PublicKey(),
		Type:               cardType,
		ValidFrom:          now.Add(-time.Hour).Unix(),
		ValidTo:            now.Add(24 * time.Hour).Unix(),
	}
	raw, err := wire.MarshalValue(card)
	if err != nil {
		t.Fatalf("serialize card: %v", err)
	}
	sum := sha256.Sum256(raw)
	card.CardID = sum[:]
	card.IssuerSignature = ed25519.Sign(issuerKey, card.CardID)

	app := &wire.CardApplication{ApplicationID: appID, CardID: card.CardID}
	appRaw, err := wire.MarshalValue(app)
	if err != nil {
		t.Fatalf("serialize application: %v", err)
	}
	return &wire.AddRelatedIdentityRequest{
		Application:        app,
		Card:               card,
		RecipientSignature: c.Sign(appRaw),
	}
}

func TestRelatedIdentityCards(t *testing.T) {
	ts := newTestServer(t, nil)
	key := newKey(t)
	cust := registerAndCheckIn(t, ts, key)
	updateProfile(t, cust, "Frank", 5, 6)

	issuer := newKey(t)
	appID := bytes.Repeat([]byte{0x31}, 16)
	add := buildCardRequest(t, cust, issuer, appID, "friend")
	if _, err := cust.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		AddRelatedIdentity: add,
	}}); err != nil {
		t.Fatalf("add card: %v", err)
	}

	// Duplicate application id is a conflict.
	resp, err := cust.Call(&wire.Request{Conversation: &wire.ConversationRequest{
		AddRelatedIdentity: buildCardRequest(t, cust, issuer, appID, "friend"),
	}})
	if err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
	if resp.Status != wire.StatusAlreadyExists {
		t.Errorf("duplicate card status = %v, want already-exists", resp.Status)
	}

	// A tampered card id is rejected.
	bad := buildCardRequest(t, cust, issuer, bytes.Repeat([]byte{0x32}, 16), "friend")
	bad.Card.CardID[0] ^= 0xFF
	resp, err = cust.Call(&wire.Request{Conversation: &wire.ConversationRequest{
		AddRelatedIdentity: bad,
	}})
	if err != nil {
		t.Fatalf("tampered add: %v", err)
	}
	if resp.Status != wire.StatusInvalidValue {
		t.Errorf("tampered card status = %v, want invalid-value", resp.Status)
	}

	// Query back, filtered by issuer.
	q := ts.dial(t, session.RoleClientNonCustomer, newKey(t))
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := q.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		GetRelationships: &wire.GetIdentityRelationshipsRequest{
			IdentityID:      cust.IdentityID(),
			IssuerPublicKey: []byte(issuer.Public().(ed25519.PublicKey)),
		},
	}})
	if err != nil {
		t.Fatalf("get relationships: %v", err)
	}
	rels := got.Conversation.GetRelationships.Relations
	if len(rels) != 1 {
		t.Fatalf("relations = %d, want 1", len(rels))
	}
	if rels[0].Card.Type != "friend" || !bytes.Equal(rels[0].Application.ApplicationID, appID) {
		t.Error("returned card does not match what was stored")
	}

	if _, err := cust.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		RemoveRelatedIdentity: &wire.RemoveRelatedIdentityRequest{ApplicationID: appID},
	}}); err != nil {
		t.Fatalf("remove card: %v", err)
	}
}

func TestCancelHostingWithRedirect(t *testing.T) {
	ts := newTestServer(t, nil)
	key := newKey(t)
	cust := registerAndCheckIn(t, ts, key)
	updateProfile(t, cust, "Eve", 3, 4)

	redirect := bytes.Repeat([]byte{0x77}, 32)
	if _, err := cust.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		CancelHosting: &wire.CancelHostingAgreementRequest{Redirect: true, RedirectTargetID: redirect},
	}}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	look := ts.dial(t, session.RoleClientNonCustomer, newKey(t))
	resp, err := look.CallOK(&wire.Request{Single: &wire.SingleRequest{
		Version: wire.ProtocolVersion.Bytes(),
		GetIdentityInformation: &wire.GetIdentityInformationRequest{
			IdentityID: identity.ID([]byte(key.Public().(ed25519.PublicKey))),
		},
	}})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	info := resp.Single.GetIdentityInformation
	if info.IsHosted {
		t.Error("cancelled identity reported as hosted")
	}
	if !info.RedirectKnown || !bytes.Equal(info.RedirectTargetID, redirect) {
		t.Error("redirect target not returned")
	}
}
