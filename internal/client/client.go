// Package client is a minimal protocol client: it dials one endpoint,
// runs the conversation handshake, and exchanges request/response pairs.
// The replication worker uses it to reach follower servers; tests use it
// to drive a full server end to end.
package client

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/wire"
)

var (
	ErrBadStatus       = errors.New("request failed")
	ErrServerSignature = errors.New("server challenge signature invalid")
)

// Client is one connection to a server endpoint. Not safe for concurrent
// use; the protocol within a session is sequential anyway.
type Client struct {
	conn net.Conn
	priv ed25519.PrivateKey

	nextID uint32

	// Populated by Start.
	ServerPublicKey []byte
	ServerChallenge []byte
}

// Dial opens a plaintext connection. ctx bounds the dial only.
func Dial(ctx context.Context, addr string, priv ed25519.PrivateKey) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, priv), nil
}

// DialTLS opens a TLS connection.
func DialTLS(ctx context.Context, addr string, priv ed25519.PrivateKey, tlsCfg *tls.Config) (*Client, error) {
	d := &tls.Dialer{Config: tlsCfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, priv), nil
}

// New wraps an existing connection, which tests create from net.Pipe.
func New(conn net.Conn, priv ed25519.PrivateKey) *Client {
	return &Client{conn: conn, priv: priv, nextID: 1}
}

// Close shuts the connection.
func (c *Client) Close() error { return c.conn.Close() }

// NetConn exposes the underlying connection for deadline control.
func (c *Client) NetConn() net.Conn { return c.conn }

// PublicKey returns the client identity's public key.
func (c *Client) PublicKey() []byte {
	return []byte(c.priv.Public().(ed25519.PublicKey))
}

// IdentityID returns the client identity's network id.
func (c *Client) IdentityID() []byte { return identity.ID(c.PublicKey()) }

// Sign signs arbitrary data with the client identity's key, used for
// contracts and relationship cards.
func (c *Client) Sign(data []byte) []byte { return ed25519.Sign(c.priv, data) }

// Send writes one request and returns its message id without waiting.
func (c *Client) Send(req *wire.Request) (uint32, error) {
	id := c.nextID
	c.nextID++
	if err := wire.WriteMessage(c.conn, &wire.Message{ID: id, Request: req}); err != nil {
		return 0, err
	}
	return id, nil
}

// ReadMessage reads the next message, response or server-initiated request.
func (c *Client) ReadMessage() (*wire.Message, error) {
	return wire.ReadMessage(c.conn)
}

// Respond answers a server-initiated request.
func (c *Client) Respond(id uint32, resp *wire.Response) error {
	return wire.WriteMessage(c.conn, &wire.Message{ID: id, Response: resp})
}

// Call sends a request and waits for its response, failing on any
// interleaved server-initiated request (callers expecting those use
// Send/ReadMessage directly).
func (c *Client) Call(req *wire.Request) (*wire.Response, error) {
	id, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	m, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	if m.Response == nil || m.ID != id {
		return nil, fmt.Errorf("unexpected message %d while awaiting response %d", m.ID, id)
	}
	return m.Response, nil
}

// CallOK is Call plus a status check.
func (c *Client) CallOK(req *wire.Request) (*wire.Response, error) {
	resp, err := c.Call(req)
	if err != nil {
		return nil, err
	}
	if resp.Status != wire.StatusOk {
		return resp, fmt.Errorf("%w: %s %s", ErrBadStatus, resp.Status, resp.Details)
	}
	return resp, nil
}

// Start runs StartConversation: offers the protocol version, sends a fresh
// client challenge, and verifies the server signed it.
func (c *Client) Start() error {
	challenge, err := identity.NewChallenge()
	if err != nil {
		return err
	}
	resp, err := c.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		Start: &wire.StartConversationRequest{
			SupportedVersions: [][]byte{wire.ProtocolVersion.Bytes()},
			PublicKey:         c.PublicKey(),
			ClientChallenge:   challenge,
		},
	}})
	if err != nil {
		return err
	}
	conv := resp.Conversation
	if conv == nil || conv.Start == nil {
		return errors.New("start response missing payload")
	}
	if !identity.Verify(conv.Start.PublicKey, challenge, conv.Signature) {
		return ErrServerSignature
	}
	c.ServerPublicKey = conv.Start.PublicKey
	c.ServerChallenge = conv.Start.Challenge
	return nil
}

// signChallenge signs the server challenge for VerifyIdentity/CheckIn.
func (c *Client) signChallenge() []byte {
	return ed25519.Sign(c.priv, c.ServerChallenge)
}

// VerifyIdentity proves key ownership, advancing the conversation to
// verified.
func (c *Client) VerifyIdentity() error {
	_, err := c.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		Signature:      c.signChallenge(),
		VerifyIdentity: &wire.VerifyIdentityRequest{Challenge: c.ServerChallenge},
	}})
	return err
}

// CheckIn authenticates as a hosted identity.
func (c *Client) CheckIn() error {
	_, err := c.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		Signature: c.signChallenge(),
		CheckIn:   &wire.CheckInRequest{Challenge: c.ServerChallenge},
	}})
	return err
}
