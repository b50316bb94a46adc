// Package client implements the CipherChat client library: dialing the
// relay, the key-exchange handshake, authentication, and the typed send and
// event-stream surface that a UI builds on.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cipherchat/cipherchat/internal/crypto"
	"github.com/cipherchat/cipherchat/internal/protocol"
)

// AuthError reports a rejected login. Remaining is how many further
// attempts the server will accept on this connection.
type AuthError struct {
	Code      string
	Reason    string
	Remaining int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: %s (%d attempts remaining)", e.Reason, e.Remaining)
}

// ErrClosed is returned by operations on a connection that has been closed.
var ErrClosed = errors.New("connection closed")

// EventKind discriminates the entries on the event stream.
type EventKind int

// Event kinds delivered on Client.Events.
const (
	EventText EventKind = iota
	EventPrivate
	EventSystem
	EventUserList
	EventFileOffer
	EventFileAck
	EventFileChunk
	EventFileComplete
	EventError
	EventDisconnect
)

// Event is one item on the client's inbound stream. Which fields are
// meaningful depends on Kind.
type Event struct {
	Kind      EventKind
	Sender    string
	To        string
	Timestamp string

	// Text carries chat text, system notices, and error details.
	Text string
	// Echo marks the delivery confirmation of one's own private message.
	Echo bool
	// Code is the wire error code on EventError.
	Code string
	// User names the subject of a join or leave notice.
	User string

	Users []string

	TransferID string
	Filename   string
	Size       int64
	Accepted   bool
	Seq        uint64
	Data       []byte

	// Clean distinguishes a shutdown this client requested from the
	// server becoming unreachable.
	Clean bool
}

// Client is one live connection to the relay. Sends may come from any
// goroutine; inbound traffic is consumed from the Events channel once Login
// has succeeded.
type Client struct {
	conn   protocol.FrameConn
	cipher *crypto.Cipher

	username string
	events   chan Event

	writeMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	cleanClose  bool
	loopStarted bool

	closeOnce sync.Once
}

// Dial connects to the relay and completes the key exchange. The returned
// client is ready for Login.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	c := &Client{
		conn:   protocol.NewStreamConn(conn, protocol.DefaultMaxFrameSize),
		events: make(chan Event, 64),
	}
	if err := c.handshake(timeout); err != nil {
		_ = c.conn.Close()
		return nil, err
	}
	return c, nil
}

// handshake performs the client side of the key exchange: receive the
// server's public key, wrap a fresh session secret under it, derive the
// session key.
func (c *Client) handshake(timeout time.Duration) error {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	}

	env, err := c.conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("await server key: %w", err)
	}
	if env.Type != protocol.TypeServerKey {
		return fmt.Errorf("handshake: expected %s, got %s", protocol.TypeServerKey, env.Type)
	}
	var keyBody protocol.ServerKeyBody
	if err := protocol.DecodeBody(env.Payload, &keyBody); err != nil {
		return err
	}
	pub, err := crypto.ParsePublicKey(keyBody.PublicKeyPEM)
	if err != nil {
		return err
	}

	secret, err := crypto.NewSessionSecret()
	if err != nil {
		return err
	}
	wrapped, err := crypto.WrapSecret(pub, secret)
	if err != nil {
		return err
	}
	payload, err := protocol.EncodeBody(protocol.SessionKeyBody{Wrapped: wrapped})
	if err != nil {
		return err
	}
	if err := c.writeFrame(&protocol.Envelope{Type: protocol.TypeSessionKey, Payload: payload}); err != nil {
		return err
	}

	sessionKey, err := crypto.DeriveSessionKey(secret)
	if err != nil {
		return err
	}
	c.cipher, err = crypto.NewCipher(sessionKey)
	return err
}

// Login claims a username. On rejection it returns an *AuthError and the
// connection stays usable for another attempt until the server's retry
// budget runs out. The first success starts the event stream.
func (c *Client) Login(username string) error {
	if err := c.send(protocol.TypeAuthRequest, "", protocol.AuthRequestBody{Username: username}); err != nil {
		return err
	}

	for {
		env, err := c.conn.ReadFrame()
		if err != nil {
			if protocol.IsFrameError(err) {
				continue
			}
			return fmt.Errorf("await auth response: %w", err)
		}

		switch env.Type {
		case protocol.TypeAuthAccept:
			var body protocol.AuthAcceptBody
			if err := c.openBody(env, &body); err != nil {
				return err
			}
			c.username = body.Username
			c.startEventLoop()
			c.events <- Event{Kind: EventUserList, Users: body.Users, Timestamp: env.Timestamp}
			return nil
		case protocol.TypeAuthReject:
			var body protocol.AuthRejectBody
			if err := c.openBody(env, &body); err != nil {
				return err
			}
			return &AuthError{Code: body.Code, Reason: body.Reason, Remaining: body.Remaining}
		case protocol.TypeError:
			var body protocol.ErrorBody
			if err := c.openBody(env, &body); err != nil {
				return err
			}
			return fmt.Errorf("login: %s: %s", body.Code, body.Detail)
		default:
			// Roster pushes and notices can race ahead of our auth
			// response when another user joins; drop them, the
			// accept carries a fresh roster anyway.
			continue
		}
	}
}

// Username returns the name accepted at login.
func (c *Client) Username() string { return c.username }

// Events is the inbound stream: chat, presence, transfers, errors, and
// finally exactly one EventDisconnect.
func (c *Client) Events() <-chan Event { return c.events }

// SendText broadcasts a public message. The relay echoes it back, so the
// caller should render the echo, not the outgoing text.
func (c *Client) SendText(text string) error {
	return c.send(protocol.TypeText, "", protocol.TextBody{Text: text})
}

// SendPrivate delivers a direct message to one user.
func (c *Client) SendPrivate(to, text string) error {
	return c.send(protocol.TypePrivate, to, protocol.PrivateBody{Text: text})
}

// RequestUserList asks for a fresh roster snapshot.
func (c *Client) RequestUserList() error {
	return c.send(protocol.TypeUserList, "", protocol.UserListBody{})
}

// OfferFile proposes a transfer and returns its id. Chunks may be sent only
// after the recipient's accepting file_ack arrives on the event stream.
func (c *Client) OfferFile(to, filename string, size int64) (string, error) {
	id := uuid.NewString()
	err := c.send(protocol.TypeFileOffer, to, protocol.FileOfferBody{
		TransferID: id,
		Filename:   filename,
		Size:       size,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// AcceptOffer answers a received file offer positively.
func (c *Client) AcceptOffer(transferID string) error {
	return c.send(protocol.TypeFileAck, "", protocol.FileAckBody{TransferID: transferID, Accepted: true})
}

// RejectOffer declines a received file offer.
func (c *Client) RejectOffer(transferID string) error {
	return c.send(protocol.TypeFileAck, "", protocol.FileAckBody{TransferID: transferID, Accepted: false})
}

// SendChunk relays one slice of file data. Sequence numbers start at zero
// and must be contiguous.
func (c *Client) SendChunk(transferID string, seq uint64, data []byte) error {
	return c.send(protocol.TypeFileChunk, "", protocol.FileChunkBody{TransferID: transferID, Seq: seq, Data: data})
}

// CompleteTransfer marks all chunks as sent.
func (c *Client) CompleteTransfer(transferID string) error {
	return c.send(protocol.TypeFileComplete, "", protocol.FileCompleteBody{TransferID: transferID})
}

// Disconnect announces an orderly exit and closes the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.cleanClose = true
	c.mu.Unlock()

	_ = c.send(protocol.TypeDisconnect, "", protocol.DisconnectBody{Reason: "quit"})
	return c.Close()
}

// Close tears the connection down without the disconnect courtesy frame.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		loopStarted := c.loopStarted
		c.mu.Unlock()
		_ = c.conn.Close()
		if !loopStarted {
			close(c.events)
		}
	})
	return nil
}

func (c *Client) send(t protocol.MessageType, to string, body any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	plaintext, err := protocol.EncodeBody(body)
	if err != nil {
		return err
	}

	var env *protocol.Envelope
	if c.cipher != nil && t != protocol.TypeSessionKey {
		nonce, ciphertext, err := c.cipher.Seal(plaintext)
		if err != nil {
			return err
		}
		env = &protocol.Envelope{
			Type:   t,
			Sender: c.username,
			To:     to,
			Enc:    &protocol.EncryptedPayload{Nonce: nonce, Ciphertext: ciphertext},
		}
	} else {
		env = &protocol.Envelope{Type: t, Sender: c.username, To: to, Payload: plaintext}
	}
	return c.writeFrame(env)
}

func (c *Client) writeFrame(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteFrame(env)
}

func (c *Client) openBody(env *protocol.Envelope, body any) error {
	if env.Enc == nil {
		return &protocol.FrameError{Reason: "missing encrypted payload"}
	}
	plaintext, err := c.cipher.Open(env.Enc.Nonce, env.Enc.Ciphertext)
	if err != nil {
		return err
	}
	return protocol.DecodeBody(plaintext, body)
}

func (c *Client) startEventLoop() {
	c.mu.Lock()
	if c.loopStarted {
		c.mu.Unlock()
		return
	}
	c.loopStarted = true
	c.mu.Unlock()

	go c.eventLoop()
}

// eventLoop turns inbound frames into events until the connection ends,
// then emits one terminal EventDisconnect and closes the stream.
func (c *Client) eventLoop() {
	defer close(c.events)

	for {
		env, err := c.conn.ReadFrame()
		if err != nil {
			if protocol.IsFrameError(err) {
				continue
			}
			c.mu.Lock()
			clean := c.cleanClose
			c.mu.Unlock()
			c.events <- Event{Kind: EventDisconnect, Clean: clean}
			_ = c.Close()
			return
		}

		event, ok := c.decodeEvent(env)
		if !ok {
			continue
		}
		c.events <- event
	}
}

func (c *Client) decodeEvent(env *protocol.Envelope) (Event, bool) {
	event := Event{Sender: env.Sender, To: env.To, Timestamp: env.Timestamp}

	switch env.Type {
	case protocol.TypeText:
		var body protocol.TextBody
		if err := c.openBody(env, &body); err != nil {
			return event, false
		}
		event.Kind = EventText
		event.Text = body.Text
	case protocol.TypePrivate:
		var body protocol.PrivateBody
		if err := c.openBody(env, &body); err != nil {
			return event, false
		}
		event.Kind = EventPrivate
		event.Text = body.Text
		event.Echo = body.Echo
	case protocol.TypeSystem:
		var body protocol.SystemBody
		if err := c.openBody(env, &body); err != nil {
			return event, false
		}
		event.Kind = EventSystem
		event.Text = body.Text
		event.User = body.User
	case protocol.TypeUserList:
		var body protocol.UserListBody
		if err := c.openBody(env, &body); err != nil {
			return event, false
		}
		event.Kind = EventUserList
		event.Users = body.Users
	case protocol.TypeFileOffer:
		var body protocol.FileOfferBody
		if err := c.openBody(env, &body); err != nil {
			return event, false
		}
		event.Kind = EventFileOffer
		event.TransferID = body.TransferID
		event.Filename = body.Filename
		event.Size = body.Size
	case protocol.TypeFileAck:
		var body protocol.FileAckBody
		if err := c.openBody(env, &body); err != nil {
			return event, false
		}
		event.Kind = EventFileAck
		event.TransferID = body.TransferID
		event.Accepted = body.Accepted
	case protocol.TypeFileChunk:
		var body protocol.FileChunkBody
		if err := c.openBody(env, &body); err != nil {
			return event, false
		}
		event.Kind = EventFileChunk
		event.TransferID = body.TransferID
		event.Seq = body.Seq
		event.Data = body.Data
	case protocol.TypeFileComplete:
		var body protocol.FileCompleteBody
		if err := c.openBody(env, &body); err != nil {
			return event, false
		}
		event.Kind = EventFileComplete
		event.TransferID = body.TransferID
	case protocol.TypeError:
		var body protocol.ErrorBody
		if err := c.openBody(env, &body); err != nil {
			return event, false
		}
		event.Kind = EventError
		event.Code = body.Code
		event.Text = body.Detail
	default:
		return event, false
	}

	return event, true
}
