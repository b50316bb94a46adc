// Package protocol defines the wire format spoken between the CipherChat
// server and its clients: a stream of newline-delimited JSON envelopes, with
// typed payload bodies that are AES-GCM encrypted once a session key has been
// established.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of a protocol envelope.
type MessageType string

// Handshake frames travel with a plaintext payload; every other type carries
// its body inside the Enc blob once the session is established.
const (
	TypeServerKey  MessageType = "server_key"
	TypeSessionKey MessageType = "session_key"

	TypeAuthRequest  MessageType = "auth_request"
	TypeAuthAccept   MessageType = "auth_accept"
	TypeAuthReject   MessageType = "auth_reject"
	TypeText         MessageType = "text"
	TypePrivate      MessageType = "private"
	TypeUserList     MessageType = "user_list"
	TypeSystem       MessageType = "system"
	TypeFileOffer    MessageType = "file_offer"
	TypeFileChunk    MessageType = "file_chunk"
	TypeFileAck      MessageType = "file_ack"
	TypeFileComplete MessageType = "file_complete"
	TypeError        MessageType = "error"
	TypeDisconnect   MessageType = "disconnect"
)

// Error codes carried in ErrorBody.Code.
const (
	CodeNameTaken         = "NAME_TAKEN"
	CodeInvalidName       = "INVALID_NAME"
	CodeUserNotFound      = "USER_NOT_FOUND"
	CodeTransferBroken    = "TRANSFER_BROKEN"
	CodeProtocolViolation = "PROTOCOL_VIOLATION"
	CodeHandshakeRequired = "HANDSHAKE_REQUIRED"
	CodeAuthRequired      = "AUTH_REQUIRED"
)

// EncryptedPayload is the transport form of an encrypted message body: a
// fresh per-message nonce and the ciphertext (authentication tag included).
type EncryptedPayload struct {
	Nonce      []byte `json:"n"`
	Ciphertext []byte `json:"c"`
}

// Envelope is one frame on the wire. Sender, To and Timestamp stay in
// plaintext so the server can route and stamp without touching the body.
// Exactly one of Payload (handshake) or Enc (established session) is set.
type Envelope struct {
	Type      MessageType       `json:"type"`
	Sender    string            `json:"sender,omitempty"`
	To        string            `json:"to,omitempty"`
	Timestamp string            `json:"ts,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Enc       *EncryptedPayload `json:"enc,omitempty"`
}

// Stamp sets the server-assigned timestamp. Clients never set this field;
// whatever they send is overwritten so all recipients see one clock.
func (e *Envelope) Stamp(now time.Time) {
	e.Timestamp = now.UTC().Format(time.RFC3339)
}

// ServerKeyBody announces the server's long-lived RSA public key.
type ServerKeyBody struct {
	PublicKeyPEM string `json:"server_pub_pem"`
}

// SessionKeyBody carries the client's session secret wrapped with the
// server's public key.
type SessionKeyBody struct {
	Wrapped []byte `json:"wrapped"`
}

// AuthRequestBody asks the server to bind a username to this session.
type AuthRequestBody struct {
	Username string `json:"username"`
}

// AuthAcceptBody confirms registration and seeds the client's roster.
type AuthAcceptBody struct {
	Username string   `json:"username"`
	Users    []string `json:"users"`
}

// AuthRejectBody reports why registration failed. Remaining counts down the
// retries the server will still accept before closing the connection.
type AuthRejectBody struct {
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Remaining int    `json:"remaining"`
}

// TextBody is a public chat message, fanned out to every session.
type TextBody struct {
	Text string `json:"text"`
}

// PrivateBody is a direct message. Echo is set on the copy relayed back to
// the sender as its delivery confirmation.
type PrivateBody struct {
	Text string `json:"text"`
	Echo bool   `json:"echo,omitempty"`
}

// UserListBody is the full roster snapshot pushed on every presence change.
type UserListBody struct {
	Users []string `json:"users"`
}

// SystemBody is a human-readable notice. Event is "join" or "leave" on
// presence notices so clients can react without parsing the text.
type SystemBody struct {
	Text  string `json:"text"`
	Event string `json:"event,omitempty"`
	User  string `json:"user,omitempty"`
}

// FileOfferBody proposes a chunked file transfer to one recipient.
type FileOfferBody struct {
	TransferID string `json:"transfer_id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
}

// FileAckBody is the recipient's answer to an offer.
type FileAckBody struct {
	TransferID string `json:"transfer_id"`
	Accepted   bool   `json:"accepted"`
}

// FileChunkBody carries one slice of file data. Seq starts at zero and must
// be contiguous; the relay enforces this, it never reassembles.
type FileChunkBody struct {
	TransferID string `json:"transfer_id"`
	Seq        uint64 `json:"seq"`
	Data       []byte `json:"data"`
}

// FileCompleteBody marks the final chunk as sent.
type FileCompleteBody struct {
	TransferID string `json:"transfer_id"`
}

// ErrorBody reports a protocol-level failure to one or both parties.
type ErrorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// DisconnectBody announces an orderly client exit.
type DisconnectBody struct {
	Reason string `json:"reason,omitempty"`
}
