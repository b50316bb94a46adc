package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultMaxFrameSize bounds a single frame on the wire. File chunks are
// base64-encoded inside the encrypted body, so this must comfortably exceed
// the chunk size used by clients.
const DefaultMaxFrameSize = 1 << 20

// FrameError reports a malformed or oversized frame. It is recoverable: the
// offending line has been consumed and decoding may continue with the next
// one. The caller decides whether repeated frame errors are fatal.
type FrameError struct {
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame: %s: %v", e.Reason, e.Err)
	}
	return "frame: " + e.Reason
}

func (e *FrameError) Unwrap() error { return e.Err }

// IsFrameError reports whether err is a recoverable framing error.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

// Marshal serializes an envelope into a single delimited frame.
func Marshal(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}
	return append(data, '\n'), nil
}

// Unmarshal parses one frame (with or without its trailing delimiter).
// Malformed input yields a FrameError.
func Unmarshal(line []byte) (*Envelope, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, &FrameError{Reason: "empty frame"}
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &FrameError{Reason: "invalid JSON", Err: err}
	}
	if env.Type == "" {
		return nil, &FrameError{Reason: "missing type field"}
	}
	return &env, nil
}

// Decoder turns a byte stream into a sequence of envelopes. It buffers
// partial frames across reads, so a frame may span any number of reads and a
// single read may complete several frames.
type Decoder struct {
	br  *bufio.Reader
	max int
}

// NewDecoder wraps r with a streaming frame decoder. maxFrameSize <= 0
// selects DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{br: bufio.NewReaderSize(r, 4096), max: maxFrameSize}
}

// Decode blocks until one full frame is available and returns it. A
// FrameError means the bad line was discarded and Decode may be called
// again; any other error is an I/O condition and terminates the stream.
func (d *Decoder) Decode() (*Envelope, error) {
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}
	return Unmarshal(line)
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.br.ReadSlice('\n')
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			if len(buf) > d.max {
				return nil, &FrameError{Reason: fmt.Sprintf("frame exceeds %d bytes", d.max)}
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(buf) > d.max {
				// Drain the rest of the oversized line so the next
				// Decode starts at a frame boundary.
				if derr := d.discardLine(); derr != nil {
					return nil, derr
				}
				return nil, &FrameError{Reason: fmt.Sprintf("frame exceeds %d bytes", d.max)}
			}
		case errors.Is(err, io.EOF):
			if len(buf) > 0 {
				return nil, &FrameError{Reason: "truncated frame", Err: io.ErrUnexpectedEOF}
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

func (d *Decoder) discardLine() error {
	for {
		_, err := d.br.ReadSlice('\n')
		switch {
		case err == nil:
			return nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return err
		}
	}
}

// Encoder writes envelopes as delimited frames.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing frames to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame.
func (e *Encoder) Encode(env *Envelope) error {
	frame, err := Marshal(env)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// FrameConn is a transport delivering whole envelopes in both directions.
// The TCP listener and the WebSocket bridge each provide an implementation,
// so everything above the transport is shared.
type FrameConn interface {
	ReadFrame() (*Envelope, error)
	WriteFrame(*Envelope) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

type streamConn struct {
	conn net.Conn
	dec  *Decoder
	enc  *Encoder
}

// NewStreamConn adapts a byte-stream connection (TCP) into a FrameConn using
// the newline-delimited codec.
func NewStreamConn(conn net.Conn, maxFrameSize int) FrameConn {
	return &streamConn{
		conn: conn,
		dec:  NewDecoder(conn, maxFrameSize),
		enc:  NewEncoder(conn),
	}
}

func (c *streamConn) ReadFrame() (*Envelope, error) { return c.dec.Decode() }

func (c *streamConn) WriteFrame(env *Envelope) error { return c.enc.Encode(env) }

func (c *streamConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *streamConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *streamConn) Close() error { return c.conn.Close() }

// EncodeBody marshals a typed payload body for encryption or for plaintext
// handshake payloads.
func EncodeBody(body any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return data, nil
}

// DecodeBody unmarshals a payload body into the given typed struct.
func DecodeBody(data []byte, body any) error {
	if err := json.Unmarshal(data, body); err != nil {
		return &FrameError{Reason: "invalid body", Err: err}
	}
	return nil
}
