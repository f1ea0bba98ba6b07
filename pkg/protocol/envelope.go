package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxBodySize is the maximum allowed envelope body size (1 MB). The
	// header declares the body length before any allocation happens, so
	// bodies above this ceiling are rejected without reading them.
	MaxBodySize = 1024 * 1024

	// ProtocolVersion is the current protocol version. The version byte is
	// carried on every envelope but decoding does not branch on it yet.
	ProtocolVersion = 1

	// HeaderSize is the fixed envelope header size: 1 version byte plus a
	// 4-byte big-endian body length.
	HeaderSize = 5
)

var (
	ErrBodyTooLarge      = errors.New("envelope body exceeds maximum size (1 MB)")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownType       = errors.New("unknown message type")
	ErrSchemaMismatch    = errors.New("message body does not match schema")
)

// Envelope frames one protocol message on the wire.
// Format: [Version (1 byte)][Body length (4 bytes, big-endian)][Body (N bytes)]
type Envelope struct {
	Version uint8
	Message Message
}

// EncodeEnvelope serializes the message body and writes header plus body to w.
func EncodeEnvelope(w io.Writer, env *Envelope) error {
	body, err := MarshalMessage(env.Message)
	if err != nil {
		return err
	}
	if len(body) > MaxBodySize {
		return ErrBodyTooLarge
	}

	var header [HeaderSize]byte
	header[0] = env.Version
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeEnvelope reads exactly one envelope from r. A clean EOF before any
// header byte is returned as io.EOF; a stream that closes mid-envelope is
// reported as ErrMalformedEnvelope.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: short header read: %v", ErrMalformedEnvelope, err)
	}

	version := header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: short body read (want %d bytes): %v", ErrMalformedEnvelope, length, err)
	}

	msg, err := UnmarshalMessage(body)
	if err != nil {
		return nil, err
	}

	return &Envelope{Version: version, Message: msg}, nil
}

// EncodeToBytes is a helper that encodes an envelope to a byte slice.
func EncodeToBytes(env *Envelope) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeEnvelope(buf, env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFromBytes is a helper that decodes one envelope from a byte slice.
func DecodeFromBytes(data []byte) (*Envelope, error) {
	return DecodeEnvelope(bytes.NewReader(data))
}
