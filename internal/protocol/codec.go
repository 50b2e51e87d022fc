package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// HeaderSize is the fixed frame header: uint32BE body length + uint32BE command code.
	HeaderSize = 8

	// MaxBodySize caps a single frame body to keep a misbehaving peer from
	// forcing an unbounded allocation. The original protocol had no cap.
	MaxBodySize = 16 << 20

	// FileChunkSize is the read/write unit for raw file streaming.
	FileChunkSize = 4096
)

// ErrBodyTooLarge is returned when a frame header announces a body larger
// than MaxBodySize.
var ErrBodyTooLarge = errors.New("frame body exceeds maximum size")

// Body is the structured payload of a frame.
type Body map[string]any

// Encode serializes a command and body into a single wire frame.
// A nil body is encoded as an empty JSON object.
func Encode(cmd Command, body Body) ([]byte, error) {
	if body == nil {
		body = Body{}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame body: %w", err)
	}
	if len(payload) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], uint32(cmd))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// WriteFrame encodes and writes one frame to w.
func WriteFrame(w io.Writer, cmd Command, body Body) error {
	frame, err := Encode(cmd, body)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one complete frame from r.
//
// A clean peer close before any header byte is reported as io.EOF so callers
// can distinguish end-of-stream from a protocol failure. A close partway
// through the header or body is a protocol error. An unknown command code
// still yields the decoded body, with the command mapped to CmdError.
func ReadFrame(r io.Reader) (Command, Body, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[0:4])
	cmd := Command(binary.BigEndian.Uint32(header[4:8]))

	if length > MaxBodySize {
		return 0, nil, fmt.Errorf("%w: %d bytes (max %d)", ErrBodyTooLarge, length, MaxBodySize)
	}

	body := Body{}
	if length > 0 {
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("failed to read frame body (%d bytes): %w", length, err)
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return 0, nil, fmt.Errorf("failed to decode frame body: %w", err)
		}
	}

	if !cmd.IsKnown() {
		return CmdError, body, nil
	}
	return cmd, body, nil
}

// SendFile streams the file at path to w as raw unframed bytes.
// The receiver must already know the size from a preceding framed exchange.
// Returns the number of bytes sent.
func SendFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file for sending: %w", err)
	}
	defer f.Close()

	var sent int64
	buf := make([]byte, FileChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return sent, fmt.Errorf("failed to send file chunk: %w", werr)
			}
			sent += int64(n)
		}
		if err == io.EOF {
			return sent, nil
		}
		if err != nil {
			return sent, fmt.Errorf("failed to read file for sending: %w", err)
		}
	}
}

// RecvFile reads exactly expectedSize raw bytes from r into a file at dst.
// A peer close before all bytes arrive is a transfer failure; the partial
// file is left on disk for the caller to roll back.
func RecvFile(r io.Reader, expectedSize int64, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create file for receiving: %w", err)
	}
	defer f.Close()

	buf := make([]byte, FileChunkSize)
	var received int64
	for received < expectedSize {
		want := int64(len(buf))
		if remaining := expectedSize - received; remaining < want {
			want = remaining
		}

		n, err := r.Read(buf[:want])
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write received chunk: %w", werr)
			}
			received += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("connection lost while receiving file: got %d of %d bytes", received, expectedSize)
			}
			return fmt.Errorf("failed to receive file chunk: %w", err)
		}
	}
	return nil
}

// GetString extracts a string field from a body, returning "" when absent or
// of the wrong type.
func (b Body) GetString(key string) string {
	v, _ := b[key].(string)
	return v
}

// GetInt64 extracts a numeric field from a body. JSON numbers decode as
// float64; integer fields sent as strings are not accepted.
func (b Body) GetInt64(key string) (int64, bool) {
	switch v := b[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
