package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader delivers at most n bytes per Read call, exercising the
// partial-read handling of the decoder.
type chunkReader struct {
	r io.Reader
	n int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
		body Body
	}{
		{"empty body", CmdLogout, Body{}},
		{"nil body", CmdListAllGames, nil},
		{"login", CmdLogin, Body{"username": "neo", "password": "x", "role": "dev"}},
		{"nested", CmdListRooms, Body{
			"rooms": []any{
				map[string]any{"room_id": "1234", "port": float64(40001)},
			},
		}},
		{"upload metadata", CmdUploadGame, Body{
			"name": "Pong", "version": "1.0", "file_size": float64(4096),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.cmd, tc.body)
			require.NoError(t, err)

			cmd, body, err := ReadFrame(bytes.NewReader(frame))
			require.NoError(t, err)
			assert.Equal(t, tc.cmd, cmd)

			want := tc.body
			if want == nil {
				want = Body{}
			}
			assert.Equal(t, want, body)
		})
	}
}

func TestReadFrameByteAtATime(t *testing.T) {
	body := Body{"username": "alice", "rating": float64(5)}
	frame, err := Encode(CmdRateGame, body)
	require.NoError(t, err)

	cmd, got, err := ReadFrame(&chunkReader{r: bytes.NewReader(frame), n: 1})
	require.NoError(t, err)
	assert.Equal(t, CmdRateGame, cmd)
	assert.Equal(t, body, got)
}

func TestReadFrameUnknownCommand(t *testing.T) {
	payload := []byte(`{"msg":"hello"}`)
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], 9999)
	copy(frame[HeaderSize:], payload)

	cmd, body, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, CmdError, cmd)
	assert.Equal(t, "hello", body.GetString("msg"))
}

func TestReadFrameCleanCloseIsEOF(t *testing.T) {
	_, _, err := ReadFrame(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameTruncatedHeaderIsError(t *testing.T) {
	_, _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0}))
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestReadFrameTruncatedBodyIsError(t *testing.T) {
	frame, err := Encode(CmdLogin, Body{"username": "neo"})
	require.NoError(t, err)

	_, _, err = ReadFrame(bytes.NewReader(frame[:len(frame)-2]))
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestReadFrameMalformedBody(t *testing.T) {
	payload := []byte(`{"broken":`)
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], uint32(CmdLogin))
	copy(frame[HeaderSize:], payload)

	_, _, err := ReadFrame(bytes.NewReader(frame))
	assert.Error(t, err)
}

func TestReadFrameOversizeBodyRejected(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], MaxBodySize+1)
	binary.BigEndian.PutUint32(header[4:8], uint32(CmdLogin))

	_, _, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestSendRecvFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "game.zip")
	dst := filepath.Join(dir, "received.zip")

	// Larger than one chunk so the loop runs more than once.
	content := bytes.Repeat([]byte("abcdefgh"), 1500)
	require.NoError(t, os.WriteFile(src, content, 0644))

	var wire bytes.Buffer
	sent, err := SendFile(&wire, src)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), sent)

	// Follow the file stream with a frame: RecvFile must not consume it.
	require.NoError(t, WriteFrame(&wire, CmdLogout, nil))

	require.NoError(t, RecvFile(&chunkReader{r: &wire, n: 7}, int64(len(content)), dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	cmd, _, err := ReadFrame(&wire)
	require.NoError(t, err)
	assert.Equal(t, CmdLogout, cmd)
}

func TestRecvFileShortStream(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "partial.zip")
	err := RecvFile(bytes.NewReader([]byte("only ten b")), 100, dst)
	assert.Error(t, err)
}
