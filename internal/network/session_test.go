package network

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamestore-project/gamestored/internal/config"
	"github.com/gamestore-project/gamestored/internal/events"
	"github.com/gamestore-project/gamestored/internal/protocol"
	"github.com/gamestore-project/gamestored/internal/room"
	"github.com/gamestore-project/gamestored/internal/store"
)

// stubProcess is a controllable room.Process for session tests.
type stubProcess struct {
	mu    sync.Mutex
	alive bool
}

func (p *stubProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *stubProcess) PID() int { return 4242 }

func (p *stubProcess) Diagnostics() string { return "" }

func (p *stubProcess) Stop() error {
	p.kill()
	return nil
}

func (p *stubProcess) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
}

type stubSpawner struct {
	mu    sync.Mutex
	procs []*stubProcess
}

func (s *stubSpawner) Spawn(_ context.Context, _ room.SpawnSpec) (room.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &stubProcess{alive: true}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *stubSpawner) last() *stubProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

// testEnv wires a Session to the client end of a net.Pipe over a real
// sqlite catalog and a stub-spawned orchestrator.
type testEnv struct {
	client  net.Conn
	catalog *store.Catalog
	rooms   *room.Orchestrator
	spawner *stubSpawner
	cfg     *config.Config
	done    chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvCfg(t, nil)
}

func newTestEnvCfg(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.ArtifactsDir = filepath.Join(dir, "storage")
	cfg.Storage.InstallDir = filepath.Join(dir, "installed")
	cfg.Storage.DatabasePath = filepath.Join(dir, "catalog.db")
	cfg.Rooms.HealthGateMS = 1
	if tweak != nil {
		tweak(cfg)
	}

	catalog, err := store.NewCatalog(cfg.Storage.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	spawner := &stubSpawner{}
	rooms := room.NewOrchestrator(cfg, bus, spawner)

	client, server := net.Pipe()
	env := &testEnv{
		client:  client,
		catalog: catalog,
		rooms:   rooms,
		spawner: spawner,
		cfg:     cfg,
		done:    make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(env.done)
		NewSession(server, cfg, catalog, rooms, bus).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		client.Close()
		select {
		case <-env.done:
		case <-time.After(5 * time.Second):
			t.Error("session did not exit")
		}
		rooms.Shutdown(context.Background())
	})

	return env
}

func (e *testEnv) send(t *testing.T, cmd protocol.Command, body protocol.Body) {
	t.Helper()
	e.client.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, protocol.WriteFrame(e.client, cmd, body))
}

func (e *testEnv) recv(t *testing.T) (protocol.Command, protocol.Body) {
	t.Helper()
	e.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	cmd, body, err := protocol.ReadFrame(e.client)
	require.NoError(t, err)
	return cmd, body
}

func (e *testEnv) roundTrip(t *testing.T, cmd protocol.Command, body protocol.Body) (protocol.Command, protocol.Body) {
	t.Helper()
	e.send(t, cmd, body)
	return e.recv(t)
}

func (e *testEnv) login(t *testing.T, user, password, role string) {
	t.Helper()
	cmd, body := e.roundTrip(t, protocol.CmdLogin, protocol.Body{
		"username": user, "password": password, "role": role,
	})
	require.Equal(t, protocol.CmdLogin, cmd)
	require.Equal(t, protocol.StatusSuccess, status(body))
}

func status(body protocol.Body) protocol.Status {
	v, _ := body.GetInt64("status")
	return protocol.Status(v)
}

// buildZip returns an in-memory archive holding the given files.
func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestLoginAutoRegistersNewUser(t *testing.T) {
	env := newTestEnv(t)

	cmd, body := env.roundTrip(t, protocol.CmdLogin, protocol.Body{
		"username": "alice", "password": "s3cret", "role": store.RoleDev,
	})
	require.Equal(t, protocol.CmdLogin, cmd)
	assert.Equal(t, protocol.StatusSuccess, status(body))

	// The account must now exist in the catalog with the same password.
	ok, err := env.catalog.ValidateLogin(store.RoleDev, "alice", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.catalog.RegisterUser(store.RolePlayer, "bob", "right"))

	cmd, body := env.roundTrip(t, protocol.CmdLogin, protocol.Body{
		"username": "bob", "password": "wrong", "role": store.RolePlayer,
	})
	require.Equal(t, protocol.CmdLogin, cmd)
	assert.Equal(t, protocol.StatusInvalidCredentials, status(body))
}

func TestLoginTwiceSameSession(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "alice", "pw", store.RolePlayer)

	cmd, body := env.roundTrip(t, protocol.CmdLogin, protocol.Body{
		"username": "alice", "password": "pw", "role": store.RolePlayer,
	})
	require.Equal(t, protocol.CmdLogin, cmd)
	assert.Equal(t, protocol.StatusAlreadyLoggedIn, status(body))
}

func TestLogoutClosesSession(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "alice", "pw", store.RolePlayer)

	env.send(t, protocol.CmdLogout, protocol.Body{})

	select {
	case <-env.done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close after logout")
	}

	env.client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := protocol.ReadFrame(env.client)
	assert.Error(t, err)
}

func TestUploadRequiresLogin(t *testing.T) {
	env := newTestEnv(t)

	cmd, body := env.roundTrip(t, protocol.CmdUploadGame, protocol.Body{
		"name": "Snake", "version": "1.0", "file_size": 10,
	})
	require.Equal(t, protocol.CmdError, cmd)
	assert.Equal(t, protocol.StatusPermissionDenied, status(body))
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "alice", "pw", store.RoleDev)

	archive := buildZip(t, map[string]string{
		"server":  "#!/bin/sh\n",
		"game.py": "print('snake')\n",
		"README":  "snake game\n",
	})

	cmd, body := env.roundTrip(t, protocol.CmdUploadGame, protocol.Body{
		"name":      "Snake Game",
		"version":   "1.0",
		"file_size": len(archive),
		"exe_path":  "game.py",
		"type":      "arcade",
	})
	require.Equal(t, protocol.CmdUploadGame, cmd)
	require.Equal(t, protocol.StatusSuccess, status(body))

	// Raw bytes follow the ready frame, unframed.
	_, err := env.client.Write(archive)
	require.NoError(t, err)

	cmd, body = env.recv(t)
	require.Equal(t, protocol.CmdUploadGame, cmd)
	require.Equal(t, protocol.StatusSuccess, status(body))

	// Archive landed as {name}_{version}.zip with spaces replaced.
	artifact := filepath.Join(env.cfg.Storage.ArtifactsDir, "Snake_Game_1.0.zip")
	saved, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Equal(t, archive, saved)

	// And was unpacked into the install tree.
	_, err = os.Stat(filepath.Join(env.cfg.Storage.InstallDir, "Snake_Game", "game.py"))
	assert.NoError(t, err)

	cmd, body = env.roundTrip(t, protocol.CmdDownloadGame, protocol.Body{"name": "Snake Game"})
	require.Equal(t, protocol.CmdDownloadGame, cmd)
	require.Equal(t, protocol.StatusSuccess, status(body))
	assert.Equal(t, "1.0", body.GetString("version"))

	size, ok := body.GetInt64("file_size")
	require.True(t, ok)
	require.Equal(t, int64(len(archive)), size)

	fetched := make([]byte, size)
	env.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(env.client, fetched)
	require.NoError(t, err)
	assert.Equal(t, archive, fetched)

	// The stream is framed again right after the raw bytes.
	cmd, body = env.roundTrip(t, protocol.CmdListAllGames, protocol.Body{})
	require.Equal(t, protocol.CmdListAllGames, cmd)
	games, ok := body["games"].([]any)
	require.True(t, ok)
	assert.Len(t, games, 1)
}

func TestUploadDuplicateNameKeepsExistingGame(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.catalog.AddGame(store.Game{
		Name: "Snake", Version: "1.0", Author: "alice",
	}))

	published := buildZip(t, map[string]string{"server": "#!/bin/sh\n"})
	artifact := filepath.Join(env.cfg.Storage.ArtifactsDir, "Snake_1.0.zip")
	require.NoError(t, os.MkdirAll(env.cfg.Storage.ArtifactsDir, 0755))
	require.NoError(t, os.WriteFile(artifact, published, 0644))

	installDir := filepath.Join(env.cfg.Storage.InstallDir, "Snake")
	serverProgram := filepath.Join(installDir, env.cfg.Rooms.ServerProgram)
	require.NoError(t, os.MkdirAll(installDir, 0755))
	require.NoError(t, os.WriteFile(serverProgram, []byte("#!/bin/sh\n"), 0755))

	env.login(t, "mallory", "pw", store.RoleDev)

	cmd, body := env.roundTrip(t, protocol.CmdUploadGame, protocol.Body{
		"name": "Snake", "version": "2.0", "file_size": 64,
	})
	require.Equal(t, protocol.CmdError, cmd)
	assert.Equal(t, protocol.StatusVersionMismatch, status(body))

	// Alice's game survives intact: catalog row, artifact, and the install
	// tree with its server program.
	game, err := env.catalog.GetGame("Snake")
	require.NoError(t, err)
	assert.Equal(t, "1.0", game.Version)
	assert.Equal(t, "alice", game.Author)

	saved, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Equal(t, published, saved)
	_, err = os.Stat(serverProgram)
	assert.NoError(t, err)

	// The session is still framed; no raw bytes were ever expected.
	cmd, _ = env.roundTrip(t, protocol.CmdListAllGames, protocol.Body{})
	assert.Equal(t, protocol.CmdListAllGames, cmd)
}

func TestUploadSlowerThanReadTimeout(t *testing.T) {
	env := newTestEnvCfg(t, func(cfg *config.Config) {
		cfg.Server.ReadTimeoutSec = 1
	})
	env.login(t, "alice", "pw", store.RoleDev)

	archive := buildZip(t, map[string]string{"server": "#!/bin/sh\n"})
	cmd, body := env.roundTrip(t, protocol.CmdUploadGame, protocol.Body{
		"name": "Snake", "version": "1.0", "file_size": len(archive),
	})
	require.Equal(t, protocol.CmdUploadGame, cmd)
	require.Equal(t, protocol.StatusSuccess, status(body))

	// Stall mid-transfer for longer than the frame read timeout; the raw
	// byte stream must not be cut off by it.
	half := len(archive) / 2
	_, err := env.client.Write(archive[:half])
	require.NoError(t, err)
	time.Sleep(1200 * time.Millisecond)
	_, err = env.client.Write(archive[half:])
	require.NoError(t, err)

	cmd, body = env.recv(t)
	require.Equal(t, protocol.CmdUploadGame, cmd)
	assert.Equal(t, protocol.StatusSuccess, status(body))
}

func TestUpdateByNonAuthorRejected(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.catalog.AddGame(store.Game{
		Name: "Snake", Version: "1.0", Author: "alice",
	}))

	env.login(t, "mallory", "pw", store.RoleDev)

	archive := buildZip(t, map[string]string{"server": "x"})
	cmd, body := env.roundTrip(t, protocol.CmdUpdateGame, protocol.Body{
		"name": "Snake", "version": "2.0", "file_size": len(archive),
	})

	// Rejected before any bytes move; no ready frame is sent.
	require.Equal(t, protocol.CmdError, cmd)
	assert.Equal(t, protocol.StatusPermissionDenied, status(body))

	// Catalog untouched, nothing written to storage.
	game, err := env.catalog.GetGame("Snake")
	require.NoError(t, err)
	assert.Equal(t, "1.0", game.Version)
	_, err = os.Stat(filepath.Join(env.cfg.Storage.ArtifactsDir, "Snake_2.0.zip"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestUpdateSameVersionByNonAuthorKeepsArtifact(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.catalog.AddGame(store.Game{
		Name: "Snake", Version: "1.0", Author: "alice",
	}))

	// The published release as alice shipped it.
	published := buildZip(t, map[string]string{"server": "#!/bin/sh\n"})
	artifact := filepath.Join(env.cfg.Storage.ArtifactsDir, "Snake_1.0.zip")
	require.NoError(t, os.MkdirAll(env.cfg.Storage.ArtifactsDir, 0755))
	require.NoError(t, os.WriteFile(artifact, published, 0644))

	env.login(t, "mallory", "pw", store.RoleDev)

	// An "update" naming the current version must not clobber the
	// published archive.
	cmd, body := env.roundTrip(t, protocol.CmdUpdateGame, protocol.Body{
		"name": "Snake", "version": "1.0", "file_size": 16,
	})
	require.Equal(t, protocol.CmdError, cmd)
	assert.Equal(t, protocol.StatusPermissionDenied, status(body))

	saved, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Equal(t, published, saved)
}

func TestDownloadUnknownGame(t *testing.T) {
	env := newTestEnv(t)

	cmd, body := env.roundTrip(t, protocol.CmdDownloadGame, protocol.Body{"name": "nope"})
	require.Equal(t, protocol.CmdError, cmd)
	assert.Equal(t, protocol.StatusGameNotFound, status(body))
}

func TestRateGameAndGetInfo(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.catalog.AddGame(store.Game{
		Name: "Snake", Version: "1.0", Author: "alice",
	}))
	env.login(t, "bob", "pw", store.RolePlayer)

	cmd, body := env.roundTrip(t, protocol.CmdRateGame, protocol.Body{
		"game_name": "Snake", "rating": 2, "comment": "meh",
	})
	require.Equal(t, protocol.CmdRateGame, cmd)
	require.Equal(t, protocol.StatusSuccess, status(body))

	// Rating again replaces the earlier review instead of stacking.
	cmd, body = env.roundTrip(t, protocol.CmdRateGame, protocol.Body{
		"game_name": "Snake", "rating": 5, "comment": "grew on me",
	})
	require.Equal(t, protocol.CmdRateGame, cmd)
	require.Equal(t, protocol.StatusSuccess, status(body))

	cmd, body = env.roundTrip(t, protocol.CmdGetGameInfo, protocol.Body{"name": "Snake"})
	require.Equal(t, protocol.CmdGetGameInfo, cmd)
	require.Equal(t, protocol.StatusSuccess, status(body))
	assert.InDelta(t, 5.0, body["rating"], 0.001)
	count, _ := body.GetInt64("review_count")
	assert.Equal(t, int64(1), count)
}

func TestCreateAndJoinRoom(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.catalog.AddGame(store.Game{
		Name: "Snake", Version: "1.0", Author: "alice",
	}))

	// CreateRoom stats the server program inside the install tree.
	installDir := filepath.Join(env.cfg.Storage.InstallDir, "Snake")
	require.NoError(t, os.MkdirAll(installDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(installDir, env.cfg.Rooms.ServerProgram), []byte("#!/bin/sh\n"), 0755))

	env.login(t, "alice", "pw", store.RolePlayer)

	cmd, body := env.roundTrip(t, protocol.CmdCreateRoom, protocol.Body{"game_name": "Snake"})
	require.Equal(t, protocol.CmdCreateRoom, cmd)
	require.Equal(t, protocol.StatusSuccess, status(body))

	roomID := body.GetString("room_id")
	require.Len(t, roomID, 4)
	port, ok := body.GetInt64("port")
	require.True(t, ok)
	require.NotZero(t, port)

	cmd, body = env.roundTrip(t, protocol.CmdJoinRoom, protocol.Body{"room_id": roomID})
	require.Equal(t, protocol.CmdJoinRoom, cmd)
	require.Equal(t, protocol.StatusSuccess, status(body))
	joined, _ := body.GetInt64("port")
	assert.Equal(t, port, joined)
}

func TestJoinDeadRoomEvicted(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.catalog.AddGame(store.Game{
		Name: "Snake", Version: "1.0", Author: "alice",
	}))
	installDir := filepath.Join(env.cfg.Storage.InstallDir, "Snake")
	require.NoError(t, os.MkdirAll(installDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(installDir, env.cfg.Rooms.ServerProgram), []byte("#!/bin/sh\n"), 0755))

	env.login(t, "alice", "pw", store.RolePlayer)

	cmd, body := env.roundTrip(t, protocol.CmdCreateRoom, protocol.Body{"game_name": "Snake"})
	require.Equal(t, protocol.CmdCreateRoom, cmd)
	require.Equal(t, protocol.StatusSuccess, status(body))
	roomID := body.GetString("room_id")

	env.spawner.last().kill()

	cmd, body = env.roundTrip(t, protocol.CmdJoinRoom, protocol.Body{"room_id": roomID})
	require.Equal(t, protocol.CmdError, cmd)
	assert.Equal(t, protocol.StatusGameNotFound, status(body))

	// The dead room was evicted, so the listing is empty.
	cmd, body = env.roundTrip(t, protocol.CmdListRooms, protocol.Body{})
	require.Equal(t, protocol.CmdListRooms, cmd)
	rooms, ok := body["rooms"].([]any)
	require.True(t, ok)
	assert.Empty(t, rooms)
}

func TestCreateRoomGameNotInstalled(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "alice", "pw", store.RolePlayer)

	cmd, body := env.roundTrip(t, protocol.CmdCreateRoom, protocol.Body{"game_name": "Snake"})
	require.Equal(t, protocol.CmdError, cmd)
	assert.Equal(t, protocol.StatusGameNotFound, status(body))
}

func TestUnknownCommandKeepsSessionAlive(t *testing.T) {
	env := newTestEnv(t)

	env.send(t, protocol.Command(9999), protocol.Body{"junk": true})
	cmd, body := env.recv(t)
	require.Equal(t, protocol.CmdError, cmd)
	assert.Equal(t, protocol.StatusServerError, status(body))

	// A well-formed request on the same connection still works.
	cmd, _ = env.roundTrip(t, protocol.CmdListAllGames, protocol.Body{})
	assert.Equal(t, protocol.CmdListAllGames, cmd)
}

func TestListMyGamesRequiresLogin(t *testing.T) {
	env := newTestEnv(t)

	cmd, body := env.roundTrip(t, protocol.CmdListMyGames, protocol.Body{})
	require.Equal(t, protocol.CmdError, cmd)
	assert.Equal(t, protocol.StatusPermissionDenied, status(body))
}
