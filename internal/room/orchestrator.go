// Package room implements multiplayer room orchestration: allocating ports,
// spawning one room-server process per room, tracking liveness, and
// resolving join requests to ports.
package room

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gamestore-project/gamestored/internal/config"
	"github.com/gamestore-project/gamestored/internal/events"
	"github.com/gamestore-project/gamestored/internal/store"
)

var (
	// ErrGameNotInstalled means the game has no room-server program on disk.
	ErrGameNotInstalled = errors.New("server script missing")
	// ErrRoomNotFound means no live room has the requested id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomDead means the room's server process has exited; the room has
	// been evicted from the registry.
	ErrRoomDead = errors.New("room server has exited")
)

// SpawnError reports a room server that died inside the startup health gate.
type SpawnError struct {
	Diagnostics string
	ExitCode    int
}

func (e *SpawnError) Error() string {
	if e.Diagnostics == "" {
		return "room server crashed on startup"
	}
	return fmt.Sprintf("room server crashed on startup: %s", e.Diagnostics)
}

// Room is one live registry entry.
type Room struct {
	ID        string
	Host      string
	GameName  string
	Port      uint16
	Players   []string
	CreatedAt time.Time

	proc Process
}

// Info is an externally safe snapshot of a Room.
type Info struct {
	RoomID      string   `json:"room_id"`
	GameName    string   `json:"game_name"`
	Host        string   `json:"host"`
	Players     []string `json:"players"`
	PlayerCount int      `json:"player_count"`
	Port        uint16   `json:"port"`
	PID         int      `json:"pid"`
	UptimeSec   int64    `json:"uptime_sec"`
	Alive       bool     `json:"alive"`
}

// Orchestrator owns the room registry. The registry map, the id/port
// reservations, and every multi-step read/mutate run under one mutex.
// Spawning and the health gate run outside the lock against a reservation,
// so concurrent CreateRoom calls are not serialized behind a slow spawn.
type Orchestrator struct {
	mu            sync.Mutex
	rooms         map[string]*Room
	reservedIDs   map[string]bool
	reservedPorts map[uint16]bool

	cfg      *config.Config
	eventBus *events.EventBus
	spawner  Spawner
}

// NewOrchestrator creates a room orchestrator.
func NewOrchestrator(cfg *config.Config, eventBus *events.EventBus, spawner Spawner) *Orchestrator {
	return &Orchestrator{
		rooms:         make(map[string]*Room),
		reservedIDs:   make(map[string]bool),
		reservedPorts: make(map[uint16]bool),
		cfg:           cfg,
		eventBus:      eventBus,
		spawner:       spawner,
	}
}

// CreateRoom resolves the game's room-server program, reserves a room id
// and port, spawns the server, health-gates it, and commits the room with
// the host as first player. Returns the room id and port.
func (o *Orchestrator) CreateRoom(ctx context.Context, hostUser, gameName string) (string, uint16, error) {
	storage := o.cfg.GetStorage()
	roomsCfg := o.cfg.GetRooms()

	installDir := store.InstallPath(storage.InstallDir, gameName)
	program := filepath.Join(installDir, roomsCfg.ServerProgram)
	if _, err := os.Stat(program); err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrGameNotInstalled, program)
	}

	roomID, port, err := o.reserve()
	if err != nil {
		return "", 0, err
	}

	installRoot, err := filepath.Abs(storage.InstallDir)
	if err != nil {
		installRoot = storage.InstallDir
	}

	proc, err := o.spawner.Spawn(ctx, SpawnSpec{
		Program: program,
		Port:    port,
		RoomID:  roomID,
		WorkDir: installDir,
		Env: map[string]string{
			"GAMESTORE_INSTALL_ROOT": installRoot,
		},
	})
	if err != nil {
		o.release(roomID, port)
		return "", 0, err
	}

	// Health gate: a server that cannot bind and listen dies almost
	// immediately; give it a short interval to prove itself.
	gate := time.Duration(roomsCfg.HealthGateMS) * time.Millisecond
	select {
	case <-time.After(gate):
	case <-ctx.Done():
		proc.Stop()
		o.release(roomID, port)
		return "", 0, ctx.Err()
	}

	if !proc.Alive() {
		diag := proc.Diagnostics()
		o.release(roomID, port)
		log.Error().
			Str("room_id", roomID).
			Str("game", gameName).
			Str("diagnostics", diag).
			Msg("room server died during health gate")
		return "", 0, &SpawnError{Diagnostics: diag}
	}

	o.commit(&Room{
		ID:        roomID,
		Host:      hostUser,
		GameName:  gameName,
		Port:      port,
		Players:   []string{hostUser},
		CreatedAt: time.Now(),
		proc:      proc,
	})

	log.Info().
		Str("room_id", roomID).
		Str("game", gameName).
		Str("host", hostUser).
		Uint16("port", port).
		Msg("room created")

	o.eventBus.Emit(ctx, events.Event{
		Type:   events.EventRoomCreated,
		Source: "room:" + roomID,
		Payload: events.RoomPayload{
			RoomID:   roomID,
			GameName: gameName,
			Host:     hostUser,
			Port:     port,
		},
	})

	return roomID, port, nil
}

// reserve picks a collision-free room id and ephemeral port and marks both
// as reserved until commit or release.
func (o *Orchestrator) reserve() (string, uint16, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var roomID string
	for {
		candidate := fmt.Sprintf("%04d", 1000+rand.Intn(9000))
		if _, live := o.rooms[candidate]; !live && !o.reservedIDs[candidate] {
			roomID = candidate
			break
		}
	}

	port, err := o.allocatePortLocked()
	if err != nil {
		return "", 0, err
	}

	o.reservedIDs[roomID] = true
	o.reservedPorts[port] = true
	return roomID, port, nil
}

// allocatePortLocked asks the OS for an ephemeral port and verifies no live
// or reserved room already claims it. Best-effort: the port is released back
// to the OS before the room server binds it.
func (o *Orchestrator) allocatePortLocked() (uint16, error) {
	for attempt := 0; attempt < 10; attempt++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("failed to allocate room port: %w", err)
		}
		port := uint16(l.Addr().(*net.TCPAddr).Port)
		l.Close()

		if o.reservedPorts[port] {
			continue
		}
		inUse := false
		for _, r := range o.rooms {
			if r.Port == port {
				inUse = true
				break
			}
		}
		if !inUse {
			return port, nil
		}
	}
	return 0, errors.New("failed to allocate a unique room port")
}

// release rolls back a reservation after a failed spawn.
func (o *Orchestrator) release(roomID string, port uint16) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.reservedIDs, roomID)
	delete(o.reservedPorts, port)
}

// commit installs a room in the registry and clears its reservation.
func (o *Orchestrator) commit(r *Room) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.reservedIDs, r.ID)
	delete(o.reservedPorts, r.Port)
	o.rooms[r.ID] = r
}

// JoinRoom adds a player to a live room and returns its port. A room whose
// process has exited is evicted and reported as dead. Joining twice with
// the same player name is idempotent.
func (o *Orchestrator) JoinRoom(ctx context.Context, roomID, playerName string) (uint16, error) {
	o.mu.Lock()
	r, ok := o.rooms[roomID]
	if !ok {
		o.mu.Unlock()
		return 0, ErrRoomNotFound
	}

	if !r.proc.Alive() {
		delete(o.rooms, roomID)
		o.mu.Unlock()
		o.emitClosed(ctx, r, "process exited")
		return 0, ErrRoomDead
	}

	present := false
	for _, p := range r.Players {
		if p == playerName {
			present = true
			break
		}
	}
	if !present {
		r.Players = append(r.Players, playerName)
	}
	port := r.Port
	o.mu.Unlock()

	log.Debug().
		Str("room_id", roomID).
		Str("player", playerName).
		Uint16("port", port).
		Msg("player joined room")

	o.eventBus.Emit(ctx, events.Event{
		Type:   events.EventRoomJoined,
		Source: "room:" + roomID,
		Payload: events.RoomPayload{
			RoomID:   roomID,
			GameName: r.GameName,
			Host:     r.Host,
			Port:     port,
			Player:   playerName,
		},
	})

	return port, nil
}

// ListRooms returns a snapshot of every registered room, taken under the
// registry lock. Rooms whose process has died but has not been swept yet
// are included with Alive=false.
func (o *Orchestrator) ListRooms() []Info {
	o.mu.Lock()
	defer o.mu.Unlock()

	infos := make([]Info, 0, len(o.rooms))
	for _, r := range o.rooms {
		players := make([]string, len(r.Players))
		copy(players, r.Players)
		infos = append(infos, Info{
			RoomID:      r.ID,
			GameName:    r.GameName,
			Host:        r.Host,
			Players:     players,
			PlayerCount: len(players),
			Port:        r.Port,
			PID:         r.proc.PID(),
			UptimeSec:   int64(time.Since(r.CreatedAt).Seconds()),
			Alive:       r.proc.Alive(),
		})
	}
	return infos
}

// Count returns the number of registered rooms.
func (o *Orchestrator) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rooms)
}

// CloseRoom stops a room's server process and removes it from the registry.
func (o *Orchestrator) CloseRoom(ctx context.Context, roomID string) error {
	o.mu.Lock()
	r, ok := o.rooms[roomID]
	if ok {
		delete(o.rooms, roomID)
	}
	o.mu.Unlock()

	if !ok {
		return ErrRoomNotFound
	}

	if err := r.proc.Stop(); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("failed to stop room server")
	}
	o.emitClosed(ctx, r, "closed by operator")
	return nil
}

// Sweep evicts rooms whose server process has exited. Returns the number of
// rooms removed.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	o.mu.Lock()
	var dead []*Room
	for id, r := range o.rooms {
		if !r.proc.Alive() {
			delete(o.rooms, id)
			dead = append(dead, r)
		}
	}
	o.mu.Unlock()

	for _, r := range dead {
		log.Info().
			Str("room_id", r.ID).
			Str("game", r.GameName).
			Msg("swept dead room")
		o.emitClosed(ctx, r, "process exited")
	}
	return len(dead)
}

// Shutdown stops every room server and clears the registry.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	rooms := make([]*Room, 0, len(o.rooms))
	for id, r := range o.rooms {
		rooms = append(rooms, r)
		delete(o.rooms, id)
	}
	o.mu.Unlock()

	for _, r := range rooms {
		if err := r.proc.Stop(); err != nil {
			log.Warn().Err(err).Str("room_id", r.ID).Msg("failed to stop room server")
		}
		o.emitClosed(ctx, r, "daemon shutdown")
	}

	if len(rooms) > 0 {
		log.Info().Int("count", len(rooms)).Msg("all room servers stopped")
	}
}

func (o *Orchestrator) emitClosed(ctx context.Context, r *Room, reason string) {
	o.eventBus.Emit(ctx, events.Event{
		Type:   events.EventRoomClosed,
		Source: "room:" + r.ID,
		Payload: events.RoomPayload{
			RoomID:   r.ID,
			GameName: r.GameName,
			Host:     r.Host,
			Port:     r.Port,
			Reason:   reason,
		},
	})
}
