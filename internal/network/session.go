// Package network implements the GameStore client listener and the
// per-connection session loop that dispatches protocol commands.
package network

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gamestore-project/gamestored/internal/config"
	"github.com/gamestore-project/gamestored/internal/events"
	"github.com/gamestore-project/gamestored/internal/protocol"
	"github.com/gamestore-project/gamestored/internal/room"
	"github.com/gamestore-project/gamestored/internal/store"
)

// writeTimeout bounds a single response write; a peer that stops draining
// should not pin a session goroutine forever.
const writeTimeout = 10 * time.Second

// handlerFunc processes one decoded request frame. A returned error is
// fatal to the session (the connection is desynchronized or broken);
// recoverable failures are answered in-band and return nil.
type handlerFunc func(ctx context.Context, body protocol.Body) error

// Session holds the server-side state for one client connection: the
// socket, the authenticated identity, and the read-dispatch loop.
type Session struct {
	conn     net.Conn
	cfg      *config.Config
	catalog  *store.Catalog
	rooms    *room.Orchestrator
	eventBus *events.EventBus
	logger   zerolog.Logger

	handlers map[protocol.Command]handlerFunc

	running bool
	user    string
	role    string
}

// requestCommands is every opcode a client may send. The dispatch table is
// checked against it at construction so a new command cannot silently fall
// through.
var requestCommands = []protocol.Command{
	protocol.CmdLogin,
	protocol.CmdLogout,
	protocol.CmdUploadGame,
	protocol.CmdUpdateGame,
	protocol.CmdDeleteGame,
	protocol.CmdListMyGames,
	protocol.CmdListAllGames,
	protocol.CmdGetGameInfo,
	protocol.CmdDownloadGame,
	protocol.CmdCreateRoom,
	protocol.CmdJoinRoom,
	protocol.CmdRateGame,
	protocol.CmdListRooms,
}

// NewSession wraps an accepted connection.
func NewSession(conn net.Conn, cfg *config.Config, catalog *store.Catalog, rooms *room.Orchestrator, eventBus *events.EventBus) *Session {
	s := &Session{
		conn:     conn,
		cfg:      cfg,
		catalog:  catalog,
		rooms:    rooms,
		eventBus: eventBus,
		running:  true,
		logger: log.With().
			Str("component", "session").
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}

	s.handlers = map[protocol.Command]handlerFunc{
		protocol.CmdLogin:        s.handleLogin,
		protocol.CmdLogout:       s.handleLogout,
		protocol.CmdUploadGame:   s.handleUploadGame,
		protocol.CmdUpdateGame:   s.handleUpdateGame,
		protocol.CmdDeleteGame:   s.handleDeleteGame,
		protocol.CmdListMyGames:  s.handleListMyGames,
		protocol.CmdListAllGames: s.handleListAllGames,
		protocol.CmdGetGameInfo:  s.handleGetGameInfo,
		protocol.CmdDownloadGame: s.handleDownloadGame,
		protocol.CmdCreateRoom:   s.handleCreateRoom,
		protocol.CmdJoinRoom:     s.handleJoinRoom,
		protocol.CmdRateGame:     s.handleRateGame,
		protocol.CmdListRooms:    s.handleListRooms,
	}

	for _, cmd := range requestCommands {
		if _, ok := s.handlers[cmd]; !ok {
			// Programming error: a request opcode without a handler.
			s.logger.Panic().Str("command", cmd.String()).Msg("no handler registered for command")
		}
	}

	return s
}

// Run executes the session loop: decode one frame, dispatch it, write the
// response, repeat. Strictly request/response; no pipelining. The socket
// is always closed on exit regardless of cause.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	s.logger.Info().Msg("client connected")
	readTimeout := time.Duration(s.cfg.GetServer().ReadTimeoutSec) * time.Second

	for s.running {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("server shutting down, closing session")
			return
		default:
		}

		if readTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		cmd, body, err := protocol.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info().Str("user", s.user).Msg("client disconnected")
			} else {
				s.logger.Warn().Err(err).Msg("protocol error, closing session")
			}
			return
		}

		s.logger.Debug().
			Str("command", cmd.String()).
			Str("user", s.user).
			Msg("request received")

		if err := s.dispatch(ctx, cmd, body); err != nil {
			s.logger.Warn().Err(err).Str("command", cmd.String()).Msg("session failed")
			return
		}
	}

	s.logger.Info().Str("user", s.user).Msg("session closed")
}

// dispatch routes a decoded frame to its handler. Unknown opcodes (which
// the codec maps to CmdError) are answered in-band and never terminate the
// session.
func (s *Session) dispatch(ctx context.Context, cmd protocol.Command, body protocol.Body) error {
	handler, ok := s.handlers[cmd]
	if !ok {
		s.logger.Warn().Str("command", cmd.String()).Msg("unhandled command")
		return s.respondError(protocol.StatusServerError, "Unknown command")
	}
	return handler(ctx, body)
}

// Authenticated reports whether a LOGIN has succeeded on this session.
func (s *Session) Authenticated() bool {
	return s.user != ""
}

// respond writes a frame echoing the request command.
func (s *Session) respond(cmd protocol.Command, body protocol.Body) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return protocol.WriteFrame(s.conn, cmd, body)
}

// respondStatus writes a status/message response under the given command.
func (s *Session) respondStatus(cmd protocol.Command, status protocol.Status, msg string) error {
	return s.respond(cmd, protocol.Body{
		"status": int(status),
		"msg":    msg,
	})
}

// respondError writes an ERROR frame with a status code and diagnostic
// message. The connection stays open.
func (s *Session) respondError(status protocol.Status, msg string) error {
	return s.respond(protocol.CmdError, protocol.Body{
		"status": int(status),
		"msg":    msg,
	})
}
