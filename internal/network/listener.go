package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gamestore-project/gamestored/internal/config"
	"github.com/gamestore-project/gamestored/internal/events"
	"github.com/gamestore-project/gamestored/internal/room"
	"github.com/gamestore-project/gamestored/internal/store"
)

// Listener accepts marketplace client connections and runs a Session per
// connection.
type Listener struct {
	cfg      *config.Config
	catalog  *store.Catalog
	rooms    *room.Orchestrator
	eventBus *events.EventBus

	listener net.Listener
	sessions sync.WaitGroup
}

// NewListener creates a new client listener.
func NewListener(cfg *config.Config, catalog *store.Catalog, rooms *room.Orchestrator, eventBus *events.EventBus) *Listener {
	return &Listener{
		cfg:      cfg,
		catalog:  catalog,
		rooms:    rooms,
		eventBus: eventBus,
	}
}

// Start binds the client port and blocks in the accept loop until the
// context is cancelled. One faulty connection never takes the loop down.
func (l *Listener) Start(ctx context.Context) error {
	server := l.cfg.GetServer()
	addr := fmt.Sprintf("%s:%d", server.Host, server.Port)

	// SO_REUSEADDR allows immediate rebinding after restart.
	lc := ReuseAddrListenConfig()
	var err error
	l.listener, err = lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener on %s: %w", addr, err)
	}

	log.Info().Str("addr", addr).Msg("client listener started")

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("client listener stopping")
				l.sessions.Wait()
				return nil
			default:
				log.Error().Err(err).Msg("failed to accept connection")
				continue
			}
		}

		l.sessions.Add(1)
		go func() {
			defer l.sessions.Done()
			NewSession(conn, l.cfg, l.catalog, l.rooms, l.eventBus).Run(ctx)
		}()
	}
}

// Stop closes the listening socket; in-flight sessions finish on their own
// when the shared context is cancelled.
func (l *Listener) Stop() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
