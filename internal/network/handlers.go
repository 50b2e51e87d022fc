package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gamestore-project/gamestored/internal/events"
	"github.com/gamestore-project/gamestored/internal/protocol"
	"github.com/gamestore-project/gamestored/internal/room"
	"github.com/gamestore-project/gamestored/internal/store"
)

// handleLogin validates credentials, auto-registering unseen usernames as
// new accounts. Only a registration that loses to an existing
// differing-password account is reported as invalid credentials.
func (s *Session) handleLogin(ctx context.Context, body protocol.Body) error {
	username := body.GetString("username")
	password := body.GetString("password")
	role := body.GetString("role")
	if role == "" {
		role = store.RolePlayer
	}

	if username == "" || password == "" {
		return s.respondStatus(protocol.CmdLogin, protocol.StatusInvalidCredentials, "Username and password required")
	}
	if s.Authenticated() {
		return s.respondStatus(protocol.CmdLogin, protocol.StatusAlreadyLoggedIn, "Already logged in")
	}

	ok, err := s.catalog.ValidateLogin(role, username, password)
	if err != nil {
		s.logger.Error().Err(err).Msg("login validation failed")
		return s.respondStatus(protocol.CmdLogin, protocol.StatusServerError, "Internal error")
	}

	if ok {
		s.user = username
		s.role = role
		s.logger.Info().Str("user", username).Str("role", role).Msg("user logged in")
		s.emit(ctx, events.EventUserLogin, events.UserPayload{Username: username, Role: role})
		return s.respondStatus(protocol.CmdLogin, protocol.StatusSuccess, "Login successful")
	}

	// Unseen usernames are treated as new-account requests.
	regErr := s.catalog.RegisterUser(role, username, password)
	if regErr != nil {
		s.logger.Info().Str("user", username).Msg("login rejected")
		return s.respondStatus(protocol.CmdLogin, protocol.StatusInvalidCredentials, "Login failed (wrong password)")
	}

	s.user = username
	s.role = role
	s.logger.Info().Str("user", username).Str("role", role).Msg("new user registered and logged in")
	s.emit(ctx, events.EventUserRegistered, events.UserPayload{Username: username, Role: role})
	return s.respondStatus(protocol.CmdLogin, protocol.StatusSuccess, "Account created and logged in")
}

// handleLogout clears the identity and ends the session loop. No response
// frame is sent.
func (s *Session) handleLogout(_ context.Context, _ protocol.Body) error {
	s.logger.Info().Str("user", s.user).Msg("user logged out")
	s.user = ""
	s.role = ""
	s.running = false
	return nil
}

// handleUploadGame receives a new game: metadata frame, ready response,
// raw archive bytes into a staging area, unpack, catalog registration,
// publish. Failures discard only the staged files; games already on disk
// are never touched.
func (s *Session) handleUploadGame(ctx context.Context, body protocol.Body) error {
	if !s.Authenticated() {
		return s.respondError(protocol.StatusPermissionDenied, "Not logged in")
	}

	name := body.GetString("name")
	version := body.GetString("version")
	fileSize, hasSize := body.GetInt64("file_size")
	if name == "" || version == "" || !hasSize || fileSize <= 0 {
		return s.respondError(protocol.StatusServerError, "Missing fields")
	}

	// Reject known duplicates before any bytes move. AddGame below stays
	// the authority when two uploads race on the same name.
	if _, err := s.catalog.GetGame(name); err == nil {
		return s.respondError(protocol.StatusVersionMismatch, "Game already exists, use update instead")
	}

	storage := s.cfg.GetStorage()
	stagedArtifact, stagedInstall, err := stagingPaths(storage.ArtifactsDir, storage.InstallDir)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to prepare staging area")
		return s.respondError(protocol.StatusServerError, "Storage unavailable")
	}

	if err := s.respondStatus(protocol.CmdUploadGame, protocol.StatusSuccess, "Ready to receive"); err != nil {
		discardStaged(stagedArtifact, stagedInstall)
		return err
	}

	s.logger.Info().
		Str("game", name).
		Str("version", version).
		Int64("bytes", fileSize).
		Msg("receiving game archive")

	// The per-frame read deadline does not cover a multi-chunk transfer.
	s.conn.SetReadDeadline(time.Time{})
	if err := protocol.RecvFile(s.conn, fileSize, stagedArtifact); err != nil {
		discardStaged(stagedArtifact, stagedInstall)
		// The stream is desynchronized; nothing sane can follow.
		return fmt.Errorf("upload transfer failed: %w", err)
	}

	if err := store.Unpack(stagedArtifact, stagedInstall); err != nil {
		discardStaged(stagedArtifact, stagedInstall)
		s.logger.Warn().Err(err).Str("game", name).Msg("failed to unpack uploaded archive")
		return s.respondError(protocol.StatusServerError, fmt.Sprintf("Unpack failed: %v", err))
	}

	err = s.catalog.AddGame(store.Game{
		Name:        name,
		Version:     version,
		Author:      s.user,
		Description: body.GetString("description"),
		Type:        body.GetString("type"),
		ExePath:     body.GetString("exe_path"),
	})
	if err != nil {
		discardStaged(stagedArtifact, stagedInstall)
		if errors.Is(err, store.ErrDuplicateName) {
			return s.respondError(protocol.StatusVersionMismatch, "Game already exists, use update instead")
		}
		return s.respondError(protocol.StatusServerError, fmt.Sprintf("DB Error: %v", err))
	}

	artifactPath := store.ArtifactPath(storage.ArtifactsDir, name, version)
	installPath := store.InstallPath(storage.InstallDir, name)
	if err := commitStaged(stagedArtifact, artifactPath, stagedInstall, installPath); err != nil {
		// Keep catalog and disk consistent: drop the row just inserted.
		s.catalog.DeleteGame(name, s.user)
		discardStaged(stagedArtifact, stagedInstall)
		s.logger.Error().Err(err).Str("game", name).Msg("failed to publish uploaded game")
		return s.respondError(protocol.StatusServerError, "Storage error")
	}

	s.emit(ctx, events.EventGameUploaded, events.GamePayload{Name: name, Version: version, Author: s.user})
	return s.respondStatus(protocol.CmdUploadGame, protocol.StatusSuccess, "Upload complete")
}

// handleUpdateGame is the upload flow for an existing game. Authorship is
// checked before the transfer starts and again by the catalog write, which
// stays the authority under races. The current release is replaced only
// after the new one is fully staged.
func (s *Session) handleUpdateGame(ctx context.Context, body protocol.Body) error {
	if !s.Authenticated() {
		return s.respondError(protocol.StatusPermissionDenied, "Not logged in")
	}

	name := body.GetString("name")
	version := body.GetString("version")
	fileSize, hasSize := body.GetInt64("file_size")
	if name == "" || version == "" || !hasSize || fileSize <= 0 {
		return s.respondError(protocol.StatusServerError, "Missing fields")
	}

	game, err := s.catalog.GetGame(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.respondError(protocol.StatusGameNotFound, "Game not found")
		}
		return s.respondError(protocol.StatusServerError, err.Error())
	}
	if game.Author != s.user {
		return s.respondError(protocol.StatusPermissionDenied, "Only the author can update a game")
	}

	storage := s.cfg.GetStorage()
	stagedArtifact, stagedInstall, err := stagingPaths(storage.ArtifactsDir, storage.InstallDir)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to prepare staging area")
		return s.respondError(protocol.StatusServerError, "Storage unavailable")
	}

	if err := s.respondStatus(protocol.CmdUpdateGame, protocol.StatusSuccess, "Ready to receive update"); err != nil {
		discardStaged(stagedArtifact, stagedInstall)
		return err
	}

	// The per-frame read deadline does not cover a multi-chunk transfer.
	s.conn.SetReadDeadline(time.Time{})
	if err := protocol.RecvFile(s.conn, fileSize, stagedArtifact); err != nil {
		discardStaged(stagedArtifact, stagedInstall)
		return fmt.Errorf("update transfer failed: %w", err)
	}

	if err := store.Unpack(stagedArtifact, stagedInstall); err != nil {
		discardStaged(stagedArtifact, stagedInstall)
		s.logger.Warn().Err(err).Str("game", name).Msg("failed to unpack update archive")
		return s.respondError(protocol.StatusServerError, fmt.Sprintf("Unpack failed: %v", err))
	}

	err = s.catalog.UpdateGameVersion(name, s.user, version, body.GetString("exe_path"))
	if err != nil {
		// Lost the race or the game vanished: the staged files are
		// discarded and the published release stays untouched.
		discardStaged(stagedArtifact, stagedInstall)
		switch {
		case errors.Is(err, store.ErrNotAuthor):
			return s.respondError(protocol.StatusPermissionDenied, err.Error())
		case errors.Is(err, store.ErrNotFound):
			return s.respondError(protocol.StatusGameNotFound, err.Error())
		default:
			return s.respondError(protocol.StatusServerError, err.Error())
		}
	}

	artifactPath := store.ArtifactPath(storage.ArtifactsDir, name, version)
	installPath := store.InstallPath(storage.InstallDir, name)
	if err := commitStaged(stagedArtifact, artifactPath, stagedInstall, installPath); err != nil {
		discardStaged(stagedArtifact, stagedInstall)
		s.logger.Error().Err(err).Str("game", name).Msg("failed to publish game update")
		return s.respondError(protocol.StatusServerError, "Storage error")
	}
	if old := store.ArtifactPath(storage.ArtifactsDir, game.Name, game.Version); old != artifactPath {
		os.Remove(old)
	}

	s.emit(ctx, events.EventGameUpdated, events.GamePayload{Name: name, Version: version, Author: s.user})
	return s.respondStatus(protocol.CmdUpdateGame, protocol.StatusSuccess, "Update success")
}

// stagingPaths prepares a temporary artifact file and install directory so
// a failed transfer never touches the published locations.
func stagingPaths(artifactsDir, installDir string) (string, string, error) {
	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(installDir, 0755); err != nil {
		return "", "", err
	}
	f, err := os.CreateTemp(artifactsDir, ".incoming-*.zip")
	if err != nil {
		return "", "", err
	}
	f.Close()
	dir, err := os.MkdirTemp(installDir, ".staging-")
	if err != nil {
		os.Remove(f.Name())
		return "", "", err
	}
	return f.Name(), dir, nil
}

func discardStaged(stagedArtifact, stagedInstall string) {
	os.Remove(stagedArtifact)
	os.RemoveAll(stagedInstall)
}

// commitStaged moves a fully received artifact and its unpacked tree into
// the live locations.
func commitStaged(stagedArtifact, artifactPath, stagedInstall, installPath string) error {
	if err := os.Rename(stagedArtifact, artifactPath); err != nil {
		return fmt.Errorf("failed to publish artifact: %w", err)
	}
	if err := os.RemoveAll(installPath); err != nil {
		return fmt.Errorf("failed to replace install dir: %w", err)
	}
	if err := os.Rename(stagedInstall, installPath); err != nil {
		return fmt.Errorf("failed to publish install dir: %w", err)
	}
	return nil
}

// handleDeleteGame unpublishes a game: catalog row, reviews, artifact,
// and install directory.
func (s *Session) handleDeleteGame(ctx context.Context, body protocol.Body) error {
	if !s.Authenticated() {
		return s.respondError(protocol.StatusPermissionDenied, "Not logged in")
	}

	name := body.GetString("name")
	if name == "" {
		return s.respondError(protocol.StatusServerError, "Missing fields")
	}

	// Look the record up first so the exact artifact file can be removed
	// after the catalog row is gone.
	game, _ := s.catalog.GetGame(name)

	if err := s.catalog.DeleteGame(name, s.user); err != nil {
		switch {
		case errors.Is(err, store.ErrNotAuthor):
			return s.respondError(protocol.StatusPermissionDenied, err.Error())
		case errors.Is(err, store.ErrNotFound):
			return s.respondError(protocol.StatusGameNotFound, err.Error())
		default:
			return s.respondError(protocol.StatusServerError, err.Error())
		}
	}

	storage := s.cfg.GetStorage()
	if game.Name != "" {
		os.Remove(store.ArtifactPath(storage.ArtifactsDir, game.Name, game.Version))
	}
	os.RemoveAll(store.InstallPath(storage.InstallDir, name))

	s.emit(ctx, events.EventGameDeleted, events.GamePayload{Name: name, Author: s.user})
	return s.respondStatus(protocol.CmdDeleteGame, protocol.StatusSuccess, "Game removed")
}

// handleListMyGames returns the caller's own published games.
func (s *Session) handleListMyGames(_ context.Context, _ protocol.Body) error {
	if !s.Authenticated() {
		return s.respondError(protocol.StatusPermissionDenied, "Not logged in")
	}

	games, err := s.catalog.ListMyGames(s.user)
	if err != nil {
		return s.respondError(protocol.StatusServerError, err.Error())
	}
	return s.respond(protocol.CmdListMyGames, protocol.Body{"games": games})
}

// handleListAllGames returns the full catalog; no login required.
func (s *Session) handleListAllGames(_ context.Context, _ protocol.Body) error {
	games, err := s.catalog.ListAllGames()
	if err != nil {
		return s.respondError(protocol.StatusServerError, err.Error())
	}
	return s.respond(protocol.CmdListAllGames, protocol.Body{"games": games})
}

// handleGetGameInfo returns one game record with its aggregate rating.
func (s *Session) handleGetGameInfo(_ context.Context, body protocol.Body) error {
	name := body.GetString("name")
	if name == "" {
		return s.respondError(protocol.StatusServerError, "Missing fields")
	}

	game, err := s.catalog.GetGame(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.respondError(protocol.StatusGameNotFound, "Game not found")
		}
		return s.respondError(protocol.StatusServerError, err.Error())
	}

	rating, err := s.catalog.GameRating(name)
	if err != nil {
		return s.respondError(protocol.StatusServerError, err.Error())
	}

	return s.respond(protocol.CmdGetGameInfo, protocol.Body{
		"status":       int(protocol.StatusSuccess),
		"game":         game,
		"rating":       rating.Average,
		"review_count": rating.Count,
	})
}

// handleDownloadGame answers with the latest version and size, then streams
// the artifact bytes raw. The receiver knows when fileSize bytes have
// arrived; there is no trailing handshake.
func (s *Session) handleDownloadGame(ctx context.Context, body protocol.Body) error {
	name := body.GetString("name")
	if name == "" {
		return s.respondError(protocol.StatusServerError, "Missing fields")
	}

	game, err := s.catalog.GetGame(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.respondError(protocol.StatusGameNotFound, "Game not found")
		}
		return s.respondError(protocol.StatusServerError, err.Error())
	}

	artifactPath := store.ArtifactPath(s.cfg.GetStorage().ArtifactsDir, game.Name, game.Version)
	fi, err := os.Stat(artifactPath)
	if err != nil {
		s.logger.Warn().Str("game", name).Str("path", artifactPath).Msg("artifact missing on disk")
		return s.respondError(protocol.StatusGameNotFound, "Game file missing on server")
	}

	if err := s.respond(protocol.CmdDownloadGame, protocol.Body{
		"status":    int(protocol.StatusSuccess),
		"version":   game.Version,
		"file_size": fi.Size(),
	}); err != nil {
		return err
	}

	s.logger.Info().
		Str("game", name).
		Str("version", game.Version).
		Int64("bytes", fi.Size()).
		Str("user", s.user).
		Msg("sending game archive")

	if _, err := protocol.SendFile(s.conn, artifactPath); err != nil {
		return fmt.Errorf("download transfer failed: %w", err)
	}

	s.emit(ctx, events.EventGameDownloaded, events.GamePayload{
		Name: game.Name, Version: game.Version, Author: game.Author, User: s.user,
	})
	return nil
}

// handleCreateRoom spawns a room server for the requested game and reports
// the room id and port.
func (s *Session) handleCreateRoom(ctx context.Context, body protocol.Body) error {
	if !s.Authenticated() {
		return s.respondError(protocol.StatusPermissionDenied, "Please login first")
	}

	gameName := body.GetString("game_name")
	if gameName == "" {
		return s.respondError(protocol.StatusServerError, "Game name required")
	}

	roomID, port, err := s.rooms.CreateRoom(ctx, s.user, gameName)
	if err != nil {
		var spawnErr *room.SpawnError
		switch {
		case errors.Is(err, room.ErrGameNotInstalled):
			return s.respondError(protocol.StatusGameNotFound, "Server script missing")
		case errors.As(err, &spawnErr):
			return s.respondError(protocol.StatusServerError, spawnErr.Error())
		default:
			return s.respondError(protocol.StatusServerError, err.Error())
		}
	}

	return s.respond(protocol.CmdCreateRoom, protocol.Body{
		"status":  int(protocol.StatusSuccess),
		"room_id": roomID,
		"port":    int(port),
		"msg":     "Room created",
	})
}

// handleJoinRoom resolves a room id to its port. A room whose server has
// exited is evicted and reported dead.
func (s *Session) handleJoinRoom(ctx context.Context, body protocol.Body) error {
	if !s.Authenticated() {
		return s.respondError(protocol.StatusPermissionDenied, "Please login first")
	}

	roomID := body.GetString("room_id")
	if roomID == "" {
		return s.respondError(protocol.StatusServerError, "Room id required")
	}

	port, err := s.rooms.JoinRoom(ctx, roomID, s.user)
	if err != nil {
		switch {
		case errors.Is(err, room.ErrRoomNotFound):
			return s.respondError(protocol.StatusGameNotFound, "Room not found")
		case errors.Is(err, room.ErrRoomDead):
			return s.respondError(protocol.StatusGameNotFound, "Room server has exited")
		default:
			return s.respondError(protocol.StatusServerError, err.Error())
		}
	}

	return s.respond(protocol.CmdJoinRoom, protocol.Body{
		"status":  int(protocol.StatusSuccess),
		"room_id": roomID,
		"port":    int(port),
	})
}

// handleRateGame upserts a review keyed by (game, reviewer); a second
// rating from the same player replaces the first.
func (s *Session) handleRateGame(ctx context.Context, body protocol.Body) error {
	if !s.Authenticated() {
		return s.respondError(protocol.StatusPermissionDenied, "Login required")
	}

	gameName := body.GetString("game_name")
	rating, hasRating := body.GetInt64("rating")
	if gameName == "" || !hasRating {
		return s.respondError(protocol.StatusServerError, "Missing fields")
	}

	err := s.catalog.AddOrReplaceReview(gameName, s.user, int(rating), body.GetString("comment"))
	if err != nil {
		return s.respondError(protocol.StatusServerError, err.Error())
	}

	s.emit(ctx, events.EventReviewSaved, events.ReviewPayload{
		GameName: gameName, Reviewer: s.user, Rating: int(rating),
	})
	return s.respondStatus(protocol.CmdRateGame, protocol.StatusSuccess, "Review saved")
}

// handleListRooms returns every registered room, taken under the registry
// lock.
func (s *Session) handleListRooms(_ context.Context, _ protocol.Body) error {
	return s.respond(protocol.CmdListRooms, protocol.Body{"rooms": s.rooms.ListRooms()})
}

func (s *Session) emit(ctx context.Context, t events.EventType, payload any) {
	s.eventBus.Emit(ctx, events.Event{
		Type:    t,
		Source:  "session:" + s.conn.RemoteAddr().String(),
		Payload: payload,
	})
}
