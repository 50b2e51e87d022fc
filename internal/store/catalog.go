package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// User roles accepted by the catalog. Developers publish games, players
// download, rate, and host rooms for them.
const (
	RoleDev    = "dev"
	RolePlayer = "player"
)

// Sentinel errors surfaced to the session layer, which maps them onto
// protocol status codes.
var (
	ErrDuplicateUser = errors.New("username already exists")
	ErrDuplicateName = errors.New("game name already exists")
	ErrNotFound      = errors.New("game not found")
	ErrNotAuthor     = errors.New("permission denied: not the author")
	ErrInvalidRole   = errors.New("invalid role")
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
)

// Game is a published catalog entry.
type Game struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	Description string `json:"description"`
	Type        string `json:"type"`
	ExePath     string `json:"exe_path"`
}

// Rating is the aggregated review score for a game.
type Rating struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// Catalog is the SQLite-backed catalog store. All conflicting writes are
// serialized by the underlying Database; uniqueness violations surface as
// sentinel errors to exactly one of two racing callers.
type Catalog struct {
	db *Database
}

// NewCatalog opens the catalog database and applies the schema.
func NewCatalog(dbPath string) (*Catalog, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	c := &Catalog{db: database}
	if err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog database: %w", err)
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// migrate creates the catalog schema.
func (c *Catalog) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS developers (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS players (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS games (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			author TEXT NOT NULL,
			description TEXT,
			game_type TEXT,
			exe_path TEXT,
			UNIQUE(name)
		);

		CREATE TABLE IF NOT EXISTS reviews (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			game_name TEXT NOT NULL,
			player_name TEXT NOT NULL,
			rating INTEGER CHECK(rating >= 1 AND rating <= 5),
			comment TEXT,
			UNIQUE(game_name, player_name)
		);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return err
	}

	log.Debug().Msg("catalog schema applied")
	return nil
}

// hashPassword returns the hex SHA-256 digest of a password.
func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// tableForRole maps a role onto its account table.
func tableForRole(role string) (string, error) {
	switch role {
	case RoleDev:
		return "developers", nil
	case RolePlayer:
		return "players", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
}

// RegisterUser creates a new account. Returns ErrDuplicateUser when the
// username is already taken for that role.
func (c *Catalog) RegisterUser(role, username, password string) error {
	table, err := tableForRole(role)
	if err != nil {
		return err
	}

	_, err = c.db.Exec(
		fmt.Sprintf("INSERT INTO %s (username, password_hash) VALUES (?, ?)", table),
		username, hashPassword(password),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("failed to register user: %w", err)
	}

	log.Info().Str("role", role).Str("username", username).Msg("user registered")
	return nil
}

// ValidateLogin checks a username/password pair against the account table
// for the given role.
func (c *Catalog) ValidateLogin(role, username, password string) (bool, error) {
	table, err := tableForRole(role)
	if err != nil {
		return false, err
	}

	var storedHash string
	row := c.db.QueryRow(
		fmt.Sprintf("SELECT password_hash FROM %s WHERE username = ?", table),
		username,
	)
	if err := row.Scan(&storedHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query credentials: %w", err)
	}

	return storedHash == hashPassword(password), nil
}

// AddGame publishes a new game. Returns ErrDuplicateName when a game with
// the same name already exists.
func (c *Catalog) AddGame(g Game) error {
	_, err := c.db.Exec(
		`INSERT INTO games (name, version, author, description, game_type, exe_path)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		g.Name, g.Version, g.Author, g.Description, g.Type, g.ExePath,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("failed to add game: %w", err)
	}

	log.Info().Str("game", g.Name).Str("version", g.Version).Str("author", g.Author).Msg("game published")
	return nil
}

// UpdateGameVersion bumps a game's version and executable path. Only the
// original author may update; mismatch returns ErrNotAuthor.
func (c *Catalog) UpdateGameVersion(name, author, newVersion, newExePath string) error {
	return c.db.Transaction(func(tx *sql.Tx) error {
		var storedAuthor string
		if err := tx.QueryRow("SELECT author FROM games WHERE name = ?", name).Scan(&storedAuthor); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to look up game: %w", err)
		}
		if storedAuthor != author {
			return ErrNotAuthor
		}

		if _, err := tx.Exec(
			"UPDATE games SET version = ?, exe_path = ? WHERE name = ?",
			newVersion, newExePath, name,
		); err != nil {
			return fmt.Errorf("failed to update game: %w", err)
		}

		log.Info().Str("game", name).Str("version", newVersion).Msg("game updated")
		return nil
	})
}

// DeleteGame removes a game and its reviews. Only the author may delete.
func (c *Catalog) DeleteGame(name, author string) error {
	return c.db.Transaction(func(tx *sql.Tx) error {
		var storedAuthor string
		if err := tx.QueryRow("SELECT author FROM games WHERE name = ?", name).Scan(&storedAuthor); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to look up game: %w", err)
		}
		if storedAuthor != author {
			return ErrNotAuthor
		}

		if _, err := tx.Exec("DELETE FROM games WHERE name = ?", name); err != nil {
			return fmt.Errorf("failed to delete game: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM reviews WHERE game_name = ?", name); err != nil {
			return fmt.Errorf("failed to delete reviews: %w", err)
		}

		log.Info().Str("game", name).Msg("game removed from catalog")
		return nil
	})
}

// GetGame returns a single game by name.
func (c *Catalog) GetGame(name string) (Game, error) {
	var g Game
	row := c.db.QueryRow(
		"SELECT id, name, version, author, description, game_type, exe_path FROM games WHERE name = ?",
		name,
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Version, &g.Author, &g.Description, &g.Type, &g.ExePath); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Game{}, ErrNotFound
		}
		return Game{}, fmt.Errorf("failed to query game: %w", err)
	}
	return g, nil
}

// ListAllGames returns every published game.
func (c *Catalog) ListAllGames() ([]Game, error) {
	rows, err := c.db.Query(
		"SELECT id, name, version, author, description, game_type, exe_path FROM games ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list games: %w", err)
	}
	defer rows.Close()

	return scanGames(rows)
}

// ListMyGames returns the games published by one author.
func (c *Catalog) ListMyGames(author string) ([]Game, error) {
	rows, err := c.db.Query(
		"SELECT id, name, version, author, description, game_type, exe_path FROM games WHERE author = ? ORDER BY name",
		author,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list games for author: %w", err)
	}
	defer rows.Close()

	return scanGames(rows)
}

func scanGames(rows *sql.Rows) ([]Game, error) {
	games := []Game{}
	for rows.Next() {
		var g Game
		if err := rows.Scan(&g.ID, &g.Name, &g.Version, &g.Author, &g.Description, &g.Type, &g.ExePath); err != nil {
			return nil, fmt.Errorf("failed to scan game row: %w", err)
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

// AddOrReplaceReview records a rating for (game, reviewer). A second review
// from the same player on the same game replaces the first.
func (c *Catalog) AddOrReplaceReview(gameName, reviewer string, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}

	_, err := c.db.Exec(
		`INSERT INTO reviews (game_name, player_name, rating, comment)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(game_name, player_name)
		 DO UPDATE SET rating=excluded.rating, comment=excluded.comment`,
		gameName, reviewer, rating, comment,
	)
	if err != nil {
		return fmt.Errorf("failed to save review: %w", err)
	}

	log.Debug().Str("game", gameName).Str("reviewer", reviewer).Int("rating", rating).Msg("review saved")
	return nil
}

// GameRating returns the average score and review count for a game.
// A game with no reviews yields a zero Rating.
func (c *Catalog) GameRating(gameName string) (Rating, error) {
	var avg sql.NullFloat64
	var count int
	row := c.db.QueryRow(
		"SELECT AVG(rating), COUNT(*) FROM reviews WHERE game_name = ?",
		gameName,
	)
	if err := row.Scan(&avg, &count); err != nil {
		return Rating{}, fmt.Errorf("failed to query rating: %w", err)
	}

	if !avg.Valid {
		return Rating{}, nil
	}
	return Rating{Average: avg.Float64, Count: count}, nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness constraint
// failure. modernc.org/sqlite surfaces these as "UNIQUE constraint failed"
// in the error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
