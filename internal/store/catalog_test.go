package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(filepath.Join(t.TempDir(), "gamestore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegisterAndValidateLogin(t *testing.T) {
	c := newTestCatalog(t)

	require.NoError(t, c.RegisterUser(RoleDev, "neo", "x"))

	ok, err := c.ValidateLogin(RoleDev, "neo", "x")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ValidateLogin(RoleDev, "neo", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown user is a clean false, not an error.
	ok, err = c.ValidateLogin(RoleDev, "ghost", "x")
	require.NoError(t, err)
	assert.False(t, ok)

	// Same name under the other role is a separate account namespace.
	ok, err = c.ValidateLogin(RolePlayer, "neo", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterDuplicateUser(t *testing.T) {
	c := newTestCatalog(t)

	require.NoError(t, c.RegisterUser(RolePlayer, "alice", "pw1"))
	assert.ErrorIs(t, c.RegisterUser(RolePlayer, "alice", "pw2"), ErrDuplicateUser)
}

func TestRegisterInvalidRole(t *testing.T) {
	c := newTestCatalog(t)
	assert.ErrorIs(t, c.RegisterUser("admin", "eve", "pw"), ErrInvalidRole)
}

func TestAddGameAndLookups(t *testing.T) {
	c := newTestCatalog(t)

	require.NoError(t, c.AddGame(Game{
		Name: "Pong", Version: "1.0", Author: "alice",
		Description: "classic", Type: "arcade", ExePath: "pong/client",
	}))
	require.NoError(t, c.AddGame(Game{Name: "Chess", Version: "2.1", Author: "bob"}))

	assert.ErrorIs(t, c.AddGame(Game{Name: "Pong", Version: "9.9", Author: "mallory"}), ErrDuplicateName)

	all, err := c.ListAllGames()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := c.ListMyGames("alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "Pong", mine[0].Name)

	g, err := c.GetGame("Pong")
	require.NoError(t, err)
	assert.Equal(t, "1.0", g.Version)
	assert.Equal(t, "arcade", g.Type)

	_, err = c.GetGame("Doom")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateGameVersionAuthorCheck(t *testing.T) {
	c := newTestCatalog(t)

	require.NoError(t, c.AddGame(Game{Name: "Chess", Version: "1.0", Author: "alice"}))

	assert.ErrorIs(t, c.UpdateGameVersion("Chess", "bob", "1.1", "chess/new"), ErrNotAuthor)
	assert.ErrorIs(t, c.UpdateGameVersion("Go", "alice", "1.1", ""), ErrNotFound)

	// Rejected update must not mutate the catalog.
	g, err := c.GetGame("Chess")
	require.NoError(t, err)
	assert.Equal(t, "1.0", g.Version)

	require.NoError(t, c.UpdateGameVersion("Chess", "alice", "1.1", "chess/new"))
	g, err = c.GetGame("Chess")
	require.NoError(t, err)
	assert.Equal(t, "1.1", g.Version)
	assert.Equal(t, "chess/new", g.ExePath)
}

func TestDeleteGame(t *testing.T) {
	c := newTestCatalog(t)

	require.NoError(t, c.AddGame(Game{Name: "Pong", Version: "1.0", Author: "alice"}))
	require.NoError(t, c.AddOrReplaceReview("Pong", "bob", 4, "fun"))

	assert.ErrorIs(t, c.DeleteGame("Pong", "bob"), ErrNotAuthor)
	require.NoError(t, c.DeleteGame("Pong", "alice"))

	_, err := c.GetGame("Pong")
	assert.ErrorIs(t, err, ErrNotFound)

	r, err := c.GameRating("Pong")
	require.NoError(t, err)
	assert.Zero(t, r.Count)
}

func TestReviewUpsert(t *testing.T) {
	c := newTestCatalog(t)

	require.NoError(t, c.AddGame(Game{Name: "Pong", Version: "1.0", Author: "alice"}))

	require.NoError(t, c.AddOrReplaceReview("Pong", "bob", 2, "meh"))
	require.NoError(t, c.AddOrReplaceReview("Pong", "bob", 5, "grew on me"))
	require.NoError(t, c.AddOrReplaceReview("Pong", "carol", 3, ""))

	r, err := c.GameRating("Pong")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count)
	assert.InDelta(t, 4.0, r.Average, 0.001)
}

func TestReviewRatingBounds(t *testing.T) {
	c := newTestCatalog(t)

	assert.ErrorIs(t, c.AddOrReplaceReview("Pong", "bob", 0, ""), ErrInvalidRating)
	assert.ErrorIs(t, c.AddOrReplaceReview("Pong", "bob", 6, ""), ErrInvalidRating)
}

func TestGameRatingNoReviews(t *testing.T) {
	c := newTestCatalog(t)

	r, err := c.GameRating("Nothing")
	require.NoError(t, err)
	assert.Zero(t, r.Average)
	assert.Zero(t, r.Count)
}
