package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	ID    string `db:"id"`
	Name  string `db:"name"`
	Email string
}

type auditedEntity struct {
	ID        string `db:"id"`
	CreatedBy string `db:"created_by"`
}

type order struct {
	auditedEntity
	Total   float64 `db:"total"`
	Ignored string  `db:"-"`
}

type keyless struct {
	Name string `db:"name"`
}

func TestMapEntity(t *testing.T) {
	t.Run("Should derive columns from db tags with snake_case fallback", func(t *testing.T) {
		m := MapEntity[user]("users")
		assert.Equal(t, "users", m.Table())
		assert.Equal(t, "id", m.IDColumn())
		assert.Equal(t, []string{"id", "name", "email"}, m.Columns())
	})
	t.Run("Should flatten embedded structs and skip dashed fields", func(t *testing.T) {
		m := MapEntity[order]("orders")
		assert.Equal(t, []string{"id", "created_by", "total"}, m.Columns())
	})
	t.Run("Should default the source to the entity package path", func(t *testing.T) {
		m := MapEntity[user]("users")
		assert.Equal(t, "github.com/quiverdb/quiver/engine/orm", m.Source())
	})
	t.Run("Should honor WithSource and WithID overrides", func(t *testing.T) {
		m := MapEntity[user]("users", WithSource("custom"), WithID("id"))
		assert.Equal(t, "custom", m.Source())
	})
	t.Run("Should panic when no field maps to the id column", func(t *testing.T) {
		require.Panics(t, func() { MapEntity[keyless]("keyless") })
	})
}

func TestMappingAccessors(t *testing.T) {
	m := MapEntity[user]("users")
	t.Run("Should extract and assign the primary key", func(t *testing.T) {
		u := &user{ID: "u1", Name: "Ada"}
		id, err := m.ID(u)
		require.NoError(t, err)
		assert.Equal(t, "u1", id)
		require.NoError(t, m.SetID(u, "u2"))
		assert.Equal(t, "u2", u.ID)
	})
	t.Run("Should report zero primary keys", func(t *testing.T) {
		zero, err := m.HasZeroID(&user{})
		require.NoError(t, err)
		assert.True(t, zero)
		zero, err = m.HasZeroID(&user{ID: "u1"})
		require.NoError(t, err)
		assert.False(t, zero)
	})
	t.Run("Should extract values in column order", func(t *testing.T) {
		values, err := m.Values(&user{ID: "u1", Name: "Ada", Email: "ada@example.com"})
		require.NoError(t, err)
		assert.Equal(t, []any{"u1", "Ada", "ada@example.com"}, values)
	})
	t.Run("Should exclude the primary key from update assignments", func(t *testing.T) {
		set, err := m.NonIDAssignments(&user{ID: "u1", Name: "Ada"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "Ada", "email": ""}, set)
	})
	t.Run("Should copy stored state into a destination pointer", func(t *testing.T) {
		var dst user
		require.NoError(t, m.CopyInto(&dst, user{ID: "u1", Name: "Ada"}))
		assert.Equal(t, "Ada", dst.Name)
	})
	t.Run("Should reject entities of the wrong type", func(t *testing.T) {
		_, err := m.ID(&order{})
		assert.Error(t, err)
	})
}

func TestEnsureID(t *testing.T) {
	m := MapEntity[user]("users")
	t.Run("Should generate an id for zero string keys", func(t *testing.T) {
		u := &user{Name: "Ada"}
		require.NoError(t, EnsureID(m, u))
		assert.NotEmpty(t, u.ID)
	})
	t.Run("Should leave assigned keys untouched", func(t *testing.T) {
		u := &user{ID: "u1"}
		require.NoError(t, EnsureID(m, u))
		assert.Equal(t, "u1", u.ID)
	})
	t.Run("Should reject value entities with zero keys", func(t *testing.T) {
		assert.Error(t, EnsureID(m, user{}))
	})
}

func TestToSnakeCase(t *testing.T) {
	t.Run("Should match scany column naming", func(t *testing.T) {
		assert.Equal(t, "user_id", toSnakeCase("UserID"))
		assert.Equal(t, "http_code", toSnakeCase("HTTPCode"))
		assert.Equal(t, "name", toSnakeCase("Name"))
		assert.Equal(t, "created_at", toSnakeCase("CreatedAt"))
	})
}
