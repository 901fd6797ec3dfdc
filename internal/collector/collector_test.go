package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaglass/metaglass/internal/catalog"
)

func tableEntity(pk, schemaPK, name, objectID, createdRev string) catalog.Entity {
	return &catalog.Table{PK: pk, SchemaPK: schemaPK, Name: name, ObjectID: objectID, CreatedRevisionID: createdRev}
}

func TestCollector_Lookups(t *testing.T) {
	users := tableEntity("t1", "s1", "users", "16384", "rev-users")
	groups := tableEntity("t2", "s1", "groups", "", "")
	other := tableEntity("t3", "s2", "users", "16390", "")

	c := New(catalog.KindTable, []catalog.Entity{users, groups, other})

	t.Run("by pk", func(t *testing.T) {
		assert.Equal(t, users, c.ByPK("t1"))
		assert.Nil(t, c.ByPK("missing"))
	})

	t.Run("by object id", func(t *testing.T) {
		assert.Equal(t, users, c.ByObjectID("16384", false))
		assert.Nil(t, c.ByObjectID("99999", false))
	})

	t.Run("by name is scoped to the parent", func(t *testing.T) {
		assert.Equal(t, users, c.ByName("s1", "users", false))
		assert.Equal(t, other, c.ByName("s2", "users", false))
		assert.Nil(t, c.ByName("s3", "users", false))
	})

	t.Run("by created revision", func(t *testing.T) {
		assert.Equal(t, users, c.ByCreatedRevision("rev-users"))
		assert.Nil(t, c.ByCreatedRevision(""))
	})
}

func TestCollector_UnassignedOnly(t *testing.T) {
	users := tableEntity("t1", "s1", "users", "16384", "")
	c := New(catalog.KindTable, []catalog.Entity{users})

	assert.Equal(t, users, c.ByObjectID("16384", true))
	c.MarkProcessed("t1")
	assert.Nil(t, c.ByObjectID("16384", true))
	assert.Nil(t, c.ByName("s1", "users", true))

	// unrestricted lookups still see the claimed entity
	assert.Equal(t, users, c.ByObjectID("16384", false))
}

func TestCollector_Unassigned(t *testing.T) {
	a := tableEntity("t1", "s1", "a", "", "")
	b := tableEntity("t2", "s1", "b", "", "")
	d := tableEntity("t3", "s1", "d", "", "")
	c := New(catalog.KindTable, []catalog.Entity{a, b, d})

	c.MarkProcessed("t2")

	got := c.Unassigned()
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0])
	assert.Equal(t, d, got[1])
}

func TestCollector_AddIsProcessedAndIndexed(t *testing.T) {
	c := New(catalog.KindTable, nil)
	created := tableEntity("t9", "s1", "fresh", "17000", "rev-fresh")
	c.Add(created)

	assert.Equal(t, created, c.ByPK("t9"))
	assert.Equal(t, created, c.ByCreatedRevision("rev-fresh"))
	assert.Empty(t, c.Unassigned(), "added entities are never drop candidates")
}

func TestCollector_Rekey(t *testing.T) {
	users := tableEntity("t1", "s1", "users", "16384", "")
	c := New(catalog.KindTable, []catalog.Entity{users})

	tbl := users.(*catalog.Table)
	tbl.Name = "accounts"
	c.Rekey(users, "s1", "users")

	assert.Equal(t, users, c.ByName("s1", "accounts", false))
	assert.Nil(t, c.ByName("s1", "users", false), "the stale name entry is gone")

	// a scope move re-keys too
	tbl.SchemaPK = "s2"
	c.Rekey(users, "s1", "accounts")
	assert.Equal(t, users, c.ByName("s2", "accounts", false))
	assert.Nil(t, c.ByName("s1", "accounts", false))
}

func TestDefinition_ByRevision(t *testing.T) {
	schema := &catalog.Schema{PK: "s1", DatastoreID: "ds1", Name: "public", CreatedRevisionID: "rev-schema"}
	table := &catalog.Table{PK: "t1", SchemaPK: "s1", Name: "users", CreatedRevisionID: "rev-table"}

	def := &Definition{
		Schemas: New(catalog.KindSchema, []catalog.Entity{schema}),
		Tables:  New(catalog.KindTable, []catalog.Entity{table}),
		Columns: New(catalog.KindColumn, nil),
		Indexes: New(catalog.KindIndex, nil),
	}

	assert.Equal(t, catalog.Entity(schema), def.ByRevision("rev-schema"))
	assert.Equal(t, catalog.Entity(table), def.ByRevision("rev-table", catalog.KindTable))
	assert.Nil(t, def.ByRevision("rev-table", catalog.KindSchema), "kind restriction excludes the match")
	assert.Nil(t, def.ByRevision("unknown"))
}
