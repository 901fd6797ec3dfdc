// Package collector provides the per-run, in-memory identity index over
// the persisted metadata graph of one datastore.
//
// A Collector is built once from a read-only snapshot and never mutates
// the underlying rows: matching is pure bookkeeping through the
// processed-set. After a full pass over the inspected snapshot, whatever
// remains unassigned is exactly the set of objects that must be dropped.
package collector

import (
	"context"

	"github.com/metaglass/metaglass/internal/catalog"
)

// Collector indexes the persisted entities of one kind for identity
// resolution. Lookups are backed by hash maps built at construction;
// Unassigned preserves the original load order.
type Collector struct {
	kind       catalog.Kind
	order      []catalog.Entity
	byPK       map[string]catalog.Entity
	byObjectID map[string]catalog.Entity
	byName     map[string]catalog.Entity
	byRevision map[string]catalog.Entity
	processed  map[string]bool
}

// New builds a Collector over the given entities.
func New(kind catalog.Kind, entities []catalog.Entity) *Collector {
	c := &Collector{
		kind:       kind,
		order:      entities,
		byPK:       make(map[string]catalog.Entity, len(entities)),
		byObjectID: make(map[string]catalog.Entity, len(entities)),
		byName:     make(map[string]catalog.Entity, len(entities)),
		byRevision: make(map[string]catalog.Entity, len(entities)),
		processed:  make(map[string]bool),
	}
	for _, e := range entities {
		c.index(e)
	}
	return c
}

func (c *Collector) index(e catalog.Entity) {
	c.byPK[e.EntityPK()] = e
	if id := e.EntityObjectID(); id != "" {
		c.byObjectID[id] = e
	}
	c.byName[nameKey(e.ScopePK(), e.EntityName())] = e
	if rev := e.CreatedRevision(); rev != "" {
		c.byRevision[rev] = e
	}
}

// Kind returns the entity kind this collector indexes.
func (c *Collector) Kind() catalog.Kind { return c.kind }

// ByPK returns the entity with the given primary key, or nil.
func (c *Collector) ByPK(pk string) catalog.Entity {
	return c.byPK[pk]
}

// ByObjectID returns the entity with the given remote object identifier.
// With unassignedOnly, entities already claimed this run are skipped.
func (c *Collector) ByObjectID(objectID string, unassignedOnly bool) catalog.Entity {
	e := c.byObjectID[objectID]
	if e == nil || (unassignedOnly && c.processed[e.EntityPK()]) {
		return nil
	}
	return e
}

// ByName returns the entity with the given name within the parent scope.
// With unassignedOnly, entities already claimed this run are skipped.
func (c *Collector) ByName(scopePK, name string, unassignedOnly bool) catalog.Entity {
	e := c.byName[nameKey(scopePK, name)]
	if e == nil || (unassignedOnly && c.processed[e.EntityPK()]) {
		return nil
	}
	return e
}

// ByCreatedRevision returns the entity whose creating revision has the
// given checksum, or nil.
func (c *Collector) ByCreatedRevision(revisionID string) catalog.Entity {
	return c.byRevision[revisionID]
}

// MarkProcessed records that the entity with the given primary key was
// matched during this run. Idempotent.
func (c *Collector) MarkProcessed(pk string) {
	c.processed[pk] = true
}

// Unassigned returns, in load order, every entity never marked processed.
func (c *Collector) Unassigned() []catalog.Entity {
	var out []catalog.Entity
	for _, e := range c.order {
		if !c.processed[e.EntityPK()] {
			out = append(out, e)
		}
	}
	return out
}

// Add indexes an entity created after construction. The commit engine
// uses it so rows inserted earlier in the same transaction are
// resolvable by later passes.
func (c *Collector) Add(e catalog.Entity) {
	c.order = append(c.order, e)
	c.index(e)
	c.processed[e.EntityPK()] = true
}

// Rekey re-indexes an entity's name entry after its name or scope
// changed, so later name lookups in the same transaction resolve the
// current value. The other indexes key on immutable identifiers.
func (c *Collector) Rekey(e catalog.Entity, oldScopePK, oldName string) {
	if stale := c.byName[nameKey(oldScopePK, oldName)]; stale == e {
		delete(c.byName, nameKey(oldScopePK, oldName))
	}
	c.byName[nameKey(e.ScopePK(), e.EntityName())] = e
}

func nameKey(scopePK, name string) string {
	return scopePK + "\x00" + name
}

// Definition bundles one Collector per revisable kind for one datastore.
type Definition struct {
	Schemas *Collector
	Tables  *Collector
	Columns *Collector
	Indexes *Collector
}

// BuildDefinition loads the datastore's persisted graph and indexes it.
// Each extraction task builds its own Definition from a read-only query;
// instances are never shared across tasks.
func BuildDefinition(ctx context.Context, store catalog.Store, datastoreID string) (*Definition, error) {
	schemas, err := store.ListSchemas(ctx, datastoreID)
	if err != nil {
		return nil, err
	}
	tables, err := store.ListTables(ctx, datastoreID)
	if err != nil {
		return nil, err
	}
	columns, err := store.ListColumns(ctx, datastoreID)
	if err != nil {
		return nil, err
	}
	indexes, err := store.ListIndexes(ctx, datastoreID)
	if err != nil {
		return nil, err
	}

	return &Definition{
		Schemas: New(catalog.KindSchema, asEntities(schemas)),
		Tables:  New(catalog.KindTable, asEntities(tables)),
		Columns: New(catalog.KindColumn, asEntities(columns)),
		Indexes: New(catalog.KindIndex, asEntities(indexes)),
	}, nil
}

// ForKind returns the collector for the given kind, or nil.
func (d *Definition) ForKind(kind catalog.Kind) *Collector {
	switch kind {
	case catalog.KindSchema:
		return d.Schemas
	case catalog.KindTable:
		return d.Tables
	case catalog.KindColumn:
		return d.Columns
	case catalog.KindIndex:
		return d.Indexes
	default:
		return nil
	}
}

// ByRevision searches across kinds for the entity created by the given
// revision. With kinds, the search is restricted to those collectors.
func (d *Definition) ByRevision(revisionID string, kinds ...catalog.Kind) catalog.Entity {
	if len(kinds) == 0 {
		kinds = catalog.RevisableKinds
	}
	for _, k := range kinds {
		if c := d.ForKind(k); c != nil {
			if e := c.ByCreatedRevision(revisionID); e != nil {
				return e
			}
		}
	}
	return nil
}

func asEntities[E catalog.Entity](rows []E) []catalog.Entity {
	out := make([]catalog.Entity, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
