// Package catalog defines the persisted metadata graph — datastores,
// schemas, tables, columns, indexes — together with the Revision change
// record, its deterministic checksum, and the Store contract all
// persistence drivers implement.
//
// The object hierarchy is a strict tree:
//
//	Datastore → Schema → Table → {Column, Index}
//
// Every revisable entity carries a surrogate primary key (opaque, never
// reused), the remote engine's own object identifier (whose stability
// across renames is engine-dependent), and a back-reference to the
// Revision that created it.
package catalog

import "time"

// Kind identifies one of the revisable entity kinds.
type Kind string

const (
	KindDatastore Kind = "datastore"
	KindSchema    Kind = "schema"
	KindTable     Kind = "table"
	KindColumn    Kind = "column"
	KindIndex     Kind = "index"
)

// RevisableKinds lists the four revisable kinds in parent-before-child
// order. The commit engine iterates this forward for creates and
// modifies, and backward for drops.
var RevisableKinds = []Kind{KindSchema, KindTable, KindColumn, KindIndex}

// Engine identifies the remote database engine a datastore connects to.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
)

// Datastore is a connectable external database. It owns schemas and is
// the scope within which revision checksums are unique.
type Datastore struct {
	ID      string
	Name    string
	Engine  Engine
	Version string

	// ObjectPropsDisabled suppresses user-defined custom properties on
	// this datastore's objects. Managed by the surrounding application.
	ObjectPropsDisabled bool

	CreatedAt time.Time
	DeletedAt *time.Time // soft delete; hard deletion is a separate destructive job
}

// Schema is a namespace inside a datastore.
type Schema struct {
	PK                string
	DatastoreID       string
	Name              string
	ObjectID          string
	Tags              []string
	CreatedRevisionID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Table is a table or view inside a schema.
type Table struct {
	PK                string
	SchemaPK          string
	Name              string
	ObjectID          string
	Kind              string // "table" or "view"
	Tags              []string
	CreatedRevisionID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Column is a single column of a table.
type Column struct {
	PK                string
	TablePK           string
	Name              string
	ObjectID          string
	OrdinalPosition   int
	DataType          string
	MaxLength         *int
	NumericScale      *int
	IsNullable        bool
	IsPrimary         bool
	DefaultValue      string
	Comment           string
	CreatedRevisionID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Index is an index of a table, with its ordered member columns.
type Index struct {
	PK                string
	TablePK           string
	Name              string
	ObjectID          string
	SQL               string
	IsPrimary         bool
	IsUnique          bool
	Columns           []IndexColumn
	CreatedRevisionID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IndexColumn is one join row between an index and a column of its table.
// ColumnName is resolved from the column row when indexes are listed, so
// it is always current even after column renames.
type IndexColumn struct {
	ColumnPK        string
	ColumnName      string
	OrdinalPosition int
}

// Entity is the common view of the four revisable entity kinds, used by
// the collector's identity indexes.
type Entity interface {
	EntityKind() Kind
	EntityPK() string
	EntityObjectID() string
	EntityName() string

	// ScopePK is the parent primary key that scopes name uniqueness:
	// the datastore for schemas, the schema for tables, the table for
	// columns and indexes.
	ScopePK() string

	CreatedRevision() string
}

func (s *Schema) EntityKind() Kind        { return KindSchema }
func (s *Schema) EntityPK() string        { return s.PK }
func (s *Schema) EntityObjectID() string  { return s.ObjectID }
func (s *Schema) EntityName() string      { return s.Name }
func (s *Schema) ScopePK() string         { return s.DatastoreID }
func (s *Schema) CreatedRevision() string { return s.CreatedRevisionID }

func (t *Table) EntityKind() Kind        { return KindTable }
func (t *Table) EntityPK() string        { return t.PK }
func (t *Table) EntityObjectID() string  { return t.ObjectID }
func (t *Table) EntityName() string      { return t.Name }
func (t *Table) ScopePK() string         { return t.SchemaPK }
func (t *Table) CreatedRevision() string { return t.CreatedRevisionID }

func (c *Column) EntityKind() Kind        { return KindColumn }
func (c *Column) EntityPK() string        { return c.PK }
func (c *Column) EntityObjectID() string  { return c.ObjectID }
func (c *Column) EntityName() string      { return c.Name }
func (c *Column) ScopePK() string         { return c.TablePK }
func (c *Column) CreatedRevision() string { return c.CreatedRevisionID }

func (i *Index) EntityKind() Kind        { return KindIndex }
func (i *Index) EntityPK() string        { return i.PK }
func (i *Index) EntityObjectID() string  { return i.ObjectID }
func (i *Index) EntityName() string      { return i.Name }
func (i *Index) ScopePK() string         { return i.TablePK }
func (i *Index) CreatedRevision() string { return i.CreatedRevisionID }
