// Package extract walks inspected-schema documents top-down and
// produces the ordered list of Revisions for one datastore run,
// threading parent-revision linkage through not-yet-persisted creates.
//
// Identity resolution order, shared by extraction and drop detection:
// the document's instance_ref primary key when present, then the remote
// object identifier (unassigned entities only), then the name within the
// parent scope — but only when the observed object identifier is empty.
// An engine that reassigns object identifiers on rename therefore
// produces a drop-and-recreate instead of a silent identity transfer.
package extract

import (
	"time"

	"github.com/metaglass/metaglass/internal/catalog"
	"github.com/metaglass/metaglass/internal/collector"
	"github.com/metaglass/metaglass/internal/document"
	"github.com/metaglass/metaglass/internal/errs"
	"github.com/metaglass/metaglass/internal/revision"
)

// Extractor produces Revisions for one datastore within one run. It is
// not safe for concurrent use; each extraction task builds its own.
type Extractor struct {
	ds    *catalog.Datastore
	def   *collector.Definition
	runID string

	// Now is the clock used to stamp first-seen times. Tests override it.
	Now func() time.Time
}

// New returns an Extractor over the given definition snapshot.
func New(ds *catalog.Datastore, def *collector.Definition, runID string) *Extractor {
	return &Extractor{ds: ds, def: def, runID: runID, Now: time.Now}
}

// Schema extracts the complete revision list for one inspected schema
// document: the schema's own revisions, then per table its revisions,
// then that table's columns, then its indexes.
func (e *Extractor) Schema(doc *document.SchemaDoc) ([]catalog.Revision, error) {
	if doc.Name == "" {
		return nil, errs.New(errs.ErrKindMalformed, "inspected document has no schema name")
	}
	now := e.Now()

	schemaInst := e.resolveSchema(doc)
	schemaParent := catalog.ParentLink{Kind: catalog.KindDatastore, PK: e.ds.ID}
	revs := revision.ForSchema(e.ds.ID, schemaInst, schemaParent, doc.SchemaAttrs, e.runID, now)
	tableParent := childLink(catalog.KindSchema, entityPK(schemaInst), revs)

	for ti := range doc.Tables {
		tdoc := &doc.Tables[ti]
		if tdoc.Name == "" {
			return nil, errs.Newf(errs.ErrKindMalformed, "schema %q: table without a name", doc.Name)
		}

		tblInst := e.resolveTable(schemaInst, tdoc)
		trevs := revision.ForTable(e.ds.ID, tblInst, tableParent, tdoc.TableAttrs, e.runID, now)
		columnParent := childLink(catalog.KindTable, tablePK(tblInst), trevs)
		revs = append(revs, trevs...)

		for ci := range tdoc.Columns {
			cdoc := &tdoc.Columns[ci]
			colInst := e.resolveColumn(tblInst, cdoc)
			revs = append(revs, revision.ForColumn(e.ds.ID, colInst, columnParent, cdoc.ColumnAttrs, e.runID, now)...)
		}
		for ii := range tdoc.Indexes {
			idoc := &tdoc.Indexes[ii]
			idxInst := e.resolveIndex(tblInst, idoc)
			revs = append(revs, revision.ForIndex(e.ds.ID, idxInst, columnParent, idoc.IndexAttrs, e.runID, now)...)
		}
	}
	return revs, nil
}

// Claim resolves every object the inspected documents mention, marking
// it processed, without emitting revisions. The run orchestrator calls
// it once at run start so Dropped can see the full claimed set.
func (e *Extractor) Claim(docs []*document.SchemaDoc) {
	for _, doc := range docs {
		schemaInst := e.resolveSchema(doc)
		for ti := range doc.Tables {
			tdoc := &doc.Tables[ti]
			tblInst := e.resolveTable(schemaInst, tdoc)
			for ci := range tdoc.Columns {
				e.resolveColumn(tblInst, &tdoc.Columns[ci])
			}
			for ii := range tdoc.Indexes {
				e.resolveIndex(tblInst, &tdoc.Indexes[ii])
			}
		}
	}
}

// Dropped emits one dropped Revision for every persisted object no
// inspected snapshot claimed. Absence cannot be observed by walking the
// (necessarily present-only) documents, so this is the only way drops
// are detected.
func (e *Extractor) Dropped() []catalog.Revision {
	now := e.Now()
	var out []catalog.Revision
	for _, kind := range catalog.RevisableKinds {
		for _, ent := range e.def.ForKind(kind).Unassigned() {
			out = append(out, revision.MakeDropped(e.ds.ID, ent, e.runID, now))
		}
	}
	return out
}

// --- identity resolution ---

func (e *Extractor) resolveSchema(doc *document.SchemaDoc) *catalog.Schema {
	ent := resolve(e.def.Schemas, doc.InstanceRef, doc.ObjectID, e.ds.ID, doc.Name)
	if ent == nil {
		return nil
	}
	e.def.Schemas.MarkProcessed(ent.EntityPK())
	return ent.(*catalog.Schema)
}

func (e *Extractor) resolveTable(schema *catalog.Schema, doc *document.TableDoc) *catalog.Table {
	ent := resolve(e.def.Tables, doc.InstanceRef, doc.ObjectID, entityPK(schema), doc.Name)
	if ent == nil {
		return nil
	}
	e.def.Tables.MarkProcessed(ent.EntityPK())
	return ent.(*catalog.Table)
}

func (e *Extractor) resolveColumn(table *catalog.Table, doc *document.ColumnDoc) *catalog.Column {
	ent := resolve(e.def.Columns, doc.InstanceRef, doc.ObjectID, tablePK(table), doc.Name)
	if ent == nil {
		return nil
	}
	e.def.Columns.MarkProcessed(ent.EntityPK())
	return ent.(*catalog.Column)
}

func (e *Extractor) resolveIndex(table *catalog.Table, doc *document.IndexDoc) *catalog.Index {
	ent := resolve(e.def.Indexes, doc.InstanceRef, doc.ObjectID, tablePK(table), doc.Name)
	if ent == nil {
		return nil
	}
	e.def.Indexes.MarkProcessed(ent.EntityPK())
	return ent.(*catalog.Index)
}

func resolve(c *collector.Collector, ref *document.InstanceRef, objectID, scopePK, name string) catalog.Entity {
	if ref != nil && ref.PK != "" {
		if ent := c.ByPK(ref.PK); ent != nil {
			return ent
		}
	}
	if objectID != "" {
		return c.ByObjectID(objectID, true)
	}
	if scopePK == "" {
		return nil
	}
	return c.ByName(scopePK, name, true)
}

// --- parent linkage ---

// childLink builds the parent link children thread through: the resolved
// instance's primary key when one exists, plus the last revision the
// parent's revisioner emitted this run, if any.
func childLink(kind catalog.Kind, instPK string, revs []catalog.Revision) catalog.ParentLink {
	l := catalog.ParentLink{Kind: kind, PK: instPK}
	if len(revs) > 0 {
		l.RevisionID = revs[len(revs)-1].ID
	}
	return l
}

func entityPK(s *catalog.Schema) string {
	if s == nil {
		return ""
	}
	return s.PK
}

func tablePK(t *catalog.Table) string {
	if t == nil {
		return ""
	}
	return t.PK
}
