// Package commit applies all staged, unapplied Revisions of a run to
// the persisted metadata graph: one transaction, three ordered passes
// (creates parent-before-child, modifies, drops child-before-parent),
// bulk operations throughout. Any error aborts the whole transaction,
// so a failed commit leaves the graph exactly as it was.
package commit

import (
	"context"
	"strconv"
	"time"

	"github.com/metaglass/metaglass/internal/catalog"
	"github.com/metaglass/metaglass/internal/collector"
	"github.com/metaglass/metaglass/internal/errs"
	"github.com/metaglass/metaglass/internal/logger"
)

// Engine is the commit/action engine. One commit runs as a single task
// with no internal parallelism; atomicity comes from holding one
// transaction for the whole duration.
type Engine struct {
	store catalog.Store
	log   *logger.Logger

	// Now is the clock used for applied_on stamps. Tests override it.
	Now func() time.Time
}

// New returns an Engine over the given store.
func New(store catalog.Store, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{store: store, log: log, Now: time.Now}
}

// Commit applies every unapplied revision last observed by the run and
// returns how many were applied.
func (e *Engine) Commit(ctx context.Context, run *catalog.Run) (int, error) {
	revs, err := e.store.ListUnapplied(ctx, run.ID)
	if err != nil {
		return 0, err
	}
	if len(revs) == 0 {
		return 0, nil
	}

	def, err := collector.BuildDefinition(ctx, e.store, run.DatastoreID)
	if err != nil {
		return 0, err
	}

	e.log.With().Str("run_id", run.ID).Int("revisions", len(revs)).Logger().
		Info("committing staged revisions")

	err = e.store.WithinTx(ctx, func(tx catalog.Tx) error {
		pending, err := e.createdPass(ctx, tx, def, revs)
		if err != nil {
			return err
		}
		if err := e.modifiedPass(ctx, tx, def, revs); err != nil {
			return err
		}
		// member columns of indexes created this run resolve by name, so
		// this has to wait until column renames have been applied
		if err := e.bindIndexMembers(ctx, tx, def, pending); err != nil {
			return err
		}
		if err := e.droppedPass(ctx, tx, revs); err != nil {
			return err
		}

		ids := make([]string, len(revs))
		for i, r := range revs {
			ids[i] = r.ID
		}
		if err := tx.MarkRevisionsApplied(ctx, ids, e.Now()); err != nil {
			return err
		}
		return e.housekeep(ctx, tx, revs)
	})
	if err != nil {
		return 0, err
	}
	return len(revs), nil
}

func filter(revs []catalog.Revision, action catalog.Action, kind catalog.Kind) []catalog.Revision {
	var out []catalog.Revision
	for _, r := range revs {
		if r.Action == action && r.ResourceKind == kind {
			out = append(out, r)
		}
	}
	return out
}

// --- created pass ---

func (e *Engine) createdPass(ctx context.Context, tx catalog.Tx, def *collector.Definition, revs []catalog.Revision) ([]pendingMembers, error) {
	if err := e.createSchemas(ctx, tx, def, filter(revs, catalog.ActionCreated, catalog.KindSchema)); err != nil {
		return nil, err
	}
	if err := e.createTables(ctx, tx, def, filter(revs, catalog.ActionCreated, catalog.KindTable)); err != nil {
		return nil, err
	}
	if err := e.createColumns(ctx, tx, def, filter(revs, catalog.ActionCreated, catalog.KindColumn)); err != nil {
		return nil, err
	}
	return e.createIndexes(ctx, tx, def, filter(revs, catalog.ActionCreated, catalog.KindIndex))
}

func (e *Engine) createSchemas(ctx context.Context, tx catalog.Tx, def *collector.Definition, revs []catalog.Revision) error {
	if len(revs) == 0 {
		return nil
	}
	now := e.Now()
	rows := make([]*catalog.Schema, 0, len(revs))
	for _, rev := range revs {
		p, ok := rev.Payload.(catalog.SchemaCreated)
		if !ok {
			return badPayload(rev)
		}
		row := &catalog.Schema{
			PK:                catalog.NewPK(),
			DatastoreID:       rev.DatastoreID,
			Name:              p.Name,
			ObjectID:          p.ObjectID,
			Tags:              p.Tags,
			CreatedRevisionID: rev.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		rows = append(rows, row)
		def.Schemas.Add(row)
	}
	return tx.InsertSchemas(ctx, rows)
}

func (e *Engine) createTables(ctx context.Context, tx catalog.Tx, def *collector.Definition, revs []catalog.Revision) error {
	if len(revs) == 0 {
		return nil
	}
	now := e.Now()
	rows := make([]*catalog.Table, 0, len(revs))
	for _, rev := range revs {
		p, ok := rev.Payload.(catalog.TableCreated)
		if !ok {
			return badPayload(rev)
		}
		schemaPK, err := resolveParentPK(def, rev, catalog.KindSchema)
		if err != nil {
			return err
		}
		row := &catalog.Table{
			PK:                catalog.NewPK(),
			SchemaPK:          schemaPK,
			Name:              p.Name,
			ObjectID:          p.ObjectID,
			Kind:              p.Kind,
			Tags:              p.Tags,
			CreatedRevisionID: rev.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		rows = append(rows, row)
		def.Tables.Add(row)
	}
	return tx.InsertTables(ctx, rows)
}

func (e *Engine) createColumns(ctx context.Context, tx catalog.Tx, def *collector.Definition, revs []catalog.Revision) error {
	if len(revs) == 0 {
		return nil
	}
	now := e.Now()
	rows := make([]*catalog.Column, 0, len(revs))
	for _, rev := range revs {
		p, ok := rev.Payload.(catalog.ColumnCreated)
		if !ok {
			return badPayload(rev)
		}
		tablePK, err := resolveParentPK(def, rev, catalog.KindTable)
		if err != nil {
			return err
		}
		row := &catalog.Column{
			PK:                catalog.NewPK(),
			TablePK:           tablePK,
			Name:              p.Name,
			ObjectID:          p.ObjectID,
			OrdinalPosition:   p.OrdinalPosition,
			DataType:          p.DataType,
			MaxLength:         p.MaxLength,
			NumericScale:      p.NumericScale,
			IsNullable:        p.IsNullable,
			IsPrimary:         p.IsPrimary,
			DefaultValue:      p.DefaultValue,
			Comment:           p.Comment,
			CreatedRevisionID: rev.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		rows = append(rows, row)
		def.Columns.Add(row)
	}
	return tx.InsertColumns(ctx, rows)
}

// pendingMembers is an index inserted by the created pass whose member
// columns still await name resolution.
type pendingMembers struct {
	index *catalog.Index
	refs  []catalog.IndexColumnRef
}

// createIndexes inserts the index rows and hands the member references
// back unresolved; bindIndexMembers resolves them once the modified
// pass has settled column names.
func (e *Engine) createIndexes(ctx context.Context, tx catalog.Tx, def *collector.Definition, revs []catalog.Revision) ([]pendingMembers, error) {
	if len(revs) == 0 {
		return nil, nil
	}
	now := e.Now()
	rows := make([]*catalog.Index, 0, len(revs))
	pending := make([]pendingMembers, 0, len(revs))
	for _, rev := range revs {
		p, ok := rev.Payload.(catalog.IndexCreated)
		if !ok {
			return nil, badPayload(rev)
		}
		tablePK, err := resolveParentPK(def, rev, catalog.KindTable)
		if err != nil {
			return nil, err
		}
		row := &catalog.Index{
			PK:                catalog.NewPK(),
			TablePK:           tablePK,
			Name:              p.Name,
			ObjectID:          p.ObjectID,
			SQL:               p.SQL,
			IsPrimary:         p.IsPrimary,
			IsUnique:          p.IsUnique,
			CreatedRevisionID: rev.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		rows = append(rows, row)
		pending = append(pending, pendingMembers{index: row, refs: p.Columns})
		def.Indexes.Add(row)
	}
	if err := tx.InsertIndexes(ctx, rows); err != nil {
		return nil, err
	}
	return pending, nil
}

func (e *Engine) bindIndexMembers(ctx context.Context, tx catalog.Tx, def *collector.Definition, pending []pendingMembers) error {
	for _, pm := range pending {
		cols, err := resolveIndexMembers(def, pm.index.TablePK, pm.refs)
		if err != nil {
			return err
		}
		pm.index.Columns = cols
		if err := tx.ReplaceIndexColumns(ctx, pm.index.PK, cols); err != nil {
			return err
		}
	}
	return nil
}

// --- modified pass ---

func (e *Engine) modifiedPass(ctx context.Context, tx catalog.Tx, def *collector.Definition, revs []catalog.Revision) error {
	if err := e.modifySchemas(ctx, tx, def, filter(revs, catalog.ActionModified, catalog.KindSchema)); err != nil {
		return err
	}
	if err := e.modifyTables(ctx, tx, def, filter(revs, catalog.ActionModified, catalog.KindTable)); err != nil {
		return err
	}
	if err := e.modifyColumns(ctx, tx, def, filter(revs, catalog.ActionModified, catalog.KindColumn)); err != nil {
		return err
	}
	return e.modifyIndexes(ctx, tx, def, filter(revs, catalog.ActionModified, catalog.KindIndex))
}

func (e *Engine) modifySchemas(ctx context.Context, tx catalog.Tx, def *collector.Definition, revs []catalog.Revision) error {
	changed := make(map[string]*catalog.Schema)
	for _, rev := range revs {
		ent := def.Schemas.ByPK(rev.ResourcePK)
		if ent == nil {
			return missingResource(rev)
		}
		s := ent.(*catalog.Schema)
		m, ok := rev.Payload.(catalog.Modified)
		if !ok {
			return badPayload(rev)
		}
		switch m.Field {
		case catalog.FieldName:
			old := s.Name
			s.Name = m.New
			def.Schemas.Rekey(s, s.DatastoreID, old)
		case catalog.FieldObjectID:
			s.ObjectID = m.New
		case catalog.FieldTags:
			tags, err := catalog.ParseTags(m.New)
			if err != nil {
				return badValue(rev, m.Field, m.New, err)
			}
			s.Tags = tags
		default:
			return badField(rev, m.Field)
		}
		s.UpdatedAt = e.Now()
		changed[s.PK] = s
	}
	return tx.UpdateSchemas(ctx, values(changed))
}

func (e *Engine) modifyTables(ctx context.Context, tx catalog.Tx, def *collector.Definition, revs []catalog.Revision) error {
	changed := make(map[string]*catalog.Table)
	for _, rev := range revs {
		ent := def.Tables.ByPK(rev.ResourcePK)
		if ent == nil {
			return missingResource(rev)
		}
		t := ent.(*catalog.Table)
		m, ok := rev.Payload.(catalog.Modified)
		if !ok {
			return badPayload(rev)
		}
		switch m.Field {
		case catalog.FieldName:
			old := t.Name
			t.Name = m.New
			def.Tables.Rekey(t, t.SchemaPK, old)
		case catalog.FieldObjectID:
			t.ObjectID = m.New
		case catalog.FieldKind:
			t.Kind = m.New
		case catalog.FieldTags:
			tags, err := catalog.ParseTags(m.New)
			if err != nil {
				return badValue(rev, m.Field, m.New, err)
			}
			t.Tags = tags
		case catalog.FieldSchema:
			if err := e.reassignSchema(ctx, tx, def, rev, t, m); err != nil {
				return err
			}
		default:
			return badField(rev, m.Field)
		}
		t.UpdatedAt = e.Now()
		changed[t.PK] = t
	}
	return tx.UpdateTables(ctx, values(changed))
}

// reassignSchema moves a table to another schema. An empty new value
// means the target schema had no persisted key at extraction time; it is
// re-resolved here through the just-created schema's creating revision,
// and the stored payload patched so history reads stay accurate.
func (e *Engine) reassignSchema(ctx context.Context, tx catalog.Tx, def *collector.Definition, rev catalog.Revision, t *catalog.Table, m catalog.Modified) error {
	newPK := m.New
	if newPK == "" {
		ref, ok := rev.Parent.Ref()
		if !ok {
			return errs.Newf(errs.ErrKindUnresolvable,
				"table %s: schema reassignment has neither target key nor parent revision", t.PK)
		}
		revID, pending := ref.Pending()
		if !pending {
			return errs.Newf(errs.ErrKindUnresolvable,
				"table %s: schema reassignment target missing and parent not pending", t.PK)
		}
		schema := def.ByRevision(revID, catalog.KindSchema)
		if schema == nil {
			return errs.Newf(errs.ErrKindUnresolvable,
				"table %s: no schema created by revision %s", t.PK, revID)
		}
		newPK = schema.EntityPK()
		m.New = newPK
		if err := tx.UpdateRevisionPayload(ctx, rev.ID, m); err != nil {
			return err
		}
	}
	oldSchemaPK := t.SchemaPK
	t.SchemaPK = newPK
	def.Tables.Rekey(t, oldSchemaPK, t.Name)
	return nil
}

func (e *Engine) modifyColumns(ctx context.Context, tx catalog.Tx, def *collector.Definition, revs []catalog.Revision) error {
	changed := make(map[string]*catalog.Column)
	for _, rev := range revs {
		ent := def.Columns.ByPK(rev.ResourcePK)
		if ent == nil {
			return missingResource(rev)
		}
		c := ent.(*catalog.Column)
		m, ok := rev.Payload.(catalog.Modified)
		if !ok {
			return badPayload(rev)
		}
		oldName := c.Name
		if err := applyColumnField(c, rev, m); err != nil {
			return err
		}
		if c.Name != oldName {
			// later index-member resolution looks columns up by their
			// current name
			def.Columns.Rekey(c, c.TablePK, oldName)
		}
		c.UpdatedAt = e.Now()
		changed[c.PK] = c
	}
	return tx.UpdateColumns(ctx, values(changed))
}

func applyColumnField(c *catalog.Column, rev catalog.Revision, m catalog.Modified) error {
	switch m.Field {
	case catalog.FieldName:
		c.Name = m.New
	case catalog.FieldObjectID:
		c.ObjectID = m.New
	case catalog.FieldOrdinalPosition:
		n, err := strconv.Atoi(m.New)
		if err != nil {
			return badValue(rev, m.Field, m.New, err)
		}
		c.OrdinalPosition = n
	case catalog.FieldDataType:
		c.DataType = m.New
	case catalog.FieldMaxLength:
		v, err := parseNullableInt(m.New)
		if err != nil {
			return badValue(rev, m.Field, m.New, err)
		}
		c.MaxLength = v
	case catalog.FieldNumericScale:
		v, err := parseNullableInt(m.New)
		if err != nil {
			return badValue(rev, m.Field, m.New, err)
		}
		c.NumericScale = v
	case catalog.FieldIsNullable:
		b, err := strconv.ParseBool(m.New)
		if err != nil {
			return badValue(rev, m.Field, m.New, err)
		}
		c.IsNullable = b
	case catalog.FieldIsPrimary:
		b, err := strconv.ParseBool(m.New)
		if err != nil {
			return badValue(rev, m.Field, m.New, err)
		}
		c.IsPrimary = b
	case catalog.FieldDefaultValue:
		c.DefaultValue = m.New
	case catalog.FieldComment:
		c.Comment = m.New
	default:
		return badField(rev, m.Field)
	}
	return nil
}

func (e *Engine) modifyIndexes(ctx context.Context, tx catalog.Tx, def *collector.Definition, revs []catalog.Revision) error {
	changed := make(map[string]*catalog.Index)
	for _, rev := range revs {
		ent := def.Indexes.ByPK(rev.ResourcePK)
		if ent == nil {
			return missingResource(rev)
		}
		idx := ent.(*catalog.Index)

		switch m := rev.Payload.(type) {
		case catalog.IndexColumnsModified:
			cols, err := resolveIndexMembers(def, idx.TablePK, m.Columns)
			if err != nil {
				return err
			}
			if err := tx.ReplaceIndexColumns(ctx, idx.PK, cols); err != nil {
				return err
			}
			idx.Columns = cols
		case catalog.Modified:
			switch m.Field {
			case catalog.FieldName:
				old := idx.Name
				idx.Name = m.New
				def.Indexes.Rekey(idx, idx.TablePK, old)
			case catalog.FieldObjectID:
				idx.ObjectID = m.New
			case catalog.FieldSQL:
				idx.SQL = m.New
			case catalog.FieldIsPrimary:
				b, err := strconv.ParseBool(m.New)
				if err != nil {
					return badValue(rev, m.Field, m.New, err)
				}
				idx.IsPrimary = b
			case catalog.FieldIsUnique:
				b, err := strconv.ParseBool(m.New)
				if err != nil {
					return badValue(rev, m.Field, m.New, err)
				}
				idx.IsUnique = b
			default:
				return badField(rev, m.Field)
			}
		default:
			return badPayload(rev)
		}
		idx.UpdatedAt = e.Now()
		changed[idx.PK] = idx
	}
	return tx.UpdateIndexes(ctx, values(changed))
}

// --- dropped pass ---

// droppedPass deletes in child-before-parent order so no pass ever
// orphans a row another pass still references.
func (e *Engine) droppedPass(ctx context.Context, tx catalog.Tx, revs []catalog.Revision) error {
	if err := tx.DeleteIndexes(ctx, droppedPKs(revs, catalog.KindIndex)); err != nil {
		return err
	}
	if err := tx.DeleteColumns(ctx, droppedPKs(revs, catalog.KindColumn)); err != nil {
		return err
	}
	if err := tx.DeleteTables(ctx, droppedPKs(revs, catalog.KindTable)); err != nil {
		return err
	}
	return tx.DeleteSchemas(ctx, droppedPKs(revs, catalog.KindSchema))
}

func droppedPKs(revs []catalog.Revision, kind catalog.Kind) []string {
	var pks []string
	for _, r := range filter(revs, catalog.ActionDropped, kind) {
		if r.ResourcePK != "" {
			pks = append(pks, r.ResourcePK)
		}
	}
	return pks
}

// --- housekeeping ---

// housekeep deletes created-column and created-index revisions nested
// under a created-table revision of the same run. Once the table
// creation itself is recorded they are noise for history display.
func (e *Engine) housekeep(ctx context.Context, tx catalog.Tx, revs []catalog.Revision) error {
	tableCreates := make(map[string]bool)
	for _, r := range filter(revs, catalog.ActionCreated, catalog.KindTable) {
		tableCreates[r.ID] = true
	}
	if len(tableCreates) == 0 {
		return nil
	}

	var noise []string
	for _, r := range revs {
		if r.Action != catalog.ActionCreated {
			continue
		}
		if r.ResourceKind != catalog.KindColumn && r.ResourceKind != catalog.KindIndex {
			continue
		}
		if tableCreates[r.Parent.RevisionID] {
			noise = append(noise, r.ID)
		}
	}
	if len(noise) == 0 {
		return nil
	}
	return tx.DeleteRevisions(ctx, noise)
}

// --- shared resolution ---

// resolveParentPK is the single total function turning a revision's
// parent linkage into a primary key: either the recorded existing key,
// or the row created earlier in this transaction by the pending parent
// revision.
func resolveParentPK(def *collector.Definition, rev catalog.Revision, wantKind catalog.Kind) (string, error) {
	ref, ok := rev.Parent.Ref()
	if !ok {
		return "", errs.Newf(errs.ErrKindUnresolvable,
			"%s revision %s has no parent linkage", rev.ResourceKind, rev.ID)
	}
	if pk, ok := ref.Existing(); ok {
		return pk, nil
	}
	revID, _ := ref.Pending()
	ent := def.ByRevision(revID, wantKind)
	if ent == nil {
		return "", errs.Newf(errs.ErrKindUnresolvable,
			"%s revision %s: no %s created by revision %s", rev.ResourceKind, rev.ID, wantKind, revID)
	}
	return ent.EntityPK(), nil
}

func resolveIndexMembers(def *collector.Definition, tablePK string, refs []catalog.IndexColumnRef) ([]catalog.IndexColumn, error) {
	cols := make([]catalog.IndexColumn, 0, len(refs))
	for _, ref := range refs {
		ent := def.Columns.ByName(tablePK, ref.ColumnName, false)
		if ent == nil {
			return nil, errs.Newf(errs.ErrKindUnresolvable,
				"index member column %q not found on table %s", ref.ColumnName, tablePK)
		}
		cols = append(cols, catalog.IndexColumn{
			ColumnPK:        ent.EntityPK(),
			ColumnName:      ref.ColumnName,
			OrdinalPosition: ref.OrdinalPosition,
		})
	}
	return cols, nil
}

// --- small helpers ---

func parseNullableInt(s string) (*int, error) {
	if s == "null" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func values[V any](m map[string]*V) []*V {
	out := make([]*V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func badPayload(rev catalog.Revision) error {
	return errs.Newf(errs.ErrKindInvalidInput,
		"revision %s: payload does not match action %s on %s", rev.ID, rev.Action, rev.ResourceKind)
}

func badField(rev catalog.Revision, f catalog.Field) error {
	return errs.Newf(errs.ErrKindInvalidInput,
		"revision %s: field %q is not modifiable on %s", rev.ID, f, rev.ResourceKind)
}

func badValue(rev catalog.Revision, f catalog.Field, v string, cause error) error {
	return errs.Wrap(errs.ErrKindMalformed,
		"revision "+rev.ID+": bad value "+strconv.Quote(v)+" for field "+string(f), cause)
}

func missingResource(rev catalog.Revision) error {
	return errs.Newf(errs.ErrKindUnresolvable,
		"revision %s: %s %s not found", rev.ID, rev.ResourceKind, rev.ResourcePK)
}
