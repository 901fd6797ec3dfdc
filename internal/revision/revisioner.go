// Package revision holds the per-kind revisioners: pure functions that
// compare one freshly observed attribute set against zero-or-one
// existing instance and emit the Revisions expressing the difference.
//
// Field comparison is string-based: a field counts as changed only when
// its string representation differs. This deliberately tolerates
// driver-level type coercion between inspection runs (numeric 0 equals
// "0"), at the known cost of masking genuine type-only changes.
package revision

import (
	"strconv"
	"time"

	"github.com/metaglass/metaglass/internal/catalog"
)

// rule is one tracked modification field: how to read its current value
// off the instance and its observed value off the attribute set. The
// rule lists below are the explicit, ordered registry of modification
// rules per entity kind.
type rule[E any, A any] struct {
	field    catalog.Field
	current  func(E) string
	observed func(A) string
}

func diff[E any, A any](rules []rule[E, A], inst E, attrs A) []catalog.Modified {
	var out []catalog.Modified
	for _, r := range rules {
		oldVal := r.current(inst)
		newVal := r.observed(attrs)
		if oldVal != newVal {
			out = append(out, catalog.Modified{Field: r.field, Old: oldVal, New: newVal})
		}
	}
	return out
}

var schemaRules = []rule[*catalog.Schema, catalog.SchemaAttrs]{
	{catalog.FieldName,
		func(s *catalog.Schema) string { return s.Name },
		func(a catalog.SchemaAttrs) string { return a.Name }},
	{catalog.FieldObjectID,
		func(s *catalog.Schema) string { return s.ObjectID },
		func(a catalog.SchemaAttrs) string { return a.ObjectID }},
	{catalog.FieldTags,
		func(s *catalog.Schema) string { return catalog.RenderTags(s.Tags) },
		func(a catalog.SchemaAttrs) string { return catalog.RenderTags(a.Tags) }},
}

var tableRules = []rule[*catalog.Table, catalog.TableAttrs]{
	{catalog.FieldName,
		func(t *catalog.Table) string { return t.Name },
		func(a catalog.TableAttrs) string { return a.Name }},
	{catalog.FieldObjectID,
		func(t *catalog.Table) string { return t.ObjectID },
		func(a catalog.TableAttrs) string { return a.ObjectID }},
	{catalog.FieldKind,
		func(t *catalog.Table) string { return t.Kind },
		func(a catalog.TableAttrs) string { return a.Kind }},
	{catalog.FieldTags,
		func(t *catalog.Table) string { return catalog.RenderTags(t.Tags) },
		func(a catalog.TableAttrs) string { return catalog.RenderTags(a.Tags) }},
}

var columnRules = []rule[*catalog.Column, catalog.ColumnAttrs]{
	{catalog.FieldName,
		func(c *catalog.Column) string { return c.Name },
		func(a catalog.ColumnAttrs) string { return a.Name }},
	{catalog.FieldObjectID,
		func(c *catalog.Column) string { return c.ObjectID },
		func(a catalog.ColumnAttrs) string { return a.ObjectID }},
	{catalog.FieldOrdinalPosition,
		func(c *catalog.Column) string { return strconv.Itoa(c.OrdinalPosition) },
		func(a catalog.ColumnAttrs) string { return strconv.Itoa(a.OrdinalPosition) }},
	{catalog.FieldDataType,
		func(c *catalog.Column) string { return c.DataType },
		func(a catalog.ColumnAttrs) string { return a.DataType }},
	{catalog.FieldMaxLength,
		func(c *catalog.Column) string { return intOrNull(c.MaxLength) },
		func(a catalog.ColumnAttrs) string { return intOrNull(a.MaxLength) }},
	{catalog.FieldNumericScale,
		func(c *catalog.Column) string { return intOrNull(c.NumericScale) },
		func(a catalog.ColumnAttrs) string { return intOrNull(a.NumericScale) }},
	{catalog.FieldIsNullable,
		func(c *catalog.Column) string { return strconv.FormatBool(c.IsNullable) },
		func(a catalog.ColumnAttrs) string { return strconv.FormatBool(a.IsNullable) }},
	{catalog.FieldIsPrimary,
		func(c *catalog.Column) string { return strconv.FormatBool(c.IsPrimary) },
		func(a catalog.ColumnAttrs) string { return strconv.FormatBool(a.IsPrimary) }},
	{catalog.FieldDefaultValue,
		func(c *catalog.Column) string { return c.DefaultValue },
		func(a catalog.ColumnAttrs) string { return a.DefaultValue }},
	{catalog.FieldComment,
		func(c *catalog.Column) string { return c.Comment },
		func(a catalog.ColumnAttrs) string { return a.Comment }},
}

var indexRules = []rule[*catalog.Index, catalog.IndexAttrs]{
	{catalog.FieldName,
		func(i *catalog.Index) string { return i.Name },
		func(a catalog.IndexAttrs) string { return a.Name }},
	{catalog.FieldObjectID,
		func(i *catalog.Index) string { return i.ObjectID },
		func(a catalog.IndexAttrs) string { return a.ObjectID }},
	{catalog.FieldSQL,
		func(i *catalog.Index) string { return i.SQL },
		func(a catalog.IndexAttrs) string { return a.SQL }},
	{catalog.FieldIsPrimary,
		func(i *catalog.Index) string { return strconv.FormatBool(i.IsPrimary) },
		func(a catalog.IndexAttrs) string { return strconv.FormatBool(a.IsPrimary) }},
	{catalog.FieldIsUnique,
		func(i *catalog.Index) string { return strconv.FormatBool(i.IsUnique) },
		func(a catalog.IndexAttrs) string { return strconv.FormatBool(a.IsUnique) }},
}

func intOrNull(v *int) string {
	if v == nil {
		return "null"
	}
	return strconv.Itoa(*v)
}

// ForSchema emits the revisions expressing the difference between the
// observed schema attributes and the existing instance (nil for new).
func ForSchema(datastoreID string, inst *catalog.Schema, parent catalog.ParentLink, observed catalog.SchemaAttrs, runID string, now time.Time) []catalog.Revision {
	if inst == nil {
		created := catalog.NewRevision(datastoreID, catalog.ActionCreated, catalog.KindSchema, "",
			parent, catalog.SchemaCreated{SchemaAttrs: observed}, runID, now)
		return []catalog.Revision{created}
	}

	var out []catalog.Revision
	for _, m := range diff(schemaRules, inst, observed) {
		out = append(out, catalog.NewRevision(datastoreID, catalog.ActionModified, catalog.KindSchema,
			inst.PK, parent, m, runID, now))
	}
	return out
}

// ForTable emits the revisions for one observed table. Beyond the
// generic field diff, a change of parent schema — by identity, not by
// name — emits a schema_id revision; its new value is empty when the new
// parent has no persisted key yet, to be re-resolved at commit.
func ForTable(datastoreID string, inst *catalog.Table, parent catalog.ParentLink, observed catalog.TableAttrs, runID string, now time.Time) []catalog.Revision {
	if inst == nil {
		created := catalog.NewRevision(datastoreID, catalog.ActionCreated, catalog.KindTable, "",
			parent, catalog.TableCreated{TableAttrs: observed}, runID, now)
		return []catalog.Revision{created}
	}

	var out []catalog.Revision
	for _, m := range diff(tableRules, inst, observed) {
		out = append(out, catalog.NewRevision(datastoreID, catalog.ActionModified, catalog.KindTable,
			inst.PK, parent, m, runID, now))
	}
	if m, ok := schemaMove(inst, parent); ok {
		out = append(out, catalog.NewRevision(datastoreID, catalog.ActionModified, catalog.KindTable,
			inst.PK, parent, m, runID, now))
	}
	return out
}

// schemaMove detects a table's reassignment to a different parent
// schema. A parent link with neither key nor pending revision means the
// schema could not be identified at all; linkage stays null rather than
// failing the pass.
func schemaMove(inst *catalog.Table, parent catalog.ParentLink) (catalog.Modified, bool) {
	if _, ok := parent.Ref(); !ok {
		return catalog.Modified{}, false
	}
	if parent.PK == inst.SchemaPK && parent.PK != "" {
		return catalog.Modified{}, false
	}
	// Either a different persisted schema, or a schema pending creation
	// in this run (PK empty, resolved at commit via the parent revision).
	return catalog.Modified{Field: catalog.FieldSchema, Old: inst.SchemaPK, New: parent.PK}, true
}

// ForColumn emits the revisions for one observed column.
func ForColumn(datastoreID string, inst *catalog.Column, parent catalog.ParentLink, observed catalog.ColumnAttrs, runID string, now time.Time) []catalog.Revision {
	if inst == nil {
		created := catalog.NewRevision(datastoreID, catalog.ActionCreated, catalog.KindColumn, "",
			parent, catalog.ColumnCreated{ColumnAttrs: observed}, runID, now)
		return []catalog.Revision{created}
	}

	var out []catalog.Revision
	for _, m := range diff(columnRules, inst, observed) {
		out = append(out, catalog.NewRevision(datastoreID, catalog.ActionModified, catalog.KindColumn,
			inst.PK, parent, m, runID, now))
	}
	return out
}

// ForIndex emits the revisions for one observed index. The member-column
// list is compared as a set of {column_name, ordinal_position} entries:
// order-independent at the set level, position-sensitive per entry. A
// difference emits a columns revision carrying the full new list.
func ForIndex(datastoreID string, inst *catalog.Index, parent catalog.ParentLink, observed catalog.IndexAttrs, runID string, now time.Time) []catalog.Revision {
	if inst == nil {
		created := catalog.NewRevision(datastoreID, catalog.ActionCreated, catalog.KindIndex, "",
			parent, catalog.IndexCreated{IndexAttrs: observed}, runID, now)
		return []catalog.Revision{created}
	}

	var out []catalog.Revision
	for _, m := range diff(indexRules, inst, observed) {
		out = append(out, catalog.NewRevision(datastoreID, catalog.ActionModified, catalog.KindIndex,
			inst.PK, parent, m, runID, now))
	}
	if catalog.RenderIndexColumns(memberRefs(inst)) != catalog.RenderIndexColumns(observed.Columns) {
		payload := catalog.IndexColumnsModified{Field: catalog.FieldColumns, Columns: observed.Columns}
		out = append(out, catalog.NewRevision(datastoreID, catalog.ActionModified, catalog.KindIndex,
			inst.PK, parent, payload, runID, now))
	}
	return out
}

func memberRefs(inst *catalog.Index) []catalog.IndexColumnRef {
	refs := make([]catalog.IndexColumnRef, len(inst.Columns))
	for i, c := range inst.Columns {
		refs[i] = catalog.IndexColumnRef{ColumnName: c.ColumnName, OrdinalPosition: c.OrdinalPosition}
	}
	return refs
}

// MakeDropped emits the single dropped Revision for an object that no
// inspected snapshot claimed. A drop always references a persisted row.
func MakeDropped(datastoreID string, e catalog.Entity, runID string, now time.Time) catalog.Revision {
	return catalog.NewRevision(datastoreID, catalog.ActionDropped, e.EntityKind(), e.EntityPK(),
		catalog.ParentLink{}, catalog.Dropped{}, runID, now)
}
