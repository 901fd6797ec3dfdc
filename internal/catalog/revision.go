package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/metaglass/metaglass/internal/errs"
)

// Action is the change type a Revision describes.
type Action string

const (
	ActionCreated  Action = "created"
	ActionModified Action = "modified"
	ActionDropped  Action = "dropped"
)

// Field enumerates every attribute a modified Revision may track. The
// closed set lets the commit engine switch over fields exhaustively
// instead of interpreting free-form strings.
type Field string

const (
	FieldName            Field = "name"
	FieldObjectID        Field = "object_id"
	FieldTags            Field = "tags"
	FieldKind            Field = "kind"
	FieldSchema          Field = "schema_id"
	FieldOrdinalPosition Field = "ordinal_position"
	FieldDataType        Field = "data_type"
	FieldMaxLength       Field = "max_length"
	FieldNumericScale    Field = "numeric_scale"
	FieldIsNullable      Field = "is_nullable"
	FieldIsPrimary       Field = "is_primary"
	FieldDefaultValue    Field = "default_value"
	FieldComment         Field = "db_comment"
	FieldSQL             Field = "sql"
	FieldIsUnique        Field = "is_unique"
	FieldColumns         Field = "columns"
)

// Pair is one key/value contribution to a revision checksum.
type Pair struct {
	Key   string
	Value string
}

// Payload is the action-specific metadata attached to a Revision. The
// concrete types form a closed union: one Created type per entity kind,
// Modified for scalar field changes, IndexColumnsModified for index
// member-list changes, and Dropped (empty).
type Payload interface {
	// Pairs returns the checksum contributions of this payload, in any
	// order. Checksum sorts them by key before hashing, so two payloads
	// with the same logical content always digest identically.
	Pairs() []Pair

	isPayload()
}

// --- attribute sets (shared with the inspected-document types) ---

// SchemaAttrs is the observed attribute set of a schema.
type SchemaAttrs struct {
	Name     string   `json:"name"`
	ObjectID string   `json:"object_id"`
	Tags     []string `json:"tags,omitempty"`
}

// TableAttrs is the observed attribute set of a table.
type TableAttrs struct {
	Name     string   `json:"name"`
	ObjectID string   `json:"object_id"`
	Kind     string   `json:"kind"`
	Tags     []string `json:"tags,omitempty"`
}

// ColumnAttrs is the observed attribute set of a column.
type ColumnAttrs struct {
	Name            string `json:"name"`
	ObjectID        string `json:"object_id"`
	OrdinalPosition int    `json:"ordinal_position"`
	DataType        string `json:"data_type"`
	MaxLength       *int   `json:"max_length"`
	NumericScale    *int   `json:"numeric_scale"`
	IsNullable      bool   `json:"is_nullable"`
	IsPrimary       bool   `json:"is_primary"`
	DefaultValue    string `json:"default_value"`
	Comment         string `json:"db_comment"`
}

// IndexAttrs is the observed attribute set of an index.
type IndexAttrs struct {
	Name      string           `json:"name"`
	ObjectID  string           `json:"object_id"`
	SQL       string           `json:"sql"`
	IsPrimary bool             `json:"is_primary"`
	IsUnique  bool             `json:"is_unique"`
	Columns   []IndexColumnRef `json:"columns"`
}

// IndexColumnRef names one member column of an index by name and position.
type IndexColumnRef struct {
	ColumnName      string `json:"column_name"`
	OrdinalPosition int    `json:"ordinal_position"`
}

// --- payload union ---

// SchemaCreated is the payload of a created-schema Revision.
type SchemaCreated struct {
	SchemaAttrs
}

// TableCreated is the payload of a created-table Revision.
type TableCreated struct {
	TableAttrs
}

// ColumnCreated is the payload of a created-column Revision.
type ColumnCreated struct {
	ColumnAttrs
}

// IndexCreated is the payload of a created-index Revision.
type IndexCreated struct {
	IndexAttrs
}

// Modified is the payload of a scalar field change. Old and New carry
// the string representation of the value; comparison is string-based by
// design, tolerating driver-level type coercion between inspections.
type Modified struct {
	Field Field  `json:"field"`
	Old   string `json:"old_value"`
	New   string `json:"new_value"`
}

// IndexColumnsModified is the payload of an index member-list change.
// It carries the full new column list; the old list is whatever the
// index currently has.
type IndexColumnsModified struct {
	Field   Field            `json:"field"` // always FieldColumns
	Columns []IndexColumnRef `json:"columns"`
}

// Dropped is the (empty) payload of a dropped Revision.
type Dropped struct{}

func (SchemaCreated) isPayload()        {}
func (TableCreated) isPayload()         {}
func (ColumnCreated) isPayload()        {}
func (IndexCreated) isPayload()         {}
func (Modified) isPayload()             {}
func (IndexColumnsModified) isPayload() {}
func (Dropped) isPayload()              {}

func (p SchemaCreated) Pairs() []Pair {
	return []Pair{
		{"name", p.Name},
		{"object_id", p.ObjectID},
		{"tags", RenderTags(p.Tags)},
	}
}

func (p TableCreated) Pairs() []Pair {
	return []Pair{
		{"name", p.Name},
		{"object_id", p.ObjectID},
		{"kind", p.Kind},
		{"tags", RenderTags(p.Tags)},
	}
}

func (p ColumnCreated) Pairs() []Pair {
	return []Pair{
		{"name", p.Name},
		{"object_id", p.ObjectID},
		{"ordinal_position", strconv.Itoa(p.OrdinalPosition)},
		{"data_type", p.DataType},
		{"max_length", intOrNull(p.MaxLength)},
		{"numeric_scale", intOrNull(p.NumericScale)},
		{"is_nullable", strconv.FormatBool(p.IsNullable)},
		{"is_primary", strconv.FormatBool(p.IsPrimary)},
		{"default_value", p.DefaultValue},
		{"db_comment", p.Comment},
	}
}

func (p IndexCreated) Pairs() []Pair {
	return []Pair{
		{"name", p.Name},
		{"object_id", p.ObjectID},
		{"sql", p.SQL},
		{"is_primary", strconv.FormatBool(p.IsPrimary)},
		{"is_unique", strconv.FormatBool(p.IsUnique)},
		{"columns", RenderIndexColumns(p.Columns)},
	}
}

func (p Modified) Pairs() []Pair {
	return []Pair{
		{"field", string(p.Field)},
		{"old_value", p.Old},
		{"new_value", p.New},
	}
}

func (p IndexColumnsModified) Pairs() []Pair {
	return []Pair{
		{"field", string(p.Field)},
		{"columns", RenderIndexColumns(p.Columns)},
	}
}

func (Dropped) Pairs() []Pair { return nil }

// RenderIndexColumns produces the canonical string form of an index
// member list: entries sorted by column name, each "name:position".
// Order-independent at the set level, position-sensitive per entry.
// RenderTags produces the canonical string form of a tag list for
// checksums and modified-field values: a JSON array, so tags may
// themselves contain commas or brackets. Empty and nil both render as
// the empty string.
func RenderTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

// ParseTags is the inverse of RenderTags.
func ParseTags(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, errs.Wrap(errs.ErrKindMalformed, "failed to parse tag list", err)
	}
	return tags, nil
}

func RenderIndexColumns(cols []IndexColumnRef) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.ColumnName + ":" + strconv.Itoa(c.OrdinalPosition)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func intOrNull(v *int) string {
	if v == nil {
		return "null"
	}
	return strconv.Itoa(*v)
}

// --- parent linkage ---

// ParentLink records how a Revision names its parent resource. PK is set
// when the parent was already persisted at extraction time; RevisionID is
// set when the parent is itself created in the same run and has no
// primary key yet. Both may be set; both may be empty when no parent
// could be identified.
type ParentLink struct {
	Kind       Kind   `json:"kind,omitempty"`
	PK         string `json:"pk,omitempty"`
	RevisionID string `json:"revision_id,omitempty"`
}

// ParentRef is the resolution view of a ParentLink: exactly one variant
// is populated. It exists so commit-time resolution is a single total
// function instead of chained nullable-field fallbacks.
type ParentRef struct {
	pk         string
	revisionID string
}

// Ref reduces the link to its resolution variant. ok is false when the
// link carries no parent at all.
func (l ParentLink) Ref() (ref ParentRef, ok bool) {
	if l.PK != "" {
		return ParentRef{pk: l.PK}, true
	}
	if l.RevisionID != "" {
		return ParentRef{revisionID: l.RevisionID}, true
	}
	return ParentRef{}, false
}

// Existing returns the parent's primary key when the parent was already
// persisted at extraction time.
func (r ParentRef) Existing() (string, bool) {
	return r.pk, r.pk != ""
}

// Pending returns the checksum of the Revision that creates the parent
// within the same run.
func (r ParentRef) Pending() (string, bool) {
	return r.revisionID, r.pk == "" && r.revisionID != ""
}

// --- the Revision record ---

// Revision is an immutable, checksummed fact describing one atomic
// change to one resource. Its ID is the deterministic checksum, which is
// also the natural dedup key within a datastore: re-observing the same
// logical change in a later run touches only RunID and UpdatedAt.
type Revision struct {
	ID             string // deterministic checksum
	DatastoreID    string
	Action         Action
	ResourceKind   Kind
	ResourcePK     string // empty for not-yet-persisted creates
	Parent         ParentLink
	Payload        Payload
	RunID          string // latest run that observed this change
	FirstSeenRunID string
	FirstSeenOn    time.Time
	AppliedOn      *time.Time
	UpdatedAt      time.Time
}

// NewRevision assembles a Revision and computes its checksum ID.
func NewRevision(datastoreID string, action Action, kind Kind, resourcePK string, parent ParentLink, payload Payload, runID string, now time.Time) Revision {
	return Revision{
		ID:             Checksum(datastoreID, action, kind, resourcePK, parent, payload),
		DatastoreID:    datastoreID,
		Action:         action,
		ResourceKind:   kind,
		ResourcePK:     resourcePK,
		Parent:         parent,
		Payload:        payload,
		RunID:          runID,
		FirstSeenRunID: runID,
		FirstSeenOn:    now,
		UpdatedAt:      now,
	}
}

// Checksum digests every identity-bearing part of a revision. Payload
// pairs are sorted by key first, so field iteration order never leaks
// into the digest.
func Checksum(datastoreID string, action Action, kind Kind, resourcePK string, parent ParentLink, payload Payload) string {
	pairs := append([]Pair(nil), payload.Pairs()...)
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })

	h := sha256.New()
	parts := []string{
		datastoreID,
		string(action),
		string(kind),
		resourcePK,
		string(parent.Kind),
		parent.PK,
		parent.RevisionID,
	}
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	for _, p := range pairs {
		h.Write([]byte(p.Key))
		h.Write([]byte{'='})
		h.Write([]byte(p.Value))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// --- payload persistence ---

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "encoding revision payload", err)
	}
	return data, nil
}

// DecodePayload reconstructs the concrete payload type from its stored
// form, dispatching on the revision's action and resource kind.
func DecodePayload(action Action, kind Kind, data []byte) (Payload, error) {
	switch action {
	case ActionDropped:
		return Dropped{}, nil

	case ActionCreated:
		switch kind {
		case KindSchema:
			var p SchemaCreated
			if err := decodeInto(data, &p); err != nil {
				return nil, err
			}
			return p, nil
		case KindTable:
			var p TableCreated
			if err := decodeInto(data, &p); err != nil {
				return nil, err
			}
			return p, nil
		case KindColumn:
			var p ColumnCreated
			if err := decodeInto(data, &p); err != nil {
				return nil, err
			}
			return p, nil
		case KindIndex:
			var p IndexCreated
			if err := decodeInto(data, &p); err != nil {
				return nil, err
			}
			return p, nil
		}

	case ActionModified:
		var head struct {
			Field Field `json:"field"`
		}
		if err := decodeInto(data, &head); err != nil {
			return nil, err
		}
		if kind == KindIndex && head.Field == FieldColumns {
			var p IndexColumnsModified
			if err := decodeInto(data, &p); err != nil {
				return nil, err
			}
			return p, nil
		}
		var p Modified
		if err := decodeInto(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, errs.Newf(errs.ErrKindInvalidInput, "no payload type for action %q kind %q", action, kind)
}

func decodeInto(data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return errs.Wrap(errs.ErrKindMalformed, "decoding revision payload", err)
	}
	return nil
}
