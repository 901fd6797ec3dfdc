package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaglass/metaglass/internal/errs"
)

func TestChecksum_Deterministic(t *testing.T) {
	parent := ParentLink{Kind: KindSchema, PK: "schema-pk"}
	payload := TableCreated{TableAttrs: TableAttrs{
		Name: "departments", ObjectID: "16392", Kind: "table", Tags: []string{"hr"},
	}}

	a := Checksum("ds1", ActionCreated, KindTable, "", parent, payload)
	b := Checksum("ds1", ActionCreated, KindTable, "", parent, payload)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

// shuffledPayload emits the same logical pairs in a different order;
// the digest must not change.
type shuffledPayload struct {
	pairs []Pair
}

func (p shuffledPayload) Pairs() []Pair { return p.pairs }
func (shuffledPayload) isPayload()      {}

func TestChecksum_PairOrderIndependent(t *testing.T) {
	forward := shuffledPayload{pairs: []Pair{
		{"name", "departments"},
		{"object_id", "16392"},
		{"kind", "table"},
	}}
	backward := shuffledPayload{pairs: []Pair{
		{"kind", "table"},
		{"object_id", "16392"},
		{"name", "departments"},
	}}

	parent := ParentLink{Kind: KindSchema, PK: "schema-pk"}
	assert.Equal(t,
		Checksum("ds1", ActionCreated, KindTable, "", parent, forward),
		Checksum("ds1", ActionCreated, KindTable, "", parent, backward))
}

func TestChecksum_SensitiveToIdentity(t *testing.T) {
	base := func() (string, Action, Kind, string, ParentLink, Payload) {
		return "ds1", ActionModified, KindColumn, "col-pk",
			ParentLink{Kind: KindTable, PK: "tbl-pk"},
			Modified{Field: FieldName, Old: "a", New: "b"}
	}

	ds, action, kind, pk, parent, payload := base()
	ref := Checksum(ds, action, kind, pk, parent, payload)

	tests := []struct {
		name string
		sum  string
	}{
		{"different datastore", Checksum("ds2", action, kind, pk, parent, payload)},
		{"different action", Checksum(ds, ActionCreated, kind, pk, parent, payload)},
		{"different resource", Checksum(ds, action, kind, "other-pk", parent, payload)},
		{"different parent", Checksum(ds, action, kind, pk, ParentLink{Kind: KindTable, PK: "other"}, payload)},
		{"different payload", Checksum(ds, action, kind, pk, parent, Modified{Field: FieldName, Old: "a", New: "c"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, ref, tt.sum)
		})
	}
}

func TestNewRevision_IDIsChecksum(t *testing.T) {
	now := time.Now()
	parent := ParentLink{Kind: KindDatastore, PK: "ds1"}
	rev := NewRevision("ds1", ActionCreated, KindSchema, "", parent,
		SchemaCreated{SchemaAttrs: SchemaAttrs{Name: "public"}}, "run1", now)

	assert.Equal(t, Checksum("ds1", ActionCreated, KindSchema, "", parent,
		SchemaCreated{SchemaAttrs: SchemaAttrs{Name: "public"}}), rev.ID)
	assert.Equal(t, "run1", rev.RunID)
	assert.Equal(t, "run1", rev.FirstSeenRunID)
	assert.Nil(t, rev.AppliedOn)
}

func TestRenderIndexColumns(t *testing.T) {
	tests := []struct {
		name string
		cols []IndexColumnRef
		want string
	}{
		{
			name: "sorted by name",
			cols: []IndexColumnRef{
				{ColumnName: "productcode", OrdinalPosition: 2},
				{ColumnName: "ordernumber", OrdinalPosition: 1},
			},
			want: "ordernumber:1,productcode:2",
		},
		{
			name: "position changes the rendering",
			cols: []IndexColumnRef{
				{ColumnName: "productcode", OrdinalPosition: 1},
			},
			want: "productcode:1",
		},
		{
			name: "empty",
			cols: nil,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderIndexColumns(tt.cols))
		})
	}
}

func TestTags_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want string
	}{
		{"empty", nil, ""},
		{"plain", []string{"pii", "finance"}, `["pii","finance"]`},
		{"comma inside a tag", []string{"team:data,platform"}, `["team:data,platform"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rendered := RenderTags(tt.tags)
			assert.Equal(t, tt.want, rendered)

			parsed, err := ParseTags(rendered)
			require.NoError(t, err)
			assert.Equal(t, tt.tags, parsed)
		})
	}
}

func TestParseTags_Malformed(t *testing.T) {
	_, err := ParseTags("pii,finance")
	require.Error(t, err)
	assert.True(t, errs.IsMalformed(err))
}

func TestRenderIndexColumns_SetLevelOrderIndependent(t *testing.T) {
	a := []IndexColumnRef{{ColumnName: "a", OrdinalPosition: 2}, {ColumnName: "b", OrdinalPosition: 1}}
	b := []IndexColumnRef{{ColumnName: "b", OrdinalPosition: 1}, {ColumnName: "a", OrdinalPosition: 2}}
	assert.Equal(t, RenderIndexColumns(a), RenderIndexColumns(b))
}

func TestParentLink_Ref(t *testing.T) {
	tests := []struct {
		name       string
		link       ParentLink
		wantOK     bool
		existing   string
		pendingRev string
	}{
		{
			name:     "existing parent",
			link:     ParentLink{Kind: KindSchema, PK: "schema-pk"},
			wantOK:   true,
			existing: "schema-pk",
		},
		{
			name:       "pending parent",
			link:       ParentLink{Kind: KindSchema, RevisionID: "rev-1"},
			wantOK:     true,
			pendingRev: "rev-1",
		},
		{
			name:     "pk wins over revision",
			link:     ParentLink{Kind: KindSchema, PK: "schema-pk", RevisionID: "rev-1"},
			wantOK:   true,
			existing: "schema-pk",
		},
		{
			name:   "no parent",
			link:   ParentLink{},
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok := tt.link.Ref()
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			pk, isExisting := ref.Existing()
			revID, isPending := ref.Pending()
			if tt.existing != "" {
				assert.True(t, isExisting)
				assert.Equal(t, tt.existing, pk)
				assert.False(t, isPending)
			} else {
				assert.False(t, isExisting)
				assert.True(t, isPending)
				assert.Equal(t, tt.pendingRev, revID)
			}
		})
	}
}

func TestPayloadCodec_RoundTrip(t *testing.T) {
	maxLen := 64
	tests := []struct {
		name    string
		action  Action
		kind    Kind
		payload Payload
	}{
		{
			name: "schema created", action: ActionCreated, kind: KindSchema,
			payload: SchemaCreated{SchemaAttrs: SchemaAttrs{Name: "public", ObjectID: "2200", Tags: []string{"core"}}},
		},
		{
			name: "column created with nullable ints", action: ActionCreated, kind: KindColumn,
			payload: ColumnCreated{ColumnAttrs: ColumnAttrs{
				Name: "email", OrdinalPosition: 2, DataType: "varchar", MaxLength: &maxLen, IsNullable: true,
			}},
		},
		{
			name: "scalar modified", action: ActionModified, kind: KindTable,
			payload: Modified{Field: FieldName, Old: "departments", New: "depts"},
		},
		{
			name: "index columns modified", action: ActionModified, kind: KindIndex,
			payload: IndexColumnsModified{Field: FieldColumns, Columns: []IndexColumnRef{
				{ColumnName: "productcode", OrdinalPosition: 1},
			}},
		},
		{
			name: "index scalar modified stays Modified", action: ActionModified, kind: KindIndex,
			payload: Modified{Field: FieldIsUnique, Old: "false", New: "true"},
		},
		{
			name: "dropped", action: ActionDropped, kind: KindTable,
			payload: Dropped{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePayload(tt.payload)
			require.NoError(t, err)

			got, err := DecodePayload(tt.action, tt.kind, data)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

func TestDecodePayload_Malformed(t *testing.T) {
	_, err := DecodePayload(ActionCreated, KindSchema, []byte("{not json"))
	assert.Error(t, err)
}

func TestRun_Status(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		run  Run
		want RunStatus
	}{
		{"unfinished is pending", Run{}, RunPending},
		{"finished clean is success", Run{FinishedAt: &now}, RunSuccess},
		{"finished errored is failure", Run{FinishedAt: &now, Errored: true}, RunFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.run.Status())
		})
	}
}

func TestNewPK_Format(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		pk := NewPK()
		require.Len(t, pk, 12)
		for _, r := range pk {
			assert.True(t,
				(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'),
				"unexpected character %q in %q", r, pk)
		}
		assert.False(t, seen[pk], "duplicate pk %q", pk)
		seen[pk] = true
	}
}
