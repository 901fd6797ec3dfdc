// Package document defines the inspected-schema document — the snapshot
// of one remote schema's structure that the inspector produces and the
// extraction pipeline consumes — plus its blob-storage codec.
package document

import (
	"github.com/metaglass/metaglass/internal/catalog"
)

// InstanceRef is a lightweight pointer to an already-known persisted
// row, letting extraction skip object-id / name resolution.
type InstanceRef struct {
	PK string `json:"pk"`
}

// SchemaDoc is the inspected snapshot of one schema: its own attributes
// plus nested tables, each with nested columns and indexes.
type SchemaDoc struct {
	InstanceRef *InstanceRef `json:"instance_ref,omitempty"`
	catalog.SchemaAttrs
	Tables []TableDoc `json:"tables"`
}

// TableDoc is one observed table inside a SchemaDoc.
type TableDoc struct {
	InstanceRef *InstanceRef `json:"instance_ref,omitempty"`
	catalog.TableAttrs
	Columns []ColumnDoc `json:"columns"`
	Indexes []IndexDoc  `json:"indexes"`
}

// ColumnDoc is one observed column inside a TableDoc.
type ColumnDoc struct {
	InstanceRef *InstanceRef `json:"instance_ref,omitempty"`
	catalog.ColumnAttrs
}

// IndexDoc is one observed index inside a TableDoc.
type IndexDoc struct {
	InstanceRef *InstanceRef `json:"instance_ref,omitempty"`
	catalog.IndexAttrs
}
