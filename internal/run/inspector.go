package run

import (
	"context"

	"github.com/metaglass/metaglass/internal/catalog"
	"github.com/metaglass/metaglass/internal/document"
)

// Inspector produces the inspected-schema documents for a datastore —
// one document per schema, each a complete snapshot of that schema's
// current structure. The reconciliation core never connects to remote
// engines itself; inspection implementations live behind this boundary.
//
// An object absent from every returned document is treated as dropped,
// so an Inspector must return the full set of schemas it can see, not a
// subset.
type Inspector interface {
	Inspect(ctx context.Context, ds *catalog.Datastore) ([]*document.SchemaDoc, error)
}
