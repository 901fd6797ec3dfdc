package document

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/metaglass/metaglass/internal/errs"
)

// ContentType is the MIME type of an encoded inspection document.
const ContentType = "application/gzip"

// Path returns the blob-storage key for one schema's inspection document
// within one run.
func Path(datastoreID, runID, schemaName string) string {
	return fmt.Sprintf("inspections/%s/%s/%s.json.gz", datastoreID, runID, schemaName)
}

// Encode serializes a document as gzip-compressed JSON.
func Encode(doc *SchemaDoc) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		zw.Close()
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "encoding inspection document", err)
	}
	if err := zw.Close(); err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "compressing inspection document", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a gzip-compressed JSON document. A document that cannot
// be decompressed or parsed is malformed — terminal for its task, never
// retried.
func Decode(r io.Reader) (*SchemaDoc, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindMalformed, "decompressing inspection document", err)
	}
	defer zr.Close()

	var doc SchemaDoc
	if err := json.NewDecoder(zr).Decode(&doc); err != nil {
		return nil, errs.Wrap(errs.ErrKindMalformed, "decoding inspection document", err)
	}
	return &doc, nil
}
