package catalog

import (
	"crypto/rand"

	"github.com/google/uuid"
)

const pkLength = 12

const pkAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewPK returns a fresh surrogate primary key for a revisable entity:
// 12 characters of base62, e.g. "IFMwWB5gtslY". Keys are opaque and
// never reused.
func NewPK() string {
	buf := make([]byte, pkLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = pkAlphabet[int(b)%len(pkAlphabet)]
	}
	return string(buf)
}

// NewID returns a fresh UUID for runs, run tasks, and error records.
func NewID() string {
	return uuid.NewString()
}
