// Package ids keeps the temporary and canonical id spaces disjoint by
// construction: temporary ids always carry the tmp- prefix, canonical ids
// are ULIDs minted by the remote store. A message can never alias between
// the two during reconciliation.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const tempPrefix = "tmp-"

// NewTempID returns a client-generated provisional message id.
func NewTempID() string {
	return tempPrefix + uuid.NewString()
}

// IsTemp reports whether id belongs to the temporary id space.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// NewCanonicalID mints a canonical message id. ULIDs sort lexically by
// creation time, which the reference store relies on for key ordering.
func NewCanonicalID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now.UTC()), rand.Reader).String()
}

// IsCanonical reports whether id parses as a canonical id.
func IsCanonical(id string) bool {
	if IsTemp(id) {
		return false
	}
	_, err := ulid.ParseStrict(id)
	return err == nil
}
