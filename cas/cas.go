// Package cas memoizes evaluation results keyed by item id and the content
// hash of the item's source. A lookup whose stored hash no longer matches the
// current source is a miss, so edits invalidate entries without any help from
// the scheduler.
package cas

import (
	"time"

	"github.com/dgryski/go-farm"
)

// Hash identifies a version of an item's source text. It detects change; it
// is not an integrity guarantee.
type Hash uint64

// HashContent is the content hash used by the cache and by dirty tracking.
func HashContent(content string) Hash {
	return Hash(farm.Hash64([]byte(content)))
}

// Result is a memoized evaluation outcome. A non-empty Err records an
// evaluation that failed deterministically (for example a parse failure).
type Result struct {
	Output string
	Err    string
}

func (r Result) Failed() bool {
	return r.Err != ""
}

// Entry is one cached result plus its access metadata.
type Entry struct {
	ID          string
	Hash        Hash
	Result      Result
	CachedAt    time.Time
	AccessCount uint64
	LastAccess  time.Time
}
