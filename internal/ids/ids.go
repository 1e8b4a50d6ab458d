package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes keep identifiers self-describing in logs and audit rows.
const (
	PrefixTransaction = "txn"
	PrefixBinding     = "bnd"
	PrefixApplication = "app"
	PrefixSession     = "imp"
	PrefixAudit       = "aud"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return newAt(time.Now())
}

// WithPrefix returns "<prefix>_<ulid>". An empty prefix yields a bare ULID.
func WithPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}

func newAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
