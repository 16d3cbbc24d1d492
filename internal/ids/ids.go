// Package ids issues identifiers. Entities get random UUIDs; ledger rows and
// payouts get ULIDs so they sort by creation time.
package ids

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptorand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	entropy = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

func New() string {
	return uuid.NewString()
}

// Sortable returns a ULID. IDs minted in the same millisecond stay ordered.
func Sortable() string {
	mu.Lock()
	defer mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), entropy)
	if err != nil {
		// monotonic entropy only fails when one millisecond overflows 2^80 ids
		return ulid.Make().String()
	}
	return id.String()
}

// Valid reports whether raw is a UUID.
func Valid(raw string) bool {
	_, err := uuid.Parse(raw)
	return err == nil
}
