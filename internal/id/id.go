package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	// Seed a PRNG from crypto/rand so ULID entropy is unpredictable.
	// ulid.Monotonic keeps IDs generated within the same millisecond
	// lexicographically increasing.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID string (time-sortable identifier) for journal rows.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		// Errors are extremely unlikely unless time goes backwards or entropy fails.
		panic(err)
	}
	return id.String()
}

// Sequence issues ULIDs whose timestamp comes from the session clock and
// whose entropy comes from a seeded PRNG, so replaying a session with the
// same seed yields the same IDs.
type Sequence struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewSequence returns a deterministic sequence for the given seed.
func NewSequence(seed int64) *Sequence {
	return &Sequence{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
	}
}

// Next returns the next ID stamped with t.
func (s *Sequence) Next(t time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
