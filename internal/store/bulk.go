package store

// Bulk tier size budgets. Keys are uint64 (8 bytes).
const (
	KeySize          = 8
	ChunkValueBudget = 2_000_000
	FileValueBudget  = 20_000_000
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Map is an ordered, size-bounded uint64-keyed map that persists natively.
// Implementations are safe for concurrent use.
type Map interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key uint64) ([]byte, error)
	// Insert stores value under a new key. It fails with ErrKeyExists if the
	// key is present and ErrValueTooLarge if value exceeds MaxValueSize.
	Insert(key uint64, value []byte) error
	// Put stores value under key, replacing any existing value.
	Put(key uint64, value []byte) error
	// Delete removes key. Deleting a missing key returns ErrNotFound.
	Delete(key uint64) error
	// Ascend calls fn for every entry in ascending key order until fn returns false.
	Ascend(fn func(key uint64, value []byte) bool) error
	// LastKey returns the largest key, or false when the map is empty.
	LastKey() (uint64, bool)
	Len() int
	// SizeBytes returns the total persisted value size.
	SizeBytes() int64
	MaxValueSize() int
	Close() error
}
