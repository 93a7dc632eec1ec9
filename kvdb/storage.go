package kvdb

// storage is a sorted key-value backend with named buckets (Bolt or memory).
type storage interface {
	// BeginTx starts a new transaction. At most one writable transaction is
	// open at a time; BeginTx(true) blocks until the previous writer is done.
	BeginTx(writable bool) (storageTx, error)
	Close() error
}

type storageTx interface {
	Writable() bool

	// Bucket returns nil if the bucket doesn't exist.
	Bucket(name string) storageBucket

	// CreateBucket creates a bucket if it doesn't exist.
	CreateBucket(name string) (storageBucket, error)

	Commit() error

	// Rollback aborts the transaction. It is safe to call multiple times.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown).
	Size() int64
}

type storageBucket interface {
	// Get returns nil if the key is not found.
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error

	// NextSequence returns an autoincrementing integer for the bucket.
	NextSequence() (uint64, error)

	// Sequence returns the last value handed out by NextSequence.
	Sequence() uint64

	Cursor() storageCursor
	KeyCount() int
}

type storageCursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)
	Seek(seek []byte) (key, value []byte)
	Next() (key, value []byte)
	Prev() (key, value []byte)
}
