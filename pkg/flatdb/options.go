package flatdb

import "runtime"

// Record is the decoded form of a single value. Callers supply the concrete
// type; the engine only ever carries it behind this interface.
type Record interface {
	// Key returns the record's key.
	Key() uint64
	// Encode returns the record's on-disk payload, excluding the length
	// prefix the engine itself writes.
	Encode() []byte
}

// CreateRecordFunc decodes a raw payload slice (already split from its
// varint length prefix) for a given key into a caller-defined Record.
type CreateRecordFunc func(key uint64, payload []byte) (Record, error)

// Options configures a new or reopened engine.
type Options struct {
	// Path is the backing file path.
	Path string
	// KeySize is the on-disk key width, 4 or 8 bytes.
	KeySize int
	// DataPageSize is the size in bytes of one data node's page. Must be a
	// multiple of 4096.
	DataPageSize int
	// IndexPages is the number of pages reserved for one index-node slot.
	IndexPages int
	// CacheMB bounds the page cache's working set in megabytes.
	CacheMB int
	// CPUThreads bounds concurrency for the update phase of WritePoints.
	// The commit that follows (pack, page writes, flushes) runs on the
	// calling goroutine. Defaults to GOMAXPROCS when zero.
	CPUThreads int
	// IOThreads bounds concurrency for read procedures (ReadRange,
	// ReadPoints), including their page reads and decoding. Defaults to 4
	// when zero.
	IOThreads int
	// CreateRecord decodes raw payload bytes into a Record.
	CreateRecord CreateRecordFunc
	// ReadOnly disables write/reorganize paths.
	ReadOnly bool
}

const (
	minDataPageSize     = 4096
	defaultDataPageSize = 256 * 1024
	defaultIndexPages   = 8
	defaultCacheMB      = 64
	defaultIOThreads    = 4
)

func (o *Options) setDefaults() {
	if o.KeySize == 0 {
		o.KeySize = 8
	}
	if o.DataPageSize == 0 {
		o.DataPageSize = defaultDataPageSize
	}
	if o.IndexPages == 0 {
		o.IndexPages = defaultIndexPages
	}
	if o.CacheMB == 0 {
		o.CacheMB = defaultCacheMB
	}
	if o.CPUThreads == 0 {
		o.CPUThreads = runtime.GOMAXPROCS(0)
	}
	if o.IOThreads == 0 {
		o.IOThreads = defaultIOThreads
	}
}

// Validate checks the option set and returns an InvalidArgument error
// describing the first problem found.
func (o *Options) Validate() error {
	if o.Path == "" {
		return newErr(KindInvalidArgument, "Path must not be empty", nil)
	}
	if o.KeySize != 4 && o.KeySize != 8 {
		return newErr(KindInvalidArgument, "KeySize must be 4 or 8", nil)
	}
	if o.DataPageSize < minDataPageSize || o.DataPageSize%4096 != 0 {
		return newErr(KindInvalidArgument, "DataPageSize must be a positive multiple of 4096", nil)
	}
	if o.IndexPages <= 0 {
		return newErr(KindInvalidArgument, "IndexPages must be positive", nil)
	}
	if o.CacheMB <= 0 {
		return newErr(KindInvalidArgument, "CacheMB must be positive", nil)
	}
	if o.CPUThreads < 0 || o.IOThreads < 0 {
		return newErr(KindInvalidArgument, "thread counts must not be negative", nil)
	}
	if o.CreateRecord == nil {
		return newErr(KindInvalidArgument, "CreateRecord must be set", nil)
	}
	return nil
}

// maxKey returns the largest representable key for this engine's KeySize.
func (o *Options) maxKey() uint64 {
	if o.KeySize == 4 {
		return 0xFFFFFFFF
	}
	return 0xFFFFFFFFFFFFFFFF
}
