package wasmengine

// Memory is guest linear memory as the raw calling convention sees it.
//
// Offsets and lengths are in bytes. Grow takes a page count and reports the
// size in pages before growing. Implementations must copy on Read, so the
// returned slice stays valid after the guest instance is closed.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	Grow(pages uint32) (uint32, error)
	Size() uint32
}

const (
	// PageSize is the unit of linear memory growth.
	PageSize = 65536

	// MaxPayload bounds both the encoded argument and the returned result
	// of a raw invocation. The host grows the guest by exactly one page
	// before writing the argument.
	MaxPayload = PageSize
)
