package engine

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	wasmengine "github.com/openeuler-mirror/WasmEngine"
)

var _ wasmengine.Memory = (*WazeroMemory)(nil)

// WazeroMemory wraps wazero memory to implement wasmengine.Memory
type WazeroMemory struct {
	mem api.Memory
}

// NewWazeroMemory wraps mem.
func NewWazeroMemory(mem api.Memory) *WazeroMemory {
	return &WazeroMemory{mem: mem}
}

func (m *WazeroMemory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d, size=%d", offset, length, m.mem.Size())
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *WazeroMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d, size=%d", offset, len(data), m.mem.Size())
	}
	return nil
}

func (m *WazeroMemory) Grow(pages uint32) (uint32, error) {
	prev, ok := m.mem.Grow(pages)
	if !ok {
		return 0, fmt.Errorf("grow by %d pages exceeds the memory limit", pages)
	}
	return prev, nil
}

func (m *WazeroMemory) Size() uint32 {
	return m.mem.Size()
}
