package mysql

import (
	"context"
	"fmt"
	"sync"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
)

// MemorySlotRepository 只在进程内保存槽，重启即丢失，适合测试与临时节点。
type MemorySlotRepository struct {
	mu    sync.RWMutex
	slots []ledger.Slot
}

// NewMemorySlotRepository 创建空的内存仓库。
func NewMemorySlotRepository() *MemorySlotRepository {
	return &MemorySlotRepository{}
}

// Save 要求槽号紧接已保存的最后一个槽。
func (m *MemorySlotRepository) Save(_ context.Context, slot ledger.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.extendsLocked(slot); err != nil {
		return err
	}
	m.slots = append(m.slots, slot.Clone())
	return nil
}

func (m *MemorySlotRepository) extendsLocked(slot ledger.Slot) error {
	if slot.Number != uint64(len(m.slots)) {
		return xerrors.Wrap(xerrors.CodeConflict, nil,
			fmt.Sprintf("slot %d does not extend height %d", slot.Number, len(m.slots)))
	}
	return nil
}

// Get 实现 SlotRepository 接口。
func (m *MemorySlotRepository) Get(_ context.Context, number uint64) (ledger.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if number >= uint64(len(m.slots)) {
		return ledger.Slot{}, xerrors.Wrap(ledger.CodeSlotNotFound, nil, fmt.Sprintf("slot %d", number))
	}
	return m.slots[number].Clone(), nil
}

// Range 实现 SlotRepository 接口。
func (m *MemorySlotRepository) Range(_ context.Context, from, to uint64) ([]ledger.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if to < from {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, nil, fmt.Sprintf("range [%d, %d]", from, to))
	}
	height := uint64(len(m.slots))
	if from >= height {
		return []ledger.Slot{}, nil
	}
	if to >= height {
		to = height - 1
	}
	out := make([]ledger.Slot, 0, to-from+1)
	for _, slot := range m.slots[from : to+1] {
		out = append(out, slot.Clone())
	}
	return out, nil
}

// Height 实现 SlotRepository 接口。
func (m *MemorySlotRepository) Height(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.slots)), nil
}

// Close 内存仓库无需释放资源。
func (m *MemorySlotRepository) Close() error { return nil }
