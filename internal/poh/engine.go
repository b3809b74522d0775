// Package poh implements the proof-of-history hash chain: a single writer
// advances a running digest one counted step at a time, optionally folding in
// event bytes, and anyone holding a (hash, counter) pair can replay the chain
// forward to check a claimed later state.
package poh

import (
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// AlgorithmVersion 标识链步进算法。任何改动都会使既有链无法重放。
const AlgorithmVersion = 1

const (
	kindTick   byte = 0x00
	kindRecord byte = 0x01
)

// State 是某一步之后对外公开的链状态快照。
type State struct {
	Hash    common.Hash `json:"hash"`
	Counter uint64      `json:"counter"`
}

// Engine 持有唯一的链状态，Tick 与 Record 必须串行执行。
type Engine struct {
	mu     sync.Mutex
	digest common.Hash
	next   uint64
}

// NewEngine 创建一条全新的链，摘要为全零，下一步计数为 0。
func NewEngine() *Engine {
	return &Engine{}
}

// Resume 从已知的 (hash, counter) 继续，下一步吸收 counter+1。
func Resume(hash common.Hash, counter uint64) *Engine {
	return &Engine{digest: hash, next: counter + 1}
}

// Tick 推进一步且不携带事件，返回新哈希与该步消耗的计数。
func (e *Engine) Tick() (common.Hash, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.advance(kindTick, nil)
}

// Record 推进一步并把 event 折叠进摘要。
func (e *Engine) Record(event []byte) (common.Hash, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.advance(kindRecord, event)
}

// SnapshotHash 返回当前哈希，不推进计数。
func (e *Engine) SnapshotHash() common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.digest
}

// Counter 返回已经执行的步数，即下一步将吸收的计数值。
func (e *Engine) Counter() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next
}

// Head 返回最近一步的公开状态。尚未推进过的链返回零值。
func (e *Engine) Head() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.next == 0 {
		return State{}
	}
	return State{Hash: e.digest, Counter: e.next - 1}
}

func (e *Engine) advance(kind byte, event []byte) (common.Hash, uint64) {
	counter := e.next
	e.digest = step(e.digest, kind, counter, event)
	e.next++
	return e.digest, counter
}

// step 计算 SHAKE256(prev ‖ kind ‖ uint64_be(counter) ‖ event) 的前 32 字节。
func step(prev common.Hash, kind byte, counter uint64, event []byte) common.Hash {
	var header [common.HashLength + 1 + 8]byte
	copy(header[:common.HashLength], prev[:])
	header[common.HashLength] = kind
	binary.BigEndian.PutUint64(header[common.HashLength+1:], counter)

	xof := sha3.NewShake256()
	_, _ = xof.Write(header[:])
	_, _ = xof.Write(event)

	var out common.Hash
	_, _ = xof.Read(out[:])
	return out
}
