// Package broadcast 把已提交的槽以信封形式推送给验证者与结算进程。
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
)

// Handler 处理来自消息队列的槽。
type Handler func(ctx context.Context, slot ledger.Slot) error

// Producer 负责向队列投递槽。
type Producer interface {
	Publish(ctx context.Context, slot ledger.Slot) error
	Close() error
}

// Consumer 负责从队列中消费槽。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Envelope 是队列中的消息体，Payload 为槽的传输编码。
type Envelope struct {
	ID         string        `json:"id"`
	SlotNumber uint64        `json:"slot_number"`
	Payload    hexutil.Bytes `json:"payload"`
}

// Seal 把槽编码为信封字节。
func Seal(slot ledger.Slot) ([]byte, error) {
	payload, err := ledger.EncodeSlot(slot)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码槽失败")
	}
	return json.Marshal(Envelope{
		ID:         uuid.NewString(),
		SlotNumber: slot.Number,
		Payload:    payload,
	})
}

// Open 解析信封并还原槽，信封头与载荷的槽号必须一致。
func Open(data []byte) (Envelope, ledger.Slot, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, ledger.Slot{}, xerrors.Wrap(ledger.CodeBatchEncoding, err, "解析信封失败")
	}
	slot, err := ledger.DecodeSlot(env.Payload)
	if err != nil {
		return env, ledger.Slot{}, err
	}
	if slot.Number != env.SlotNumber {
		return env, ledger.Slot{}, xerrors.Wrap(ledger.CodeBatchEncoding, nil,
			fmt.Sprintf("信封 %s 声明槽 %d，载荷为槽 %d", env.ID, env.SlotNumber, slot.Number))
	}
	return env, slot, nil
}

// ValidatorFeed 把 Producer 适配为 ledger.SlotValidator。
type ValidatorFeed struct {
	producer Producer
}

// NewValidatorFeed 创建验证者推送适配器。
func NewValidatorFeed(producer Producer) *ValidatorFeed {
	return &ValidatorFeed{producer: producer}
}

// SubmitSlot 实现 ledger.SlotValidator。
func (f *ValidatorFeed) SubmitSlot(ctx context.Context, slot ledger.Slot) error {
	if f == nil || f.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置槽推送队列")
	}
	return f.producer.Publish(ctx, slot)
}
