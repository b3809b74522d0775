package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
)

// SlotRepository 抽象已提交槽的持久化接口。槽只追加，不更新。
type SlotRepository interface {
	Save(ctx context.Context, slot ledger.Slot) error
	Get(ctx context.Context, number uint64) (ledger.Slot, error)
	// Range 返回 [from, to] 区间内的槽，按槽号升序。
	Range(ctx context.Context, from, to uint64) ([]ledger.Slot, error)
	// Height 返回已保存的槽数量。
	Height(ctx context.Context) (uint64, error)
	Close() error
}

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// Open 按 cfg.Driver 构造仓库："memory" 只保存在进程内，"file" 使用 DataDir 下的
// JSON 行日志，"mysql" 使用 MySQL。
func Open(ctx context.Context, cfg Config) (SlotRepository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemorySlotRepository(), nil
	case "file":
		return NewFileSlotRepository(cfg.DataDir)
	case "mysql":
		return NewSQLSlotRepository(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}

// FileSlotRepository 在内存仓库之上追加写本地 JSON 行文件，重启后可恢复。
type FileSlotRepository struct {
	*MemorySlotRepository
	dataFile string
}

// NewFileSlotRepository 创建文件仓库，并从已有的 slots.log 恢复。
func NewFileSlotRepository(dataDir string) (*FileSlotRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &FileSlotRepository{
		MemorySlotRepository: NewMemorySlotRepository(),
		dataFile:             filepath.Join(dataDir, "slots.log"),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 先追加写日志，成功后才对读者可见。
func (f *FileSlotRepository) Save(_ context.Context, slot ledger.Slot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.extendsLocked(slot); err != nil {
		return err
	}

	encoded, err := json.Marshal(slot)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化槽失败")
	}
	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开槽日志失败")
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入槽日志失败")
	}

	f.slots = append(f.slots, slot.Clone())
	return nil
}

func (f *FileSlotRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取槽日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var slot ledger.Slot
		if err := json.Unmarshal(scanner.Bytes(), &slot); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err,
				fmt.Sprintf("槽日志第 %d 行损坏", len(f.slots)+1))
		}
		if slot.Number != uint64(len(f.slots)) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, nil,
				fmt.Sprintf("槽日志不连续：第 %d 行为槽 %d", len(f.slots)+1, slot.Number))
		}
		f.slots = append(f.slots, slot)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析槽日志失败")
	}
	return nil
}

// SQLSlotRepository 使用 MySQL 保存槽，批次以规范编码字节落库。
type SQLSlotRepository struct {
	db *sql.DB
}

// NewSQLSlotRepository 创建连接池并执行内嵌迁移。
func NewSQLSlotRepository(ctx context.Context, cfg Config) (*SQLSlotRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLSlotRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

const selectSlotColumns = `SELECT slot_number, open_hash, close_counter, close_hash, batch FROM slots`

// Save 将槽写入 MySQL，重复的槽号返回 CodeConflict。
func (s *SQLSlotRepository) Save(ctx context.Context, slot ledger.Slot) error {
	batch, err := ledger.EncodeBatch(slot.Transactions)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码批次失败")
	}
	const stmt = `INSERT INTO slots
        (slot_number, open_hash, close_counter, close_hash, tx_count, batch, committed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		slot.Number,
		slot.OpenHash.Hex(),
		slot.CloseCounter,
		slot.CloseHash.Hex(),
		len(slot.Transactions),
		batch,
		time.Now().Unix(),
	); err != nil {
		if isDuplicateKey(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("slot %d already stored", slot.Number))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 MySQL 失败")
	}
	return nil
}

// Get 实现 SlotRepository 接口。
func (s *SQLSlotRepository) Get(ctx context.Context, number uint64) (ledger.Slot, error) {
	row := s.db.QueryRowContext(ctx, selectSlotColumns+` WHERE slot_number = ?`, number)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Slot{}, xerrors.Wrap(ledger.CodeSlotNotFound, nil, fmt.Sprintf("slot %d", number))
	}
	return slot, err
}

// Range 实现 SlotRepository 接口。
func (s *SQLSlotRepository) Range(ctx context.Context, from, to uint64) ([]ledger.Slot, error) {
	if to < from {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, nil, fmt.Sprintf("range [%d, %d]", from, to))
	}
	rows, err := s.db.QueryContext(ctx, selectSlotColumns+`
        WHERE slot_number BETWEEN ? AND ? ORDER BY slot_number ASC`, from, to)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询槽失败")
	}
	defer rows.Close()

	slots := make([]ledger.Slot, 0)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历槽失败")
	}
	return slots, nil
}

// Height 实现 SlotRepository 接口。
func (s *SQLSlotRepository) Height(ctx context.Context) (uint64, error) {
	var height uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM slots`).Scan(&height); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计槽数量失败")
	}
	return height, nil
}

// Close 关闭底层数据库连接。
func (s *SQLSlotRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (ledger.Slot, error) {
	var (
		slot      ledger.Slot
		openHash  string
		closeHash string
		batch     []byte
	)
	if err := row.Scan(&slot.Number, &openHash, &slot.CloseCounter, &closeHash, &batch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Slot{}, err
		}
		return ledger.Slot{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析槽记录失败")
	}
	txs, err := ledger.DecodeBatch(batch)
	if err != nil {
		return ledger.Slot{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("slot %d batch", slot.Number))
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	slot.OpenHash = common.HexToHash(openHash)
	slot.CloseHash = common.HexToHash(closeHash)
	slot.Transactions = txs
	return slot, nil
}
