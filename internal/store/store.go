package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"trade-narrator/infrastructure/logger"
	"trade-narrator/inventory"
)

const (
	PositionsFile = "positions.json"
	HistoryFile   = "trade_history.json"
)

// ErrNoDir 未指定数据目录
var ErrNoDir = errors.New("store: data dir required")

// HistorySink 已平仓交易落盘后的镜像输出（例如 sqlite 日志）。
type HistorySink interface {
	Record(t inventory.ClosedTrade) error
}

// Store 持有全部持仓与已平仓记录，所有读写经同一把锁串行化。
// 持仓表与历史表均为整表 JSON 重写。
type Store struct {
	positionsPath string
	historyPath   string

	mu        sync.Mutex
	positions map[string]inventory.Position
	history   []inventory.ClosedTrade

	logger *logger.Logger
	sink   HistorySink
}

// Option Store 可选项
type Option func(*Store)

// WithLogger 注入logger
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithHistorySink 注入历史镜像
func WithHistorySink(sink HistorySink) Option {
	return func(s *Store) { s.sink = sink }
}

// New 创建 Store；需调用 Load 后再使用。
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, ErrNoDir
	}
	s := &Store{
		positionsPath: filepath.Join(dir, PositionsFile),
		historyPath:   filepath.Join(dir, HistoryFile),
		positions:     make(map[string]inventory.Position),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrNop(s.logger).Named("store")
	return s, nil
}

// Load 读取两张表；文件缺失或整表损坏时初始化为空表并立即写回。
// 单条记录无法解析时只剔除该条，原文另存为 *.rejected-<unix>，其余记录保留。
func (s *Store) Load() (map[string]inventory.Position, []inventory.ClosedTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions, badPositions, err := readPositions(s.positionsPath)
	if err != nil {
		s.logger.Warn("positions table unreadable, starting empty")
		s.logger.LogError(err, map[string]interface{}{"path": s.positionsPath})
		positions = make(map[string]inventory.Position)
		if err := quarantine(s.positionsPath); err != nil {
			return nil, nil, err
		}
		if err := writeJSON(s.positionsPath, positions); err != nil {
			return nil, nil, fmt.Errorf("init positions: %w", err)
		}
	} else if len(badPositions) > 0 {
		if err := s.setAsideLocked(s.positionsPath, badPositions, len(badPositions), positions); err != nil {
			return nil, nil, err
		}
	}
	s.positions = sanitize(positions)

	history, badHistory, err := readHistory(s.historyPath)
	if err != nil {
		s.logger.Warn("trade history unreadable, starting empty")
		s.logger.LogError(err, map[string]interface{}{"path": s.historyPath})
		history = []inventory.ClosedTrade{}
		if err := quarantine(s.historyPath); err != nil {
			return nil, nil, err
		}
		if err := writeJSON(s.historyPath, history); err != nil {
			return nil, nil, fmt.Errorf("init history: %w", err)
		}
	} else if len(badHistory) > 0 {
		if err := s.setAsideLocked(s.historyPath, badHistory, len(badHistory), history); err != nil {
			return nil, nil, err
		}
	}
	s.history = history

	s.logger.Info(fmt.Sprintf("loaded %d open positions, %d closed trades", len(s.positions), len(s.history)))
	return copyPositions(s.positions), copyHistory(s.history), nil
}

// setAsideLocked 先保存无法解析的原始记录，再以剩余记录重写表文件
func (s *Store) setAsideLocked(path string, rejected interface{}, n int, keep interface{}) error {
	aside := rejectedPath(path, time.Now())
	if err := writeJSON(aside, rejected); err != nil {
		return fmt.Errorf("save rejected rows: %w", err)
	}
	s.logger.Warn(fmt.Sprintf("%d unreadable rows moved to %s", n, filepath.Base(aside)))
	if err := writeJSON(path, keep); err != nil {
		return fmt.Errorf("rewrite %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Read 只读加载两张表，不隔离也不回写文件，供与守护进程并行运行的命令使用。
// 文件缺失视为空表，单条无法解析的记录被跳过。
func Read(dir string) (map[string]inventory.Position, []inventory.ClosedTrade, error) {
	if dir == "" {
		return nil, nil, ErrNoDir
	}
	positions, _, err := readPositions(filepath.Join(dir, PositionsFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		positions = make(map[string]inventory.Position)
	case err != nil:
		return nil, nil, err
	}
	history, _, err := readHistory(filepath.Join(dir, HistoryFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		history = []inventory.ClosedTrade{}
	case err != nil:
		return nil, nil, err
	}
	return sanitize(positions), history, nil
}

// SavePositions 整表写入持仓
func (s *Store) SavePositions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.positionsPath, s.positions)
}

// AppendHistory 追加一条已平仓交易并重写日志；nil 仅用于生成空日志文件。
// 已存在相同 ID 的记录不会重复追加。
func (s *Store) AppendHistory(t *inventory.ClosedTrade) error {
	s.mu.Lock()
	appended, err := s.appendHistoryLocked(t)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.mirror(appended)
	return nil
}

func (s *Store) appendHistoryLocked(t *inventory.ClosedTrade) ([]inventory.ClosedTrade, error) {
	if t == nil {
		return nil, writeJSON(s.historyPath, s.history)
	}
	if s.hasTradeLocked(t.ID) {
		s.logger.Warn("closed trade already recorded, skipping append")
		return nil, nil
	}
	next := append(copyHistory(s.history), *t)
	if err := writeJSON(s.historyPath, next); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}
	s.history = next
	return []inventory.ClosedTrade{*t}, nil
}

func (s *Store) hasTradeLocked(id string) bool {
	if id == "" {
		return false
	}
	for _, h := range s.history {
		if h.ID == id {
			return true
		}
	}
	return false
}

// Update 在锁内执行一次“读-决策-写”事务。
// fn 返回 nil 时先写历史再写持仓；任一写入失败都会回滚内存，保证内存与磁盘一致。
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	tx := &Tx{s: s, undo: make(map[string]*inventory.Position)}
	appended, err := s.runLocked(tx, fn)
	s.mu.Unlock()
	s.mirror(appended)
	return err
}

func (s *Store) runLocked(tx *Tx, fn func(tx *Tx) error) ([]inventory.ClosedTrade, error) {
	if err := fn(tx); err != nil {
		tx.rollback()
		return nil, err
	}
	var appended []inventory.ClosedTrade
	for i := range tx.appended {
		added, err := s.appendHistoryLocked(&tx.appended[i])
		if err != nil {
			tx.rollback()
			return appended, err
		}
		appended = append(appended, added...)
	}
	if len(tx.undo) > 0 {
		if err := writeJSON(s.positionsPath, s.positions); err != nil {
			tx.rollback()
			return appended, fmt.Errorf("save positions: %w", err)
		}
	}
	return appended, nil
}

func (s *Store) mirror(trades []inventory.ClosedTrade) {
	if s.sink == nil {
		return
	}
	for _, t := range trades {
		if err := s.sink.Record(t); err != nil {
			s.logger.LogError(err, map[string]interface{}{"action": "mirror_history", "asset": t.Asset})
		}
	}
}

// Position 返回单个持仓副本
func (s *Store) Position(asset string) (inventory.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[asset]
	return p, ok
}

// Positions 返回持仓表副本
func (s *Store) Positions() map[string]inventory.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPositions(s.positions)
}

// Assets 已持仓资产，按字母排序
func (s *Store) Assets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	assets := make([]string, 0, len(s.positions))
	for a := range s.positions {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	return assets
}

// History 返回历史副本
func (s *Store) History() []inventory.ClosedTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyHistory(s.history)
}

// HistorySince 返回 since 之后平仓的交易
func (s *Store) HistorySince(since time.Time) []inventory.ClosedTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.ClosedTrade, 0)
	for _, t := range s.history {
		if t.ClosedAt.After(since) {
			out = append(out, t)
		}
	}
	return out
}

// Tx Update 内的事务视图，仅在 fn 执行期间有效。
type Tx struct {
	s        *Store
	undo     map[string]*inventory.Position
	appended []inventory.ClosedTrade
}

// Get 读取持仓
func (tx *Tx) Get(asset string) (inventory.Position, bool) {
	p, ok := tx.s.positions[asset]
	return p, ok
}

// Put 写入持仓
func (tx *Tx) Put(p inventory.Position) {
	tx.remember(p.Asset)
	tx.s.positions[p.Asset] = p
}

// Delete 删除持仓
func (tx *Tx) Delete(asset string) {
	tx.remember(asset)
	delete(tx.s.positions, asset)
}

// Append 追加已平仓交易，提交时落盘
func (tx *Tx) Append(t inventory.ClosedTrade) {
	tx.appended = append(tx.appended, t)
}

func (tx *Tx) remember(asset string) {
	if _, seen := tx.undo[asset]; seen {
		return
	}
	if p, ok := tx.s.positions[asset]; ok {
		cp := p
		tx.undo[asset] = &cp
		return
	}
	tx.undo[asset] = nil
}

func (tx *Tx) rollback() {
	for asset, prev := range tx.undo {
		if prev == nil {
			delete(tx.s.positions, asset)
			continue
		}
		tx.s.positions[asset] = *prev
	}
}

func sanitize(in map[string]inventory.Position) map[string]inventory.Position {
	out := make(map[string]inventory.Position, len(in))
	for asset, p := range in {
		if p.TotalQty < inventory.DustQty {
			continue
		}
		if p.Asset == "" {
			p.Asset = asset
		}
		out[asset] = p
	}
	return out
}

func copyPositions(in map[string]inventory.Position) map[string]inventory.Position {
	out := make(map[string]inventory.Position, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyHistory(in []inventory.ClosedTrade) []inventory.ClosedTrade {
	out := make([]inventory.ClosedTrade, len(in))
	copy(out, in)
	return out
}
