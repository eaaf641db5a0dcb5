package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tothemoon/internal/store"
	storemodel "tothemoon/internal/store/model"
	"tothemoon/internal/trading"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

type positionModel = storemodel.PositionModel
type operationModel = storemodel.OperationModel
type budgetModel = storemodel.BudgetModel

// GormStore implements store.Ledger using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (and migrates) the ledger at path.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: ledger 路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return newGormStore(db)
}

func newGormStore(db *gorm.DB) (*GormStore, error) {
	models := []interface{}{
		&positionModel{},
		&operationModel{},
		&budgetModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP reads
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ store.Ledger = (*GormStore)(nil)

// --------------------- Positions -------------------------

func (s *GormStore) Insert(ctx context.Context, pos trading.Position) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(pos.ID) == "" {
		return fmt.Errorf("%w: position id 必填", trading.ErrInvariant)
	}
	m := newPositionModel(pos, time.Now())
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		existing, err := s.Get(ctx, pos.ID)
		if err != nil {
			return err
		}
		// 重试插入同一条记录视为成功
		if existing.Status == pos.Status && existing.EntryPrice.Equal(pos.EntryPrice) && existing.Quantity.Equal(pos.Quantity) {
			return nil
		}
		return fmt.Errorf("%w: position %s already exists", store.ErrInvalidTransition, pos.ID)
	}
	return nil
}

func (s *GormStore) Update(ctx context.Context, id string, u store.PositionUpdate) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store 未初始化")
	}
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m positionModel
		if err := tx.Where("id = ?", id).Take(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: position %s", store.ErrNotFound, id)
			}
			return err
		}
		ok, err := store.CheckTransition(trading.Status(m.Status), trading.ExitReason(m.ExitReason), u)
		if err != nil || !ok {
			return err
		}
		updates := updateColumns(u)
		updates["updated_at"] = time.Now().UnixMilli()
		if err := tx.Model(&positionModel{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func updateColumns(u store.PositionUpdate) map[string]interface{} {
	cols := make(map[string]interface{})
	if u.Status != nil {
		cols["status"] = string(*u.Status)
	}
	if u.StopLossPrice != nil {
		cols["stop_loss_price"] = *u.StopLossPrice
	}
	if u.TrailingArmed != nil {
		cols["trailing_armed"] = *u.TrailingArmed
	}
	if u.LastRatchetProfitPercent != nil {
		cols["last_ratchet_profit_pct"] = *u.LastRatchetProfitPercent
	}
	if u.PendingExitReason != nil {
		cols["pending_exit_reason"] = string(*u.PendingExitReason)
	}
	if u.ClosedAt != nil {
		cols["closed_at"] = u.ClosedAt.UnixMilli()
	}
	if u.ExitPrice != nil {
		cols["exit_price"] = *u.ExitPrice
	}
	if u.ExitReason != nil {
		cols["exit_reason"] = string(*u.ExitReason)
	}
	if u.ExitFee != nil {
		cols["exit_fee"] = *u.ExitFee
	}
	if u.RealizedPnl != nil {
		cols["realized_pnl"] = *u.RealizedPnl
	}
	return cols
}

func (s *GormStore) Get(ctx context.Context, id string) (trading.Position, error) {
	if s == nil || s.db == nil {
		return trading.Position{}, fmt.Errorf("gorm store 未初始化")
	}
	var m positionModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return trading.Position{}, fmt.Errorf("%w: position %s", store.ErrNotFound, id)
		}
		return trading.Position{}, err
	}
	return positionModelToRecord(m), nil
}

func (s *GormStore) QueryByStatus(ctx context.Context, status trading.Status) ([]trading.Position, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []positionModel
	if err := s.db.WithContext(ctx).Where("status = ?", string(status)).Order("opened_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]trading.Position, 0, len(models))
	for _, m := range models {
		out = append(out, positionModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) QueryClosedBetween(ctx context.Context, from, to time.Time) ([]trading.Position, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []positionModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND closed_at >= ? AND closed_at < ?", string(trading.StatusClosed), from.UnixMilli(), to.UnixMilli()).
		Order("closed_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]trading.Position, 0, len(models))
	for _, m := range models {
		out = append(out, positionModelToRecord(m))
	}
	return out, nil
}

// SumCapitalEngaged adds the decimals in Go; SUM over TEXT would go through
// floating point.
func (s *GormStore) SumCapitalEngaged(ctx context.Context, status trading.Status) (decimal.Decimal, error) {
	if s == nil || s.db == nil {
		return decimal.Zero, fmt.Errorf("gorm store 未初始化")
	}
	var values []decimal.Decimal
	if err := s.db.WithContext(ctx).Model(&positionModel{}).Where("status = ?", string(status)).Pluck("capital_engaged", &values).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total, nil
}

// --------------------- Operation log -------------------------

func (s *GormStore) AppendOperation(ctx context.Context, op store.Operation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	detailBytes, _ := json.Marshal(op.Details)
	at := op.At
	if at.IsZero() {
		at = time.Now()
	}
	m := operationModel{
		PositionID: op.PositionID,
		Symbol:     strings.ToUpper(strings.TrimSpace(op.Symbol)),
		Operation:  string(op.Type),
		Details:    datatypes.JSON(detailBytes),
		Timestamp:  at.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) ListOperations(ctx context.Context, positionID string, limit int) ([]store.Operation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if strings.TrimSpace(positionID) != "" {
		q = q.Where("position_id = ?", positionID)
	}
	var models []operationModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.Operation, 0, len(models))
	for _, m := range models {
		out = append(out, operationModelToRecord(m))
	}
	return out, nil
}

// --------------------- Daily budget -------------------------

func (s *GormStore) LoadBudget(ctx context.Context, tradingDay string) (trading.BudgetSnapshot, bool, error) {
	if s == nil || s.db == nil {
		return trading.BudgetSnapshot{}, false, fmt.Errorf("gorm store 未初始化")
	}
	var m budgetModel
	if err := s.db.WithContext(ctx).Where("trading_day = ?", tradingDay).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return trading.BudgetSnapshot{}, false, nil
		}
		return trading.BudgetSnapshot{}, false, err
	}
	return trading.BudgetSnapshot{
		TradingDay:             m.TradingDay,
		RealizedPnlToday:       m.RealizedPnl,
		StopLossTriggeredToday: m.StopLossTriggered,
	}, true, nil
}

func (s *GormStore) SaveBudget(ctx context.Context, snap trading.BudgetSnapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	m := budgetModel{
		TradingDay:        snap.TradingDay,
		RealizedPnl:       snap.RealizedPnlToday,
		StopLossTriggered: snap.StopLossTriggeredToday,
		UpdatedAtUnix:     time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trading_day"}},
			DoUpdates: clause.AssignmentColumns([]string{"realized_pnl", "stop_loss_triggered", "updated_at"}),
		}).
		Create(&m).Error
}

// --------------------- mapping -------------------------

func newPositionModel(pos trading.Position, now time.Time) positionModel {
	m := positionModel{
		ID:                       pos.ID,
		Symbol:                   strings.ToUpper(strings.TrimSpace(pos.Symbol)),
		Side:                     string(pos.Side),
		OrderID:                  pos.OrderID,
		ExternalID:               pos.ExternalID,
		EntryPrice:               pos.EntryPrice,
		Quantity:                 pos.Quantity,
		CapitalEngaged:           pos.CapitalEngaged,
		EntryFee:                 pos.EntryFee,
		OpenedAtUnix:             pos.OpenedAt.UnixMilli(),
		StopLossPrice:            pos.StopLossPrice,
		InitialStopLossPrice:     pos.InitialStopLossPrice,
		TakeProfitPrice:          pos.TakeProfitPrice,
		TrailingArmed:            pos.TrailingArmed,
		LastRatchetProfitPercent: pos.LastRatchetProfitPercent,
		Status:                   string(pos.Status),
		PendingExitReason:        string(pos.PendingExitReason),
		ExitPrice:                pos.ExitPrice,
		ExitReason:               string(pos.ExitReason),
		ExitFee:                  pos.ExitFee,
		RealizedPnl:              pos.RealizedPnl,
		CreatedAtUnix:            now.UnixMilli(),
		UpdatedAtUnix:            now.UnixMilli(),
	}
	if pos.ClosedAt != nil {
		ms := pos.ClosedAt.UnixMilli()
		m.ClosedAtUnix = &ms
	}
	return m
}

func positionModelToRecord(m positionModel) trading.Position {
	pos := trading.Position{
		ID:                       m.ID,
		Symbol:                   m.Symbol,
		Side:                     trading.Side(m.Side),
		OrderID:                  m.OrderID,
		ExternalID:               m.ExternalID,
		EntryPrice:               m.EntryPrice,
		Quantity:                 m.Quantity,
		CapitalEngaged:           m.CapitalEngaged,
		EntryFee:                 m.EntryFee,
		OpenedAt:                 millisToTime(m.OpenedAtUnix),
		StopLossPrice:            m.StopLossPrice,
		InitialStopLossPrice:     m.InitialStopLossPrice,
		TakeProfitPrice:          m.TakeProfitPrice,
		TrailingArmed:            m.TrailingArmed,
		LastRatchetProfitPercent: m.LastRatchetProfitPercent,
		Status:                   trading.Status(m.Status),
		PendingExitReason:        trading.ExitReason(m.PendingExitReason),
		ExitPrice:                m.ExitPrice,
		ExitReason:               trading.ExitReason(m.ExitReason),
		ExitFee:                  m.ExitFee,
		RealizedPnl:              m.RealizedPnl,
	}
	if m.ClosedAtUnix != nil {
		at := millisToTime(*m.ClosedAtUnix)
		pos.ClosedAt = &at
	}
	return pos
}

func operationModelToRecord(m operationModel) store.Operation {
	var details map[string]any
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return store.Operation{
		ID:         m.ID,
		PositionID: m.PositionID,
		Symbol:     m.Symbol,
		Type:       store.OperationType(m.Operation),
		Details:    details,
		At:         millisToTime(m.Timestamp),
	}
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
