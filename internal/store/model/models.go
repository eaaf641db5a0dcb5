package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PositionModel maps to the 'positions' table. Decimals are stored as TEXT
// so no precision is lost in sqlite.
type PositionModel struct {
	ID         string `gorm:"column:id;primaryKey"`
	Symbol     string `gorm:"column:symbol;index"`
	Side       string `gorm:"column:side"`
	OrderID    string `gorm:"column:order_id"`
	ExternalID string `gorm:"column:external_id;index"`

	EntryPrice     decimal.Decimal `gorm:"column:entry_price;type:TEXT"`
	Quantity       decimal.Decimal `gorm:"column:quantity;type:TEXT"`
	CapitalEngaged decimal.Decimal `gorm:"column:capital_engaged;type:TEXT"`
	EntryFee       decimal.Decimal `gorm:"column:entry_fee;type:TEXT"`
	OpenedAtUnix   int64           `gorm:"column:opened_at"`

	StopLossPrice            decimal.Decimal `gorm:"column:stop_loss_price;type:TEXT"`
	InitialStopLossPrice     decimal.Decimal `gorm:"column:initial_stop_loss_price;type:TEXT"`
	TakeProfitPrice          decimal.Decimal `gorm:"column:take_profit_price;type:TEXT"`
	TrailingArmed            bool            `gorm:"column:trailing_armed"`
	LastRatchetProfitPercent decimal.Decimal `gorm:"column:last_ratchet_profit_pct;type:TEXT"`

	Status            string `gorm:"column:status;index"`
	PendingExitReason string `gorm:"column:pending_exit_reason"`

	ClosedAtUnix *int64              `gorm:"column:closed_at"`
	ExitPrice    decimal.NullDecimal `gorm:"column:exit_price;type:TEXT"`
	ExitReason   string              `gorm:"column:exit_reason"`
	ExitFee      decimal.Decimal     `gorm:"column:exit_fee;type:TEXT"`
	RealizedPnl  decimal.NullDecimal `gorm:"column:realized_pnl;type:TEXT"`

	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

// OperationModel maps to 'position_operation_log'.
type OperationModel struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement"`
	PositionID string         `gorm:"column:position_id;index"`
	Symbol     string         `gorm:"column:symbol"`
	Operation  string         `gorm:"column:operation"`
	Details    datatypes.JSON `gorm:"column:details"`
	Timestamp  int64          `gorm:"column:timestamp"`
}

func (OperationModel) TableName() string { return "position_operation_log" }

// BudgetModel maps to 'daily_risk_budget', one row per trading day.
type BudgetModel struct {
	TradingDay        string          `gorm:"column:trading_day;primaryKey"`
	RealizedPnl       decimal.Decimal `gorm:"column:realized_pnl;type:TEXT"`
	StopLossTriggered bool            `gorm:"column:stop_loss_triggered"`
	UpdatedAtUnix     int64           `gorm:"column:updated_at"`
}

func (BudgetModel) TableName() string { return "daily_risk_budget" }
