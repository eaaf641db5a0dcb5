package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"tothemoon/internal/gateway/exchange"
	"tothemoon/internal/logger"
	"tothemoon/internal/pkg/symbol"
	"tothemoon/internal/store"
	"tothemoon/internal/strategy/exit"
	"tothemoon/internal/trader"
	"tothemoon/internal/trading"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

// Trader is the slice of *trader.Trader the API drives.
type Trader interface {
	Positions() []exit.View
	Budget() trading.BudgetSnapshot
	OpenPosition(ctx context.Context, sig trader.Signal) (trader.OpenResult, error)
	ManualClose(ctx context.Context, positionID string) error
	Reconcile(ctx context.Context) (trader.ReconcileReport, error)
}

type Router struct {
	trader Trader
	ledger store.Ledger
	schema *jsonschema.Schema
}

func NewRouter(t Trader, ledger store.Ledger) (*Router, error) {
	schema, err := compileSignalSchema()
	if err != nil {
		return nil, err
	}
	return &Router{trader: t, ledger: ledger, schema: schema}, nil
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/positions", r.handlePositions)
	group.GET("/positions/:id", r.handlePositionDetail)
	group.POST("/positions/:id/close", r.handleManualClose)
	group.GET("/risk/budget", r.handleBudget)
	group.POST("/reconcile", r.handleReconcile)
	group.POST("/signals", r.handleSignal)
}

func (r *Router) handlePositions(c *gin.Context) {
	views := r.trader.Positions()
	c.JSON(http.StatusOK, gin.H{"positions": views, "count": len(views)})
}

func (r *Router) handlePositionDetail(c *gin.Context) {
	if r.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not configured"})
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	pos, err := r.ledger.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	if err != nil {
		logger.Errorf("[api] position detail failed id=%s err=%v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("ops", "50"))
	ops, err := r.ledger.ListOperations(c.Request.Context(), id, limit)
	if err != nil {
		logger.Warnf("[api] position ops failed id=%s err=%v", id, err)
	}
	c.JSON(http.StatusOK, gin.H{"position": pos, "operations": ops})
}

func (r *Router) handleManualClose(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	logger.Infof("[api] manual close ip=%s id=%s", c.ClientIP(), id)
	if err := r.trader.ManualClose(c.Request.Context(), id); err != nil {
		logger.Errorf("[api] manual close failed ip=%s id=%s err=%v", c.ClientIP(), id, err)
		status := statusFor(err)
		if errors.Is(err, trading.ErrInvariant) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "closing", "id": id})
}

func (r *Router) handleBudget(c *gin.Context) {
	c.JSON(http.StatusOK, r.trader.Budget())
}

func (r *Router) handleReconcile(c *gin.Context) {
	report, err := r.trader.Reconcile(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] reconcile failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

type signalRequest struct {
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	SizePercent decimal.Decimal `json:"size_percent"`
	Source      string          `json:"source"`
}

func (r *Router) handleSignal(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}
	if err := r.schema.Validate(doc); err != nil {
		logger.Warnf("[api] signal rejected by schema ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req signalRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sig := trader.Signal{
		Symbol:      symbol.Normalize(req.Symbol),
		Side:        trading.Side(strings.ToUpper(req.Side)),
		SizePercent: req.SizePercent,
		Source:      req.Source,
	}
	if sig.Source == "" {
		sig.Source = "api"
	}
	res, err := r.trader.OpenPosition(c.Request.Context(), sig)
	switch {
	case errors.Is(err, trader.ErrFillUnknown):
		c.JSON(http.StatusAccepted, gin.H{"status": "unknown", "error": err.Error()})
		return
	case err != nil:
		logger.Errorf("[api] signal failed ip=%s symbol=%s side=%s err=%v", c.ClientIP(), sig.Symbol, sig.Side, err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] signal ip=%s symbol=%s side=%s size=%s%% -> %s", c.ClientIP(), sig.Symbol, sig.Side, sig.SizePercent, res.Decision)
	if !res.Decision.Admitted {
		c.JSON(http.StatusConflict, res)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, trading.ErrInvariant):
		return http.StatusBadRequest
	case errors.Is(err, trader.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, exchange.ErrVenue):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
