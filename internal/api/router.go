// Package api serves read-only HTTP queries over the ledger.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/devblac/netflow-tower/internal/storage"
	"github.com/devblac/netflow-tower/internal/units"
	"github.com/gin-gonic/gin"
)

// Ledger is the read side of the ledger store.
type Ledger interface {
	CurrentState(ctx context.Context) (storage.Aggregate, error)
	ListTransfers(ctx context.Context, limit, offset int) (storage.Page, error)
	TransferCount(ctx context.Context) (uint64, error)
}

// Token describes the tracked token for formatting amounts.
type Token struct {
	Contract string
	Symbol   string
	Decimals int32
	Watch    string
}

type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	// Health and Metrics are mounted at /healthz and /metrics when set.
	Health  http.Handler
	Metrics http.Handler
	Logger  *slog.Logger
}

const queryTimeout = 5 * time.Second

type handler struct {
	ledger Ledger
	token  Token
	opts   Options
}

// NewRouter builds the query API.
func NewRouter(ledger Ledger, tok Token, opts Options) *gin.Engine {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 100
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = storage.DefaultMaxPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(opts.Logger.With("component", "api")))

	h := &handler{ledger: ledger, token: tok, opts: opts}
	r.GET("/net-flow", h.netFlow)
	r.GET("/status", h.status)
	r.GET("/transactions", h.transactions)
	if opts.Health != nil {
		r.GET("/healthz", gin.WrapH(opts.Health))
	}
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

type netFlowResponse struct {
	Token                 string     `json:"token"`
	Symbol                string     `json:"symbol,omitempty"`
	Decimals              int32      `json:"decimals"`
	Watch                 string     `json:"watch"`
	TotalInflow           string     `json:"total_inflow"`
	TotalOutflow          string     `json:"total_outflow"`
	NetFlow               string     `json:"net_flow"`
	TotalInflowFormatted  string     `json:"total_inflow_formatted"`
	TotalOutflowFormatted string     `json:"total_outflow_formatted"`
	NetFlowFormatted      string     `json:"net_flow_formatted"`
	LastProcessedBlock    *uint64    `json:"last_processed_block"`
	UpdatedAt             *time.Time `json:"updated_at"`
}

func (h *handler) netFlow(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	agg, err := h.ledger.CurrentState(ctx)
	if err != nil {
		h.internalError(c, "read ledger", err)
		return
	}
	resp := netFlowResponse{
		Token:                 h.token.Contract,
		Symbol:                h.token.Symbol,
		Decimals:              h.token.Decimals,
		Watch:                 h.token.Watch,
		TotalInflow:           agg.TotalInflow.String(),
		TotalOutflow:          agg.TotalOutflow.String(),
		NetFlow:               agg.NetFlow.String(),
		TotalInflowFormatted:  units.Format(agg.TotalInflow, h.token.Decimals),
		TotalOutflowFormatted: units.Format(agg.TotalOutflow, h.token.Decimals),
		NetFlowFormatted:      units.Format(agg.NetFlow, h.token.Decimals),
	}
	if agg.Initialized {
		wm, updated := agg.Watermark, agg.UpdatedAt
		resp.LastProcessedBlock = &wm
		resp.UpdatedAt = &updated
	}
	c.JSON(http.StatusOK, resp)
}

type statusResponse struct {
	Status             string     `json:"status"`
	Initialized        bool       `json:"initialized"`
	LastProcessedBlock *uint64    `json:"last_processed_block"`
	UpdatedAt          *time.Time `json:"updated_at"`
	TransferCount      uint64     `json:"transfer_count"`
	Token              string     `json:"token"`
	Watch              string     `json:"watch"`
}

func (h *handler) status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	agg, err := h.ledger.CurrentState(ctx)
	if err != nil {
		h.internalError(c, "read ledger", err)
		return
	}
	count, err := h.ledger.TransferCount(ctx)
	if err != nil {
		h.internalError(c, "count transfers", err)
		return
	}
	resp := statusResponse{
		Status:        "ok",
		Initialized:   agg.Initialized,
		TransferCount: count,
		Token:         h.token.Contract,
		Watch:         h.token.Watch,
	}
	if agg.Initialized {
		wm, updated := agg.Watermark, agg.UpdatedAt
		resp.LastProcessedBlock = &wm
		resp.UpdatedAt = &updated
	}
	c.JSON(http.StatusOK, resp)
}

type transferJSON struct {
	BlockNumber     uint64    `json:"block_number"`
	TxHash          string    `json:"tx_hash"`
	LogIndex        uint      `json:"log_index"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Amount          string    `json:"amount"`
	AmountFormatted string    `json:"amount_formatted"`
	Direction       string    `json:"direction"`
	BlockTime       time.Time `json:"block_time"`
}

type transactionsResponse struct {
	Transactions []transferJSON `json:"transactions"`
	Total        uint64         `json:"total"`
	Limit        int            `json:"limit"`
	Offset       int            `json:"offset"`
	HasMore      bool           `json:"has_more"`
}

func (h *handler) transactions(c *gin.Context) {
	limit, err := intQuery(c, "limit", h.opts.DefaultPageSize)
	if err != nil || limit < 1 || limit > h.opts.MaxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(h.opts.MaxPageSize)})
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	page, err := h.ledger.ListTransfers(ctx, limit, offset)
	if errors.Is(err, storage.ErrInvalidLimit) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.internalError(c, "list transfers", err)
		return
	}

	resp := transactionsResponse{
		Transactions: make([]transferJSON, 0, len(page.Transfers)),
		Total:        page.Total,
		Limit:        page.Limit,
		Offset:       page.Offset,
		HasMore:      page.HasMore,
	}
	for _, t := range page.Transfers {
		resp.Transactions = append(resp.Transactions, transferJSON{
			BlockNumber:     t.BlockNumber,
			TxHash:          t.TxHash,
			LogIndex:        t.LogIndex,
			From:            t.From,
			To:              t.To,
			Amount:          t.Amount.String(),
			AmountFormatted: units.Format(t.Amount, h.token.Decimals),
			Direction:       string(t.Direction),
			BlockTime:       t.BlockTime,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (h *handler) internalError(c *gin.Context, op string, err error) {
	h.opts.Logger.Error("query failed", "component", "api", "op", op, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// Serve starts the API server in the background.
func Serve(addr string, h http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
