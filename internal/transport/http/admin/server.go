package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sigil/internal/instrument"
	"sigil/internal/ledger"
	"sigil/internal/logger"
)

// Server 提供只读运维接口：执行记录、审计轨迹、品种注册表、健康检查。
// 写操作一律不开——台账只能由协调器变更。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 admin HTTP 服务依赖。
type ServerConfig struct {
	Addr     string
	Store    *ledger.Store
	Audit    *ledger.AuditLog
	Registry *instrument.Registry
}

// NewServer 构建 admin HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("admin http server requires the execution store")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9985"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/executions", listExecutions(cfg.Store))
	api.GET("/executions/:key", getExecution(cfg.Store, cfg.Audit))
	if cfg.Registry != nil {
		api.GET("/instruments", listInstruments(cfg.Registry))
	}

	return &Server{addr: cfg.Addr, router: router}, nil
}

type executionView struct {
	IdempotencyKey  string  `json:"idempotency_key"`
	SourceMessageID string  `json:"source_message_id"`
	ChannelID       string  `json:"channel_id,omitempty"`
	Instrument      string  `json:"instrument"`
	Direction       string  `json:"direction"`
	Size            float64 `json:"size,omitempty"`
	EntryPrice      float64 `json:"entry_price,omitempty"`
	StopLoss        float64 `json:"stop_loss,omitempty"`
	TakeProfit      float64 `json:"take_profit,omitempty"`
	Status          string  `json:"status"`
	Reason          string  `json:"reason,omitempty"`
	BrokerOrderID   string  `json:"broker_order_id,omitempty"`
	Attempts        int     `json:"attempts"`
	LastError       string  `json:"last_error,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func toView(rec ledger.ExecutionRecord) executionView {
	return executionView{
		IdempotencyKey:  rec.IdempotencyKey,
		SourceMessageID: rec.SourceMessageID,
		ChannelID:       rec.ChannelID,
		Instrument:      rec.Instrument,
		Direction:       rec.Direction,
		Size:            rec.Size,
		EntryPrice:      rec.EntryPrice,
		StopLoss:        rec.StopLoss,
		TakeProfit:      rec.TakeProfit,
		Status:          string(rec.Status),
		Reason:          rec.Reason,
		BrokerOrderID:   rec.BrokerOrderID,
		Attempts:        rec.Attempts,
		LastError:       rec.LastError,
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func listExecutions(store *ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		var (
			records []ledger.ExecutionRecord
			err     error
		)
		if status := c.Query("status"); status != "" {
			records, err = store.ListByStatus(c.Request.Context(), ledger.Status(status))
		} else {
			records, err = store.ListRecent(c.Request.Context(), limit)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		views := make([]executionView, 0, len(records))
		for _, rec := range records {
			views = append(views, toView(rec))
		}
		c.JSON(http.StatusOK, gin.H{"executions": views, "count": len(views)})
	}
}

func getExecution(store *ledger.Store, audit *ledger.AuditLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		rec, err := store.Get(c.Request.Context(), key)
		if errors.Is(err, ledger.ErrNotFound) {
			// 也允许直接用 sourceMessageId 查
			rec, err = store.BySourceMessageID(c.Request.Context(), key)
		}
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp := gin.H{"execution": toView(rec)}
		if audit != nil {
			if trail, terr := audit.ListForKey(c.Request.Context(), rec.IdempotencyKey); terr == nil {
				resp["transitions"] = trail
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

func listInstruments(registry *instrument.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := registry.Snapshot()
		defs := make([]instrument.Definition, 0)
		for _, sym := range snap.Symbols() {
			if def, ok := snap.Lookup(sym); ok {
				defs = append(defs, def)
			}
		}
		c.JSON(http.StatusOK, gin.H{"version": snap.Version, "instruments": defs})
	}
}

// requestLogger 记录接口调用，便于追踪人工查询。
// 每个请求分配 request id，回显在响应头里，方便和日志对账。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-ID", reqID)
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s req=%s", method, path, c.Writer.Status(), c.ClientIP(), time.Since(start), reqID)
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Infof("admin HTTP 服务已启动: %s", s.addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
