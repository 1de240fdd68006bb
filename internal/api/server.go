package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trade-narrator/infrastructure/logger"
	"trade-narrator/internal/engine"
	"trade-narrator/internal/exchange"
	"trade-narrator/inventory"
)

// PositionSource 持仓与历史只读视图
type PositionSource interface {
	Positions() map[string]inventory.Position
	History() []inventory.ClosedTrade
	HistorySince(since time.Time) []inventory.ClosedTrade
}

// SessionSource 会话状态
type SessionSource interface {
	Status() exchange.SessionStatus
}

// StatsSource 对账统计
type StatsSource interface {
	GetStatistics() engine.Statistics
}

// Providers 路由依赖；nil 的 provider 对应接口返回 503。
type Providers struct {
	Positions PositionSource
	Session   SessionSource
	Stats     StatsSource
	Metrics   http.Handler
	Logger    *logger.Logger
}

type handlers struct {
	p   Providers
	log *logger.Logger
}

// NewRouter 构建状态查询路由
func NewRouter(p Providers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	h := &handlers{p: p, log: logger.OrNop(p.Logger).Named("api")}
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthz", h.healthz)
	r.GET("/readyz", h.readyz)
	if p.Metrics != nil {
		r.GET("/metrics", gin.WrapH(p.Metrics))
	}

	api := r.Group("/api")
	{
		api.GET("/positions", h.positions)
		api.GET("/history", h.history)
		api.GET("/session", h.session)
		api.GET("/engine", h.engineStats)
	}
	return r
}

// requestLogger 只记录错误请求 (状态码 >= 400)
func (h *handlers) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if status < http.StatusBadRequest {
			return
		}
		h.log.Warn("http request failed",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readyz 仅在已订阅 account 频道时就绪
func (h *handlers) readyz(c *gin.Context) {
	if h.p.Session == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	st := h.p.Session.Status()
	ready := st.State == exchange.StateSubscribed.String()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ready": ready, "state": st.State})
}

func (h *handlers) positions(c *gin.Context) {
	if h.p.Positions == nil {
		unavailable(c, "positions")
		return
	}
	pos := h.p.Positions.Positions()
	list := make([]inventory.Position, 0, len(pos))
	for _, p := range pos {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Asset < list[j].Asset })
	c.JSON(http.StatusOK, gin.H{"count": len(list), "positions": list})
}

// history 支持 ?hours=N 只返回最近 N 小时平仓的交易
func (h *handlers) history(c *gin.Context) {
	if h.p.Positions == nil {
		unavailable(c, "history")
		return
	}
	var trades []inventory.ClosedTrade
	if raw := c.Query("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
			return
		}
		trades = h.p.Positions.HistorySince(time.Now().Add(-time.Duration(hours) * time.Hour))
	} else {
		trades = h.p.Positions.History()
	}
	c.JSON(http.StatusOK, gin.H{
		"count":        len(trades),
		"weighted_roi": inventory.WeightedROI(trades),
		"trades":       trades,
	})
}

func (h *handlers) session(c *gin.Context) {
	if h.p.Session == nil {
		unavailable(c, "session")
		return
	}
	c.JSON(http.StatusOK, h.p.Session.Status())
}

func (h *handlers) engineStats(c *gin.Context) {
	if h.p.Stats == nil {
		unavailable(c, "engine")
		return
	}
	c.JSON(http.StatusOK, h.p.Stats.GetStatistics())
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not available"})
}
