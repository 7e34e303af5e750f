package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"marketfeed/internal/acquire"
	"marketfeed/internal/fallback"
	"marketfeed/internal/series"
)

const (
	defaultRowLimit = 500
	maxSyncSymbols  = 1000
)

type handlers struct {
	engine  *fallback.Engine
	svc     *acquire.Service
	timeout time.Duration
}

func newRouter(h *handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), limitBody(maxRequestBody), gzipResponses())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	p := r.Group("/providers")
	p.GET("", h.handleStatus)
	p.POST("/check", h.handleCheck)
	p.POST("/:name/active", h.handleSetActive)

	d := r.Group("/data")
	d.GET("", h.handleData)
	d.GET("/latest", h.handleLatest)
	d.POST("/sync", h.handleSync)
	return r
}

func (h *handlers) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.engine.Status()})
}

func (h *handlers) handleCheck(c *gin.Context) {
	res := h.engine.HealthCheckAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"healthy": res, "providers": h.engine.Status()})
}

func (h *handlers) handleSetActive(c *gin.Context) {
	var body struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"active\": true|false}"})
		return
	}
	if err := h.engine.SetActive(c.Param("name"), *body.Active); err != nil {
		if errors.Is(err, fallback.ErrUnknownProvider) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": h.engine.Status()})
}

type tableResponse struct {
	DataType string           `json:"data_type"`
	Symbol   string           `json:"symbol,omitempty"`
	Rows     int              `json:"rows"`
	Columns  []string         `json:"columns"`
	Records  []map[string]any `json:"records"`
}

func newTableResponse(dataType, symbol string, tbl series.Table, limit int) tableResponse {
	recs := tbl.Records()
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return tableResponse{DataType: dataType, Symbol: symbol, Rows: tbl.Len(), Columns: tbl.Columns, Records: recs}
}

func (h *handlers) handleData(c *gin.Context) {
	dataType := c.Query("type")
	symbol := c.Query("symbol")
	var opts []acquire.FetchOption
	if f := c.Query("freq"); f != "" {
		opts = append(opts, acquire.WithFreq(f))
	}
	if cast.ToBool(c.Query("no_cache")) {
		opts = append(opts, acquire.WithoutCache())
	}
	ctx, cancel := withDeadline(c, h.timeout)
	defer cancel()

	tbl, err := h.svc.Fetch(ctx, dataType, symbol, c.Query("start"), c.Query("end"), opts...)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTableResponse(dataType, symbol, tbl, queryInt(c, "limit", defaultRowLimit)))
}

func (h *handlers) handleLatest(c *gin.Context) {
	dataType := c.Query("type")
	symbol := c.Query("symbol")
	var opts []acquire.FetchOption
	if f := c.Query("freq"); f != "" {
		opts = append(opts, acquire.WithFreq(f))
	}
	tbl, err := h.svc.Latest(c.Request.Context(), dataType, symbol, queryInt(c, "days", 5), opts...)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTableResponse(dataType, symbol, tbl, 0))
}

func (h *handlers) handleSync(c *gin.Context) {
	var body struct {
		Type    string   `json:"type" binding:"required"`
		Symbols []string `json:"symbols" binding:"required"`
		Start   string   `json:"start" binding:"required"`
		End     string   `json:"end" binding:"required"`
		Freq    string   `json:"freq"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body.Symbols) == 0 || len(body.Symbols) > maxSyncSymbols {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbols must hold 1.." + strconv.Itoa(maxSyncSymbols) + " entries"})
		return
	}
	var opts []acquire.FetchOption
	if body.Freq != "" {
		opts = append(opts, acquire.WithFreq(body.Freq))
	}
	res, err := h.svc.Sync(c.Request.Context(), body.Type, body.Symbols, body.Start, body.End, opts...)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": res})
}

func writeRequestError(c *gin.Context, err error) {
	if errors.Is(err, series.ErrUnsupportedDataType) || errors.Is(err, series.ErrInvalidDate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
