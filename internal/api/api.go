// Package api exposes the pipeline and the record read path over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hurttlocker/devctx/internal/pipeline"
	"github.com/hurttlocker/devctx/internal/store"
)

// Processor runs a raw invocation payload through the pipeline.
type Processor interface {
	Handle(ctx context.Context, raw []byte) pipeline.Response
}

// Reader is the read-only slice of the store the query routes use.
type Reader interface {
	GetRecord(ctx context.Context, eventID string) (*store.ContextRecord, error)
	ListAudit(ctx context.Context, entityID string) ([]*store.AuditRecord, error)
	GetActivity(ctx context.Context, projectID string) (*store.ProjectActivity, error)
}

type Handler struct {
	Pipeline Processor
	Store    Reader
}

// NewRouter wires the handler's routes onto a gin engine.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.Health)
	r.POST("/events", h.IngestEvent)
	r.GET("/records/:eventId", h.GetRecord)
	r.GET("/records/:eventId/audit", h.GetAudit)
	r.GET("/projects/:projectId/activity", h.GetActivity)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// IngestEvent passes the request body through the pipeline and relays the
// envelope's status and body verbatim.
func (h *Handler) IngestEvent(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp := h.Pipeline.Handle(c.Request.Context(), raw)
	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	c.Data(resp.StatusCode, "application/json", []byte(resp.Body))
}

// GetRecord returns one context record. The embedding is omitted unless
// ?embedding=true is passed.
func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.Store.GetRecord(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if c.Query("embedding") != "true" {
		rec.Embedding = nil
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetAudit(c *gin.Context) {
	trail, err := h.Store.ListAudit(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if trail == nil {
		trail = []*store.AuditRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"eventId": c.Param("eventId"), "audit": trail})
}

func (h *Handler) GetActivity(c *gin.Context) {
	activity, err := h.Store.GetActivity(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, activity)
}

func writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
