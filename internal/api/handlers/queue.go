package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/core"
)

// QueueService is the queue surface the routes need. *core.QueueStore
// satisfies it.
type QueueService interface {
	Enqueue(ctx context.Context, filePath, fileName string, tags []string) (*core.QueueItem, error)
	Get(ctx context.Context, id string) (*core.QueueItem, error)
	List(ctx context.Context, tags []string) ([]*core.QueueItem, error)
	Reorder(ctx context.Context, ids []string) error
	Remove(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context, tags []string) (int, error)
	AllTags(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (*core.QueueStats, error)
}

// QueueItemService applies the caller-driven item marks. They go through
// the supervisor, which refuses an item a worker is still printing.
// *core.PrinterManager satisfies it.
type QueueItemService interface {
	RetryQueueItem(ctx context.Context, id string) (*core.QueueItem, error)
	MarkQueueItemFailed(ctx context.Context, id, message string) (*core.QueueItem, error)
	MarkQueueItemSuccessful(ctx context.Context, id string) (*core.QueueItem, error)
}

type EnqueueRequest struct {
	FilePath string   `json:"file_path" binding:"required"`
	FileName string   `json:"file_name"`
	Tags     []string `json:"tags"`
}

type ReorderRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

type QueueHandler struct {
	queue QueueService
	items QueueItemService
}

// NewQueueHandler serves the queue. A nil items leaves the retry, failed
// and success routes out.
func NewQueueHandler(queue QueueService, items QueueItemService) *QueueHandler {
	return &QueueHandler{queue: queue, items: items}
}

// tagsFromQuery accepts ?tag=a&tag=b as well as ?tags=a,b.
func tagsFromQuery(c *gin.Context) []string {
	var raw []string
	raw = append(raw, c.QueryArray("tag")...)
	for _, v := range c.QueryArray("tags") {
		raw = append(raw, strings.Split(v, ",")...)
	}

	var tags []string
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func (h *QueueHandler) ListItems(c *gin.Context) {
	items, err := h.queue.List(c.Request.Context(), tagsFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, items)
}

func (h *QueueHandler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	item, err := h.queue.Enqueue(c.Request.Context(), req.FilePath, req.FileName, req.Tags)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, item)
}

func (h *QueueHandler) Clear(c *gin.Context) {
	removed, err := h.queue.Clear(c.Request.Context(), tagsFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"removed": removed})
}

func (h *QueueHandler) Tags(c *gin.Context) {
	tags, err := h.queue.AllTags(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, tags)
}

func (h *QueueHandler) Stats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, stats)
}

func (h *QueueHandler) Reorder(c *gin.Context) {
	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	if err := h.queue.Reorder(c.Request.Context(), req.IDs); err != nil {
		respondError(c, err)
		return
	}

	items, err := h.queue.List(c.Request.Context(), nil)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, items)
}

func (h *QueueHandler) GetItem(c *gin.Context) {
	item, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, item)
}

func (h *QueueHandler) RemoveItem(c *gin.Context) {
	id := c.Param("id")
	removed, err := h.queue.Remove(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !removed {
		respondError(c, core.ErrQueueItemNotFound)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"id": id})
}

func (h *QueueHandler) Retry(c *gin.Context) {
	item, err := h.items.RetryQueueItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, item)
}

func (h *QueueHandler) MarkFailed(c *gin.Context) {
	var req MarkFailedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, err.Error())
			return
		}
	}

	item, err := h.items.MarkQueueItemFailed(c.Request.Context(), c.Param("id"), req.ErrorMessage)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, item)
}

func (h *QueueHandler) MarkSuccessful(c *gin.Context) {
	item, err := h.items.MarkQueueItemSuccessful(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, item)
}

func (h *QueueHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/queue", h.ListItems)
	r.POST("/queue", h.Enqueue)
	r.DELETE("/queue", h.Clear)
	r.GET("/queue/tags", h.Tags)
	r.GET("/queue/stats", h.Stats)
	r.PUT("/queue/order", h.Reorder)
	r.GET("/queue/:id", h.GetItem)
	r.DELETE("/queue/:id", h.RemoveItem)
	if h.items == nil {
		return
	}
	r.POST("/queue/:id/retry", h.Retry)
	r.POST("/queue/:id/failed", h.MarkFailed)
	r.POST("/queue/:id/success", h.MarkSuccessful)
}
