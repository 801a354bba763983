package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/config"
)

// WebhookService is implemented by *webhook.WebhookSender.
type WebhookService interface {
	Endpoints() []config.WebhookEndpoint
	SendTest(index int) error
}

type WebhookResponse struct {
	Index  int      `json:"index"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type WebhookHandler struct {
	webhookSender WebhookService
}

func NewWebhookHandler(sender WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookSender: sender}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	endpoints := h.webhookSender.Endpoints()

	responses := make([]WebhookResponse, 0, len(endpoints))
	for i, e := range endpoints {
		events := e.Events
		if len(events) == 0 {
			events = []string{"*"}
		}
		responses = append(responses, WebhookResponse{Index: i, URL: e.URL, Events: events})
	}

	respondOK(c, http.StatusOK, responses)
}

func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondBadRequest(c, "invalid webhook index")
		return
	}

	if err := h.webhookSender.SendTest(index); err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, gin.H{"message": "test webhook delivered"})
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks/:index/test", h.TestWebhook)
}
