package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/core"
)

type DashboardStats struct {
	TotalPrinters        int             `json:"total_printers"`
	ConnectedPrinters    int             `json:"connected_printers"`
	PrintingPrinters     int             `json:"printing_printers"`
	PausedPrinters       int             `json:"paused_printers"`
	DisconnectedPrinters int             `json:"disconnected_printers"`
	AwaitingBedClear     int             `json:"awaiting_bed_clear"`
	ActiveWorkers        int             `json:"active_workers"`
	Queue                core.QueueStats `json:"queue"`
}

type DashboardHandler struct {
	queue          QueueService
	printerManager PrinterService
}

func NewDashboardHandler(queue QueueService, printerManager PrinterService) *DashboardHandler {
	return &DashboardHandler{
		queue:          queue,
		printerManager: printerManager,
	}
}

func (h *DashboardHandler) GetDashboardStats(c *gin.Context) {
	stats := DashboardStats{}

	for _, st := range h.printerManager.GetAllPrinterStatuses() {
		stats.TotalPrinters++
		switch st.Status {
		case core.PrinterIdle:
			stats.ConnectedPrinters++
			if !st.BedClear {
				stats.AwaitingBedClear++
			}
		case core.PrinterPrinting:
			stats.ConnectedPrinters++
			stats.PrintingPrinters++
		case core.PrinterPaused:
			stats.ConnectedPrinters++
			stats.PausedPrinters++
		default:
			stats.DisconnectedPrinters++
		}
	}
	stats.ActiveWorkers = len(h.printerManager.ListActiveWorkers())

	queueStats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	stats.Queue = *queueStats

	respondOK(c, http.StatusOK, stats)
}

func (h *DashboardHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dashboard/stats", h.GetDashboardStats)
}
