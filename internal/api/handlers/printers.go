package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/core"
)

// PrinterService is the supervisor surface the printer routes need.
// *core.PrinterManager satisfies it.
type PrinterService interface {
	ConnectPrinter(ctx context.Context, name string, baud int) core.Response
	DisconnectPrinter(ctx context.Context, name string) core.Response
	SendCommand(ctx context.Context, name, gcode string) core.Response
	StartPrintFromQueue(ctx context.Context, name, itemID string) core.Response
	PausePrint(ctx context.Context, name string) core.Response
	ResumePrint(ctx context.Context, name string) core.Response
	StopPrint(ctx context.Context, name string) core.Response
	ClearBed(ctx context.Context, name string) core.Response
	MarkPrintFinished(ctx context.Context, name string) core.Response
	MarkPrintFailed(ctx context.Context, name, message string) core.Response
	RefreshStatus(ctx context.Context, name string) core.Response
	GetPrinterStatus(name string) (core.PrinterStatus, error)
	GetAllPrinterStatuses() map[string]core.PrinterStatus
	ListAvailablePrinters(ctx context.Context) ([]core.AvailablePrinter, error)
	ListActiveWorkers() []core.WorkerInfo
}

type ConnectRequest struct {
	Baud int `json:"baud" binding:"omitempty,gt=0"`
}

type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

type StartPrintRequest struct {
	QueueItemID string `json:"queue_item_id" binding:"required"`
}

type MarkFailedRequest struct {
	ErrorMessage string `json:"error_message"`
}

type PrinterHandler struct {
	printerManager PrinterService
}

func NewPrinterHandler(printerManager PrinterService) *PrinterHandler {
	return &PrinterHandler{printerManager: printerManager}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	statuses := h.printerManager.GetAllPrinterStatuses()

	printers := make([]core.PrinterStatus, 0, len(statuses))
	for _, st := range statuses {
		printers = append(printers, st)
	}
	sort.Slice(printers, func(i, j int) bool { return printers[i].Name < printers[j].Name })

	respondOK(c, http.StatusOK, printers)
}

func (h *PrinterHandler) ListAvailable(c *gin.Context) {
	printers, err := h.printerManager.ListAvailablePrinters(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, printers)
}

func (h *PrinterHandler) ListWorkers(c *gin.Context) {
	respondOK(c, http.StatusOK, h.printerManager.ListActiveWorkers())
}

// GetPrinter serves the cached status; ?refresh=true asks the worker.
func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	name := c.Param("name")

	if c.Query("refresh") == "true" {
		respondPrinter(c, h.printerManager.RefreshStatus(c.Request.Context(), name))
		return
	}

	status, err := h.printerManager.GetPrinterStatus(name)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, status)
}

func (h *PrinterHandler) Connect(c *gin.Context) {
	var req ConnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, err.Error())
			return
		}
	}

	respondPrinter(c, h.printerManager.ConnectPrinter(c.Request.Context(), c.Param("name"), req.Baud))
}

func (h *PrinterHandler) Disconnect(c *gin.Context) {
	respondPrinter(c, h.printerManager.DisconnectPrinter(c.Request.Context(), c.Param("name")))
}

func (h *PrinterHandler) SendCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	respondPrinter(c, h.printerManager.SendCommand(c.Request.Context(), c.Param("name"), req.Command))
}

func (h *PrinterHandler) StartPrint(c *gin.Context) {
	var req StartPrintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	respondPrinter(c, h.printerManager.StartPrintFromQueue(c.Request.Context(), c.Param("name"), req.QueueItemID))
}

func (h *PrinterHandler) Pause(c *gin.Context) {
	respondPrinter(c, h.printerManager.PausePrint(c.Request.Context(), c.Param("name")))
}

func (h *PrinterHandler) Resume(c *gin.Context) {
	respondPrinter(c, h.printerManager.ResumePrint(c.Request.Context(), c.Param("name")))
}

func (h *PrinterHandler) Stop(c *gin.Context) {
	respondPrinter(c, h.printerManager.StopPrint(c.Request.Context(), c.Param("name")))
}

func (h *PrinterHandler) ClearBed(c *gin.Context) {
	respondPrinter(c, h.printerManager.ClearBed(c.Request.Context(), c.Param("name")))
}

func (h *PrinterHandler) MarkFinished(c *gin.Context) {
	respondPrinter(c, h.printerManager.MarkPrintFinished(c.Request.Context(), c.Param("name")))
}

func (h *PrinterHandler) MarkFailed(c *gin.Context) {
	var req MarkFailedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, err.Error())
			return
		}
	}

	respondPrinter(c, h.printerManager.MarkPrintFailed(c.Request.Context(), c.Param("name"), req.ErrorMessage))
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
	r.GET("/printers/available", h.ListAvailable)
	r.GET("/printers/workers", h.ListWorkers)
	r.GET("/printers/:name", h.GetPrinter)
	r.POST("/printers/:name/connect", h.Connect)
	r.POST("/printers/:name/disconnect", h.Disconnect)
	r.POST("/printers/:name/command", h.SendCommand)
	r.POST("/printers/:name/start", h.StartPrint)
	r.POST("/printers/:name/pause", h.Pause)
	r.POST("/printers/:name/resume", h.Resume)
	r.POST("/printers/:name/stop", h.Stop)
	r.POST("/printers/:name/clear-bed", h.ClearBed)
	r.POST("/printers/:name/mark-finished", h.MarkFinished)
	r.POST("/printers/:name/mark-failed", h.MarkFailed)
}
