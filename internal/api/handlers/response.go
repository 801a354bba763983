package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/core"
)

// Envelope is the body of every printer and queue route.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

var codeStatus = map[string]int{
	core.CodeNotFound:         http.StatusNotFound,
	core.CodeNotConnected:     http.StatusConflict,
	core.CodeConnectionFailed: http.StatusBadGateway,
	core.CodeCommandTimeout:   http.StatusGatewayTimeout,
	core.CodeWorkerCrashed:    http.StatusServiceUnavailable,
	core.CodeQueueConflict:    http.StatusConflict,
	core.CodeDeviceBusy:       http.StatusConflict,
	core.CodeInvalidRequest:   http.StatusBadRequest,
	core.CodeInvalidState:     http.StatusConflict,
	core.CodeInternal:         http.StatusInternalServerError,
}

// HTTPStatus maps a stable error code onto a response status.
func HTTPStatus(code string) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// respondPrinter writes a printer action result. Failures keep the
// {success, error, code} envelope.
func respondPrinter(c *gin.Context, resp core.Response) {
	if resp.Success {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(HTTPStatus(resp.Code), resp)
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, err error) {
	code := core.ErrorCode(err)
	var re *core.ResponseError
	if errors.As(err, &re) {
		code = re.Code
	}
	c.JSON(HTTPStatus(code), Envelope{Error: err.Error(), Code: code})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Envelope{Error: message, Code: core.CodeInvalidRequest})
}
