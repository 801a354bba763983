package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printfleet/internal/core"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func request(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

type fakePrinters struct {
	mu       sync.Mutex
	calls    []string
	resp     core.Response
	statuses map[string]core.PrinterStatus

	baud    int
	command string
	itemID  string
	message string
}

func newFakePrinters() *fakePrinters {
	return &fakePrinters{
		resp: core.OK(core.PrinterStatus{Name: "prusa_1", Status: core.PrinterIdle}),
		statuses: map[string]core.PrinterStatus{
			"prusa_1": {Name: "prusa_1", Status: core.PrinterIdle, BedClear: true},
			"ender_3": {Name: "ender_3", Status: core.PrinterPrinting},
			"voron":   {Name: "voron", Status: core.PrinterDisconnected},
		},
	}
}

func (f *fakePrinters) record(call string) core.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.resp
}

func (f *fakePrinters) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakePrinters) ConnectPrinter(_ context.Context, name string, baud int) core.Response {
	f.baud = baud
	return f.record("connect " + name)
}

func (f *fakePrinters) DisconnectPrinter(_ context.Context, name string) core.Response {
	return f.record("disconnect " + name)
}

func (f *fakePrinters) SendCommand(_ context.Context, name, gcode string) core.Response {
	f.command = gcode
	return f.record("command " + name)
}

func (f *fakePrinters) StartPrintFromQueue(_ context.Context, name, itemID string) core.Response {
	f.itemID = itemID
	return f.record("start " + name)
}

func (f *fakePrinters) PausePrint(_ context.Context, name string) core.Response {
	return f.record("pause " + name)
}

func (f *fakePrinters) ResumePrint(_ context.Context, name string) core.Response {
	return f.record("resume " + name)
}

func (f *fakePrinters) StopPrint(_ context.Context, name string) core.Response {
	return f.record("stop " + name)
}

func (f *fakePrinters) ClearBed(_ context.Context, name string) core.Response {
	return f.record("clear_bed " + name)
}

func (f *fakePrinters) MarkPrintFinished(_ context.Context, name string) core.Response {
	return f.record("mark_finished " + name)
}

func (f *fakePrinters) MarkPrintFailed(_ context.Context, name, message string) core.Response {
	f.message = message
	return f.record("mark_failed " + name)
}

func (f *fakePrinters) RefreshStatus(_ context.Context, name string) core.Response {
	return f.record("refresh " + name)
}

func (f *fakePrinters) GetPrinterStatus(name string) (core.PrinterStatus, error) {
	st, ok := f.statuses[name]
	if !ok {
		return core.PrinterStatus{}, fmt.Errorf("%w: %s", core.ErrPrinterNotFound, name)
	}
	return st, nil
}

func (f *fakePrinters) GetAllPrinterStatuses() map[string]core.PrinterStatus {
	out := make(map[string]core.PrinterStatus, len(f.statuses))
	for k, v := range f.statuses {
		out[k] = v
	}
	return out
}

func (f *fakePrinters) ListAvailablePrinters(context.Context) ([]core.AvailablePrinter, error) {
	return []core.AvailablePrinter{{Name: "prusa_1", Port: "/dev/ttyACM0", Available: true, Status: core.PrinterIdle}}, nil
}

func (f *fakePrinters) ListActiveWorkers() []core.WorkerInfo {
	return []core.WorkerInfo{{Name: "prusa_1", Port: "/dev/ttyACM0", Alive: true}}
}

var _ PrinterService = (*core.PrinterManager)(nil)

func newPrinterRouter(f *fakePrinters) *gin.Engine {
	r := gin.New()
	NewPrinterHandler(f).RegisterRoutes(r.Group("/api"))
	return r
}

func TestListPrinters_SortedEnvelope(t *testing.T) {
	r := newPrinterRouter(newFakePrinters())

	rec, env := request(t, r, http.MethodGet, "/api/printers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)

	var printers []core.PrinterStatus
	require.NoError(t, json.Unmarshal(env.Data, &printers))
	require.Len(t, printers, 3)
	assert.Equal(t, "ender_3", printers[0].Name)
	assert.Equal(t, "prusa_1", printers[1].Name)
	assert.Equal(t, "voron", printers[2].Name)
}

func TestGetPrinter(t *testing.T) {
	f := newFakePrinters()
	r := newPrinterRouter(f)

	rec, env := request(t, r, http.MethodGet, "/api/printers/ender_3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st core.PrinterStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, core.PrinterPrinting, st.Status)

	rec, env = request(t, r, http.MethodGet, "/api/printers/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, core.CodeNotFound, env.Code)

	rec, _ = request(t, r, http.MethodGet, "/api/printers/prusa_1?refresh=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "refresh prusa_1", f.lastCall())
}

func TestPrinterActions_RouteToManager(t *testing.T) {
	f := newFakePrinters()
	r := newPrinterRouter(f)

	cases := map[string]string{
		"/api/printers/prusa_1/disconnect":    "disconnect prusa_1",
		"/api/printers/prusa_1/pause":         "pause prusa_1",
		"/api/printers/prusa_1/resume":        "resume prusa_1",
		"/api/printers/prusa_1/stop":          "stop prusa_1",
		"/api/printers/prusa_1/clear-bed":     "clear_bed prusa_1",
		"/api/printers/prusa_1/mark-finished": "mark_finished prusa_1",
	}
	for path, want := range cases {
		rec, env := request(t, r, http.MethodPost, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.True(t, env.Success, path)
		assert.Equal(t, want, f.lastCall(), path)
	}
}

func TestConnect_OptionalBaud(t *testing.T) {
	f := newFakePrinters()
	r := newPrinterRouter(f)

	rec, _ := request(t, r, http.MethodPost, "/api/printers/prusa_1/connect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.baud)

	rec, _ = request(t, r, http.MethodPost, "/api/printers/prusa_1/connect", `{"baud":115200}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 115200, f.baud)

	rec, env := request(t, r, http.MethodPost, "/api/printers/prusa_1/connect", `{"baud":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, core.CodeInvalidRequest, env.Code)
}

func TestCommandStartAndMarkFailed_Bodies(t *testing.T) {
	f := newFakePrinters()
	r := newPrinterRouter(f)

	rec, _ := request(t, r, http.MethodPost, "/api/printers/prusa_1/command", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = request(t, r, http.MethodPost, "/api/printers/prusa_1/command", `{"command":"G28;M105"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "G28;M105", f.command)

	rec, _ = request(t, r, http.MethodPost, "/api/printers/prusa_1/start", `{"queue_item_id":"item-7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "item-7", f.itemID)

	rec, _ = request(t, r, http.MethodPost, "/api/printers/prusa_1/mark-failed", `{"error_message":"spaghetti"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "spaghetti", f.message)
}

func TestPrinterFailure_MapsCodeToStatus(t *testing.T) {
	f := newFakePrinters()
	f.resp = core.Fail(core.ErrNotConnected)
	r := newPrinterRouter(f)

	rec, env := request(t, r, http.MethodPost, "/api/printers/prusa_1/pause", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, core.CodeNotConnected, env.Code)
	assert.Equal(t, core.ErrNotConnected.Error(), env.Error)

	f.resp = core.Fail(core.ErrCommandTimeout)
	rec, env = request(t, r, http.MethodPost, "/api/printers/prusa_1/stop", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, core.CodeCommandTimeout, env.Code)
}

func TestAvailableAndWorkers(t *testing.T) {
	r := newPrinterRouter(newFakePrinters())

	rec, env := request(t, r, http.MethodGet, "/api/printers/available", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var available []core.AvailablePrinter
	require.NoError(t, json.Unmarshal(env.Data, &available))
	require.Len(t, available, 1)
	assert.True(t, available[0].Available)

	rec, env = request(t, r, http.MethodGet, "/api/printers/workers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var workers []core.WorkerInfo
	require.NoError(t, json.Unmarshal(env.Data, &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "/dev/ttyACM0", workers[0].Port)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(core.CodeNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(core.CodeQueueConflict))
	assert.Equal(t, http.StatusConflict, HTTPStatus(core.CodeDeviceBusy))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(core.CodeConnectionFailed))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(core.CodeWorkerCrashed))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus("something_else"))
}
