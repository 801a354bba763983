package core

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printfleet/internal/logging"
)

type workerFixture struct {
	worker  *PrinterWorker
	queue   *QueueStore
	factory *fakeFactory
	dir     string
}

func newWorkerFixture(t *testing.T, cfg WorkerConfig, configure func(*fakeDriver)) *workerFixture {
	t.Helper()

	if cfg.Name == "" {
		cfg.Name = "prusa_1"
	}
	if cfg.Port == "" {
		cfg.Port = "/dev/ttyACM0"
	}
	if cfg.BaudRates == nil {
		cfg.BaudRates = []int{115200}
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = time.Hour
	}
	if cfg.GcodeDir == "" {
		cfg.GcodeDir = t.TempDir()
	}

	queue := newTestQueue(t)
	factory := newFakeFactory(configure)
	w := NewPrinterWorker(cfg, "gen-1", queue, factory.New, nil, logging.Discard())
	w.statFn = deviceExists
	w.Start()
	t.Cleanup(func() { w.Stop(time.Second) })

	return &workerFixture{worker: w, queue: queue, factory: factory, dir: cfg.GcodeDir}
}

func (f *workerFixture) submit(t *testing.T, cmd WorkerCommand) Response {
	t.Helper()
	resp, err := f.worker.Submit(testContext(t), cmd)
	require.NoError(t, err)
	return resp
}

// status is safe to call from assert.Eventually conditions.
func (f *workerFixture) status() (PrinterStatus, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := f.worker.Submit(ctx, WorkerCommand{Action: ActionStatus})
	if err != nil || resp.Data == nil {
		return PrinterStatus{}, false
	}
	return *resp.Data, true
}

func (f *workerFixture) connect(t *testing.T) {
	t.Helper()
	resp := f.submit(t, WorkerCommand{Action: ActionConnect})
	require.True(t, resp.Success, resp.Error)
}

func (f *workerFixture) enqueue(t *testing.T, content string) *QueueItem {
	t.Helper()
	writeGCode(t, f.dir, "part.gcode", content)
	item, err := f.queue.Enqueue(context.Background(), "part.gcode", "", nil)
	require.NoError(t, err)
	return item
}

func TestComputeStatus_ProgressWithoutTiming(t *testing.T) {
	st := computeStatus(statusInput{
		connected: true,
		printing:  true,
		index:     3,
		total:     10,
		now:       time.Now(),
	})

	assert.Equal(t, PrinterPrinting, st.Status)
	assert.Equal(t, 30.0, st.Progress)
	assert.Nil(t, st.TimeElapsed)
	assert.Nil(t, st.TimeRemaining)
}

func TestComputeStatus_TimingExcludesPausedTime(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := computeStatus(statusInput{
		connected:   true,
		printing:    true,
		index:       50,
		total:       100,
		now:         start.Add(100 * time.Second),
		printStart:  start,
		pausedTotal: 20 * time.Second,
	})

	require.NotNil(t, st.TimeElapsed)
	require.NotNil(t, st.TimeRemaining)
	assert.Equal(t, 80.0, *st.TimeElapsed)
	assert.Equal(t, 80.0, *st.TimeRemaining)
}

func TestComputeStatus_PausedCountsOpenPause(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := computeStatus(statusInput{
		connected:  true,
		printing:   true,
		paused:     true,
		index:      0,
		total:      100,
		now:        start.Add(60 * time.Second),
		printStart: start,
		pausedAt:   start.Add(30 * time.Second),
	})

	assert.Equal(t, PrinterPaused, st.Status)
	require.NotNil(t, st.TimeElapsed)
	assert.Equal(t, 30.0, *st.TimeElapsed)
	assert.Nil(t, st.TimeRemaining)
}

func TestComputeStatus_Disconnected(t *testing.T) {
	st := computeStatus(statusInput{index: 5, total: 10, now: time.Now()})
	assert.Equal(t, PrinterDisconnected, st.Status)
	assert.Zero(t, st.Progress)
}

func TestWorker_ConnectSweepsBaudRates(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{BaudRates: []int{250000, 115200, 57600}}, func(d *fakeDriver) {
		d.acceptBaud = map[int]bool{115200: true}
	})

	resp := f.submit(t, WorkerCommand{Action: ActionConnect})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, PrinterIdle, resp.Data.Status)
	assert.Equal(t, 115200, resp.Data.Baud)

	require.Equal(t, 2, f.factory.count())
	assert.True(t, f.factory.drivers[0].closed)
	assert.Equal(t, []int{250000}, f.factory.drivers[0].connected)

	again := f.submit(t, WorkerCommand{Action: ActionConnect})
	assert.True(t, again.Success)
	assert.Equal(t, 2, f.factory.count())
}

func TestWorker_ConnectPrefersConfiguredBaud(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{PreferredBaud: 57600, BaudRates: []int{250000, 57600}}, nil)

	resp := f.submit(t, WorkerCommand{Action: ActionConnect})
	require.True(t, resp.Success)
	assert.Equal(t, 57600, resp.Data.Baud)
	assert.Equal(t, 1, f.factory.count())
}

func TestWorker_ConnectFailures(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{BaudRates: []int{250000, 115200}}, func(d *fakeDriver) {
		d.acceptBaud = map[int]bool{}
	})

	resp := f.submit(t, WorkerCommand{Action: ActionConnect})
	assert.False(t, resp.Success)
	assert.Equal(t, CodeConnectionFailed, resp.Code)
	assert.Contains(t, resp.Error, "250000")

	explicit := f.submit(t, WorkerCommand{Action: ActionConnect, Baud: 9600})
	assert.False(t, explicit.Success)
	assert.Equal(t, []int{9600}, f.factory.last().connected)
}

func TestWorker_ConnectMissingDevice(t *testing.T) {
	factory := newFakeFactory(nil)
	w := NewPrinterWorker(WorkerConfig{
		Name:      "gone",
		Port:      filepath.Join(t.TempDir(), "ttyACM9"),
		BaudRates: []int{115200},
	}, "gen", newTestQueue(t), factory.New, nil, logging.Discard())
	w.Start()
	defer w.Stop(time.Second)

	resp, err := w.Submit(testContext(t), WorkerCommand{Action: ActionConnect})
	require.NoError(t, err)
	assert.Equal(t, CodeConnectionFailed, resp.Code)
	assert.Contains(t, resp.Error, "no longer exists")
	assert.Zero(t, factory.count())
}

func TestWorker_CommandRequiresConnection(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{}, nil)

	for _, action := range []Action{ActionCommand, ActionPause, ActionResume, ActionStop, ActionClearBed, ActionStartQueueItem} {
		resp := f.submit(t, WorkerCommand{Action: action, GCode: "G28", ItemID: "x"})
		assert.Equal(t, CodeNotConnected, resp.Code, action)
	}

	unknown := f.submit(t, WorkerCommand{Action: Action("dance")})
	assert.Equal(t, CodeInvalidRequest, unknown.Code)
}

func TestWorker_CommandSplitAbortsOnFailure(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{}, func(d *fakeDriver) {
		d.failSend = "G28"
	})
	f.connect(t)

	resp := f.submit(t, WorkerCommand{Action: ActionCommand, GCode: "M104 S200; G28 ;M140 S60"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "G28")
	assert.Equal(t, []string{"M104 S200"}, f.factory.last().sentLines())

	empty := f.submit(t, WorkerCommand{Action: ActionCommand, GCode: " ; "})
	assert.Equal(t, CodeInvalidRequest, empty.Code)
}

func TestWorker_StartRejectsNonTodoItem(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{}, nil)
	f.connect(t)
	item := f.enqueue(t, "G28\nG1 X10\n")

	_, err := f.queue.MarkFailed(context.Background(), item.ID, "earlier failure")
	require.NoError(t, err)

	resp := f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: item.ID})
	assert.Equal(t, CodeQueueConflict, resp.Code)
	assert.False(t, f.factory.last().Printing())

	stored, err := f.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, stored.Status)
	assert.Equal(t, "earlier failure", *stored.ErrorMessage)

	missing := f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: "nope"})
	assert.Equal(t, CodeNotFound, missing.Code)
}

func TestWorker_StartMissingFileLeavesItemTodo(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{}, nil)
	f.connect(t)

	item, err := f.queue.Enqueue(context.Background(), "ghost.gcode", "", nil)
	require.NoError(t, err)

	resp := f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: item.ID})
	assert.Equal(t, CodeNotFound, resp.Code)

	stored, err := f.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemTodo, stored.Status)
}

func TestWorker_PrintRunsToFinished(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{}, nil)
	f.connect(t)
	item := f.enqueue(t, "; header\nG28\n\nG1 X10\nG1 X20\n")

	resp := f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: item.ID})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, PrinterPrinting, resp.Data.Status)
	assert.Equal(t, item.ID, resp.Data.CurrentQueueItemID)
	assert.Equal(t, "part.gcode", resp.Data.CurrentQueueItemName)
	assert.Equal(t, []string{"G28", "G1 X10", "G1 X20"}, f.factory.last().lines)

	again := f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: item.ID})
	assert.Equal(t, CodeInvalidState, again.Code)

	stored, err := f.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemPrinting, stored.Status)
	assert.Equal(t, "prusa_1", *stored.PrinterName)

	drv := f.factory.last()
	drv.advance(1)
	assert.Eventually(t, func() bool {
		st, ok := f.status()
		return ok && st.TimeElapsed != nil
	}, 2*time.Second, 10*time.Millisecond)
	mid := f.submit(t, WorkerCommand{Action: ActionStatus})
	assert.Equal(t, 33.3, mid.Data.Progress)

	drv.finish()
	assert.Eventually(t, func() bool {
		got, err := f.queue.Get(context.Background(), item.ID)
		return err == nil && got.Status == ItemFinished
	}, 2*time.Second, 10*time.Millisecond)

	after := f.submit(t, WorkerCommand{Action: ActionStatus})
	assert.Equal(t, PrinterIdle, after.Data.Status)
	assert.Empty(t, after.Data.CurrentQueueItemID)
}

func TestWorker_LateEndEventIgnoredByNextPrint(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{}, nil)
	f.connect(t)
	first := f.enqueue(t, "G28\nG1 X10\n")

	require.True(t, f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: first.ID}).Success)
	lateEnd := f.factory.last().endQuietly()
	require.NotNil(t, lateEnd)
	require.True(t, f.submit(t, WorkerCommand{Action: ActionMarkFinished}).Success)

	writeGCode(t, f.dir, "second.gcode", "G28\nG1 X20\n")
	second, err := f.queue.Enqueue(context.Background(), "second.gcode", "", nil)
	require.NoError(t, err)
	require.True(t, f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: second.ID}).Success)

	lateEnd()
	require.Eventually(t, func() bool {
		return len(f.worker.events) == 0
	}, 2*time.Second, 5*time.Millisecond)

	st := f.submit(t, WorkerCommand{Action: ActionStatus})
	assert.Equal(t, PrinterPrinting, st.Data.Status)
	assert.Equal(t, second.ID, st.Data.CurrentQueueItemID)
	stored, err := f.queue.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemPrinting, stored.Status)

	f.factory.last().finish()
	assert.Eventually(t, func() bool {
		got, err := f.queue.Get(context.Background(), second.ID)
		return err == nil && got.Status == ItemFinished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_StopMarksItemFailed(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{}, nil)
	f.connect(t)
	item := f.enqueue(t, "G28\n")

	require.True(t, f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: item.ID}).Success)

	resp := f.submit(t, WorkerCommand{Action: ActionStop})
	require.True(t, resp.Success)
	assert.Equal(t, PrinterIdle, resp.Data.Status)
	assert.True(t, f.factory.last().cancelled)

	stored, err := f.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, stored.Status)
	assert.Equal(t, stopMessage, *stored.ErrorMessage)
}

func TestWorker_PauseResume(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{}, nil)
	f.connect(t)

	notPrinting := f.submit(t, WorkerCommand{Action: ActionPause})
	assert.Equal(t, CodeInvalidState, notPrinting.Code)

	item := f.enqueue(t, "G28\nG1 X1\n")
	require.True(t, f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: item.ID}).Success)

	paused := f.submit(t, WorkerCommand{Action: ActionPause})
	require.True(t, paused.Success)
	assert.Equal(t, PrinterPaused, paused.Data.Status)

	twice := f.submit(t, WorkerCommand{Action: ActionPause})
	assert.Equal(t, CodeInvalidState, twice.Code)

	resumed := f.submit(t, WorkerCommand{Action: ActionResume})
	require.True(t, resumed.Success)
	assert.Equal(t, PrinterPrinting, resumed.Data.Status)

	notPaused := f.submit(t, WorkerCommand{Action: ActionResume})
	assert.Equal(t, CodeInvalidState, notPaused.Code)
}

func TestWorker_ClearBedAndManualMarks(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{}, nil)
	f.connect(t)

	cleared := f.submit(t, WorkerCommand{Action: ActionClearBed})
	require.True(t, cleared.Success)
	assert.True(t, cleared.Data.BedClear)

	idle := f.submit(t, WorkerCommand{Action: ActionMarkFinished})
	assert.Equal(t, CodeQueueConflict, idle.Code)

	item := f.enqueue(t, "G28\n")
	started := f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: item.ID})
	require.True(t, started.Success)
	assert.False(t, started.Data.BedClear)

	failed := f.submit(t, WorkerCommand{Action: ActionMarkFailed})
	require.True(t, failed.Success)

	stored, err := f.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, stored.Status)
	assert.Equal(t, "print failed", *stored.ErrorMessage)
}

func TestWorker_DisconnectFailsInFlightItem(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{}, nil)
	f.connect(t)
	item := f.enqueue(t, "G28\n")
	require.True(t, f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: item.ID}).Success)

	resp := f.submit(t, WorkerCommand{Action: ActionDisconnect})
	require.True(t, resp.Success)
	assert.Equal(t, PrinterDisconnected, resp.Data.Status)
	assert.True(t, f.factory.last().closed)

	stored, err := f.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, stored.Status)
	assert.Equal(t, disconnectMessage, *stored.ErrorMessage)
}

func TestWorker_MonitorPollsTemperature(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{MonitorInterval: 20 * time.Millisecond}, nil)
	f.connect(t)

	assert.Eventually(t, func() bool {
		st, ok := f.status()
		return ok && st.NozzleTemp.Current != nil && st.BedTemp.Target != nil
	}, 2*time.Second, 20*time.Millisecond)

	st := f.submit(t, WorkerCommand{Action: ActionStatus})
	assert.Equal(t, 200.0, *st.Data.NozzleTemp.Current)
	assert.Equal(t, 210.0, *st.Data.NozzleTemp.Target)
	assert.Equal(t, 55.5, *st.Data.BedTemp.Current)
}

func TestWorker_MonitorDetectsLostConnection(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{MonitorInterval: 20 * time.Millisecond}, nil)
	f.connect(t)
	item := f.enqueue(t, "G28\n")
	require.True(t, f.submit(t, WorkerCommand{Action: ActionStartQueueItem, ItemID: item.ID}).Success)

	drv := f.factory.last()
	drv.mu.Lock()
	drv.online = false
	drv.mu.Unlock()

	assert.Eventually(t, func() bool {
		st, ok := f.status()
		return ok && st.Status == PrinterDisconnected
	}, 2*time.Second, 20*time.Millisecond)

	stored, err := f.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, stored.Status)
	assert.Equal(t, connectionLostMessage, *stored.ErrorMessage)
}

func TestWorker_PanicEndsWorker(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{}, func(d *fakeDriver) {
		d.panicOnSend = "M999"
	})
	f.connect(t)

	_, err := f.worker.Submit(testContext(t), WorkerCommand{Action: ActionCommand, GCode: "M999"})
	assert.ErrorIs(t, err, ErrWorkerCrashed)

	<-f.worker.Done()
	assert.False(t, f.worker.Alive())
	assert.ErrorIs(t, f.worker.ExitErr(), ErrWorkerCrashed)
	assert.True(t, f.factory.last().closed)

	_, err = f.worker.Submit(testContext(t), WorkerCommand{Action: ActionStatus})
	assert.ErrorIs(t, err, ErrWorkerCrashed)
}

func TestWorker_SubmitHonoursContext(t *testing.T) {
	w := NewPrinterWorker(WorkerConfig{Name: "idle"}, "gen", nil, nil, nil, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	for i := 0; i < cap(w.commands); i++ {
		w.commands <- WorkerCommand{Action: ActionStatus}
	}
	_, err := w.Submit(ctx, WorkerCommand{Action: ActionStatus})
	assert.True(t, errors.Is(err, ErrCommandTimeout))
}

func TestLoadGCode(t *testing.T) {
	dir := t.TempDir()
	writeGCode(t, dir, "cube.gcode", "; generated\n\nG28\n  G1 X10 Y10 \n;end\nM84\n")

	lines, err := LoadGCode(dir, "cube.gcode")
	require.NoError(t, err)
	assert.Equal(t, []string{"G28", "G1 X10 Y10", "M84"}, lines)

	_, err = LoadGCode(dir, "missing.gcode")
	assert.ErrorIs(t, err, ErrFileNotFound)

	writeGCode(t, dir, "empty.gcode", "; nothing\n\n")
	_, err = LoadGCode(dir, "empty.gcode")
	assert.ErrorIs(t, err, ErrInvalidCommand)
}
