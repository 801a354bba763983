package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Action string

const (
	ActionConnect        Action = "connect"
	ActionDisconnect     Action = "disconnect"
	ActionCommand        Action = "command"
	ActionStartQueueItem Action = "start_queue_item"
	ActionPause          Action = "pause"
	ActionResume         Action = "resume"
	ActionStop           Action = "stop"
	ActionClearBed       Action = "clear_bed"
	ActionMarkFinished   Action = "mark_finished"
	ActionMarkFailed     Action = "mark_failed"
	ActionStatus         Action = "status"
)

const (
	defaultMonitorInterval = 2500 * time.Millisecond
	stopMessage            = "stopped by user"
	disconnectMessage      = "printer disconnected during print"
	connectionLostMessage  = "printer connection lost"
	temperatureQuery       = "M105"
)

// WorkerCommand is one request to a worker. Each carries its own reply
// channel so a late answer can never reach a different caller.
type WorkerCommand struct {
	Action  Action
	Baud    int
	GCode   string
	ItemID  string
	Message string

	reply chan Response
}

type statusUpdate struct {
	name       string
	generation string
	status     PrinterStatus
}

// WorkerQueue is the part of the queue store a worker writes through.
type WorkerQueue interface {
	Get(ctx context.Context, id string) (*QueueItem, error)
	MarkStarted(ctx context.Context, id, printerName string) (*QueueItem, error)
	MarkFinished(ctx context.Context, id string) (*QueueItem, error)
	MarkFailed(ctx context.Context, id, message string) (*QueueItem, error)
}

type WorkerConfig struct {
	Name              string
	DisplayName       string
	Port              string
	PreferredBaud     int
	BaudRates         []int
	ConnectionTimeout time.Duration
	ProbeTimeout      time.Duration
	MonitorInterval   time.Duration
	GcodeDir          string
}

// driverEvent carries the print sequence its callbacks were armed with so
// a late event from a finished print cannot touch the next one.
type driverEvent struct {
	seq      uint64
	printEnd bool
	resuming bool
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// PrinterWorker owns one device session. All state below the channels is
// touched only by the run goroutine, except temperatures which drivers
// update from their own goroutines.
type PrinterWorker struct {
	cfg        WorkerConfig
	generation string
	queue      WorkerQueue
	newDriver  DriverFactory
	statFn     func(string) (os.FileInfo, error)
	logger     *slog.Logger

	commands chan WorkerCommand
	events   chan driverEvent
	statusCh chan<- statusUpdate
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	exitErr  error

	driver   Driver
	state    connState
	baud     int
	bedClear bool

	printSeq    uint64
	itemID      string
	itemName    string
	printStart  time.Time
	pausedAt    time.Time
	pausedTotal time.Duration

	tempMu sync.Mutex
	nozzle Temperature
	bed    Temperature
}

func NewPrinterWorker(cfg WorkerConfig, generation string, queue WorkerQueue, newDriver DriverFactory, statusCh chan<- statusUpdate, logger *slog.Logger) *PrinterWorker {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.Name
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PrinterWorker{
		cfg:        cfg,
		generation: generation,
		queue:      queue,
		newDriver:  newDriver,
		statFn:     os.Stat,
		logger:     logger.With("printer", cfg.Name, "port", cfg.Port),
		commands:   make(chan WorkerCommand, 16),
		events:     make(chan driverEvent, 16),
		statusCh:   statusCh,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (w *PrinterWorker) Start() {
	go w.run()
}

// Stop asks the worker to tear down and waits up to timeout for it to exit.
func (w *PrinterWorker) Stop(timeout time.Duration) bool {
	w.stopOnce.Do(func() { close(w.stopCh) })

	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		w.logger.Warn("worker did not stop in time", "timeout", timeout)
		return false
	}
}

// Alive is the liveness check: false once the run loop has exited.
func (w *PrinterWorker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *PrinterWorker) Done() <-chan struct{} {
	return w.done
}

// ExitErr is the panic that ended the run loop, if any. Only meaningful
// once Done is closed.
func (w *PrinterWorker) ExitErr() error {
	select {
	case <-w.done:
		return w.exitErr
	default:
		return nil
	}
}

// Submit queues cmd and waits for its reply. ctx bounds the whole wait;
// expiry is reported as ErrCommandTimeout and says nothing about whether
// the worker eventually carried the command out.
func (w *PrinterWorker) Submit(ctx context.Context, cmd WorkerCommand) (Response, error) {
	cmd.reply = make(chan Response, 1)

	select {
	case w.commands <- cmd:
	case <-w.done:
		return Response{}, ErrWorkerCrashed
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%w: %s", ErrCommandTimeout, cmd.Action)
	}

	select {
	case resp := <-cmd.reply:
		return resp, nil
	case <-w.done:
		select {
		case resp := <-cmd.reply:
			return resp, nil
		default:
		}
		return Response{}, ErrWorkerCrashed
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%w: %s", ErrCommandTimeout, cmd.Action)
	}
}

func (w *PrinterWorker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.exitErr = fmt.Errorf("%w: %v", ErrWorkerCrashed, r)
			w.logger.Error("printer worker panicked", "panic", r)
			w.abandonDriver()
		}
	}()

	w.logger.Info("printer worker started")
	ticker := time.NewTicker(w.cfg.MonitorInterval)
	defer ticker.Stop()

	w.pushStatus()

	for {
		select {
		case <-w.stopCh:
			w.teardown(disconnectMessage)
			w.pushStatus()
			w.logger.Info("printer worker stopped")
			return

		case cmd := <-w.commands:
			cmd.reply <- w.handle(cmd)
			w.pushStatus()

		case ev := <-w.events:
			w.handleEvent(ev)
			w.pushStatus()

		case <-ticker.C:
			w.monitor()
			w.pushStatus()
		}
	}
}

func (w *PrinterWorker) handle(cmd WorkerCommand) Response {
	switch cmd.Action {
	case ActionConnect:
		return w.connect(cmd.Baud)
	case ActionDisconnect:
		w.teardown(disconnectMessage)
		return OK(w.snapshot())
	case ActionCommand:
		return w.command(cmd.GCode)
	case ActionStartQueueItem:
		return w.startFromQueue(cmd.ItemID)
	case ActionPause:
		return w.pause()
	case ActionResume:
		return w.resume()
	case ActionStop:
		return w.stop()
	case ActionClearBed:
		if w.state != stateConnected {
			return Fail(ErrNotConnected)
		}
		w.bedClear = true
		return OK(w.snapshot())
	case ActionMarkFinished:
		return w.finishCurrent()
	case ActionMarkFailed:
		msg := cmd.Message
		if msg == "" {
			msg = "print failed"
		}
		return w.failCurrent(msg)
	case ActionStatus:
		return OK(w.snapshot())
	default:
		return Fail(fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, cmd.Action))
	}
}

func (w *PrinterWorker) connect(baud int) Response {
	if w.state == stateConnected {
		return OK(w.snapshot())
	}

	if _, err := w.statFn(w.cfg.Port); err != nil {
		return Fail(fmt.Errorf("%w: device %s no longer exists", ErrConnectionFailed, w.cfg.Port))
	}

	rates := w.candidateRates(baud)
	ctx := context.Background()
	if w.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ConnectionTimeout)
		defer cancel()
	}

	w.state = stateConnecting
	tried := make([]int, 0, len(rates))
	for _, rate := range rates {
		if ctx.Err() != nil {
			break
		}
		tried = append(tried, rate)

		drv := w.newDriver()
		drv.SetCallbacks(w.callbacks(w.printSeq))

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if w.cfg.ProbeTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, w.cfg.ProbeTimeout)
		}
		err := drv.Connect(attemptCtx, w.cfg.Port, rate)
		cancel()

		if err == nil {
			w.driver = drv
			w.baud = rate
			w.state = stateConnected
			w.logger.Info("printer connected", "baud", rate)
			return OK(w.snapshot())
		}

		w.logger.Debug("baud rate did not answer", "baud", rate, "error", err)
		drv.Disconnect()
	}

	w.state = stateDisconnected
	w.logger.Warn("printer connection failed", "tried", tried)
	return Fail(fmt.Errorf("%w: no answer from %s at baud rates %v", ErrConnectionFailed, w.cfg.Port, tried))
}

func (w *PrinterWorker) candidateRates(baud int) []int {
	if baud > 0 {
		return []int{baud}
	}

	seen := make(map[int]bool)
	var rates []int
	add := func(r int) {
		if r > 0 && !seen[r] {
			seen[r] = true
			rates = append(rates, r)
		}
	}
	add(w.cfg.PreferredBaud)
	for _, r := range w.cfg.BaudRates {
		add(r)
	}
	return rates
}

func (w *PrinterWorker) command(gcode string) Response {
	if w.state != stateConnected {
		return Fail(ErrNotConnected)
	}

	lines := splitCommands(gcode)
	if len(lines) == 0 {
		return Fail(fmt.Errorf("%w: command cannot be empty", ErrInvalidCommand))
	}

	streaming := w.driver.Printing() || w.driver.Paused()
	for _, line := range lines {
		var err error
		if streaming {
			err = w.driver.SendImmediate(line)
		} else {
			err = w.driver.Send(line)
		}
		if err != nil {
			return Fail(fmt.Errorf("failed to send %q: %w", line, err))
		}
	}
	return OK(w.snapshot())
}

func (w *PrinterWorker) startFromQueue(id string) Response {
	if w.state != stateConnected {
		return Fail(ErrNotConnected)
	}
	if w.driver.Printing() || w.driver.Paused() {
		return Fail(fmt.Errorf("%w: printer is already printing", ErrInvalidState))
	}
	if id == "" {
		return Fail(fmt.Errorf("%w: queue item id cannot be empty", ErrInvalidCommand))
	}

	ctx := context.Background()
	item, err := w.queue.Get(ctx, id)
	if err != nil {
		return Fail(err)
	}
	if item.Status != ItemTodo {
		return Fail(fmt.Errorf("%w: queue item %s is %s, not todo", ErrQueueConflict, id, item.Status))
	}

	lines, err := LoadGCode(w.cfg.GcodeDir, item.FilePath)
	if err != nil {
		return Fail(err)
	}

	if _, err := w.queue.MarkStarted(ctx, id, w.cfg.Name); err != nil {
		return Fail(err)
	}

	w.resetPrint()
	w.itemID = item.ID
	w.itemName = item.FileName
	w.bedClear = false

	w.printSeq++
	w.driver.SetCallbacks(w.callbacks(w.printSeq))
	if err := w.driver.StartPrint(lines); err != nil {
		w.logger.Error("failed to start print", "item", id, "error", err)
		if _, qerr := w.queue.MarkFailed(ctx, id, err.Error()); qerr != nil {
			w.logger.Error("failed to mark queue item failed", "item", id, "error", qerr)
		}
		w.resetPrint()
		return Fail(fmt.Errorf("failed to start print: %w", err))
	}

	w.logger.Info("print started", "item", id, "file", item.FileName, "lines", len(lines))
	return OK(w.snapshot())
}

func (w *PrinterWorker) pause() Response {
	if w.state != stateConnected {
		return Fail(ErrNotConnected)
	}
	if !w.driver.Printing() || w.driver.Paused() {
		return Fail(fmt.Errorf("%w: printer is not printing", ErrInvalidState))
	}
	if err := w.driver.Pause(); err != nil {
		return Fail(fmt.Errorf("failed to pause: %w", err))
	}
	w.pausedAt = time.Now()
	return OK(w.snapshot())
}

func (w *PrinterWorker) resume() Response {
	if w.state != stateConnected {
		return Fail(ErrNotConnected)
	}
	if !w.driver.Paused() {
		return Fail(fmt.Errorf("%w: printer is not paused", ErrInvalidState))
	}
	if err := w.driver.Resume(); err != nil {
		return Fail(fmt.Errorf("failed to resume: %w", err))
	}
	if !w.pausedAt.IsZero() {
		w.pausedTotal += time.Since(w.pausedAt)
		w.pausedAt = time.Time{}
	}
	return OK(w.snapshot())
}

func (w *PrinterWorker) stop() Response {
	if w.state != stateConnected {
		return Fail(ErrNotConnected)
	}

	if w.itemID != "" {
		if _, err := w.queue.MarkFailed(context.Background(), w.itemID, stopMessage); err != nil {
			w.logger.Error("failed to mark queue item failed", "item", w.itemID, "error", err)
		}
	}
	w.resetPrint()

	if err := w.driver.Cancel(); err != nil {
		return Fail(fmt.Errorf("failed to cancel print: %w", err))
	}
	w.logger.Info("print stopped")
	return OK(w.snapshot())
}

func (w *PrinterWorker) finishCurrent() Response {
	if w.itemID == "" {
		return Fail(fmt.Errorf("%w: no queue item in progress", ErrQueueConflict))
	}
	if _, err := w.queue.MarkFinished(context.Background(), w.itemID); err != nil {
		return Fail(err)
	}
	w.resetPrint()
	return OK(w.snapshot())
}

func (w *PrinterWorker) failCurrent(message string) Response {
	if w.itemID == "" {
		return Fail(fmt.Errorf("%w: no queue item in progress", ErrQueueConflict))
	}
	if _, err := w.queue.MarkFailed(context.Background(), w.itemID, message); err != nil {
		return Fail(err)
	}
	w.resetPrint()
	return OK(w.snapshot())
}

func (w *PrinterWorker) handleEvent(ev driverEvent) {
	if ev.seq != w.printSeq {
		w.logger.Debug("dropping event of an earlier print", "seq", ev.seq, "current", w.printSeq)
		return
	}
	if !ev.printEnd {
		if !ev.resuming {
			w.printStart = time.Now()
			w.pausedTotal = 0
			w.pausedAt = time.Time{}
		}
		return
	}

	if w.itemID != "" {
		if _, err := w.queue.MarkFinished(context.Background(), w.itemID); err != nil {
			w.logger.Error("failed to mark queue item finished", "item", w.itemID, "error", err)
		} else {
			w.logger.Info("print finished", "item", w.itemID)
		}
	}
	w.resetPrint()
}

func (w *PrinterWorker) monitor() {
	if w.state != stateConnected {
		return
	}

	if !w.driver.Online() {
		w.logger.Warn("printer went offline")
		w.teardown(connectionLostMessage)
		return
	}

	if err := w.driver.SendImmediate(temperatureQuery); err != nil {
		w.logger.Warn("failed to poll temperature", "error", err)
	}
}

// teardown ends the device session. An in-flight queue item is failed with
// reason since it cannot finish without the session.
func (w *PrinterWorker) teardown(reason string) {
	if w.itemID != "" {
		if _, err := w.queue.MarkFailed(context.Background(), w.itemID, reason); err != nil {
			w.logger.Error("failed to mark queue item failed", "item", w.itemID, "error", err)
		}
	}
	w.resetPrint()

	if w.driver != nil {
		if err := w.driver.Disconnect(); err != nil {
			w.logger.Warn("driver disconnect failed", "error", err)
		}
		w.driver = nil
	}
	if w.state != stateDisconnected {
		w.logger.Info("printer disconnected")
	}
	w.state = stateDisconnected
	w.baud = 0
	w.bedClear = false
}

// abandonDriver is the cleanup after a panic; the driver may be the culprit
// so any second panic is swallowed.
func (w *PrinterWorker) abandonDriver() {
	defer func() { recover() }()
	if w.driver != nil {
		w.driver.Disconnect()
	}
}

func (w *PrinterWorker) resetPrint() {
	w.itemID = ""
	w.itemName = ""
	w.printStart = time.Time{}
	w.pausedAt = time.Time{}
	w.pausedTotal = 0
}

// callbacks are re-armed before every StartPrint. Drivers capture them in
// the same critical section that ends a print, so an end callback always
// carries the sequence of the print it ended.
func (w *PrinterWorker) callbacks(seq uint64) Callbacks {
	return Callbacks{
		OnTemperature: w.onTemperature,
		OnPrintStart: func(resuming bool) {
			w.postEvent(driverEvent{seq: seq, resuming: resuming})
		},
		OnPrintEnd: func() {
			w.postEvent(driverEvent{seq: seq, printEnd: true})
		},
	}
}

func (w *PrinterWorker) postEvent(ev driverEvent) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *PrinterWorker) onTemperature(report string) {
	nozzle, bed := hotendAndBed(ParseTemperatureReport(report))

	w.tempMu.Lock()
	w.nozzle = mergeTemperature(w.nozzle, nozzle)
	w.bed = mergeTemperature(w.bed, bed)
	w.tempMu.Unlock()
}

func (w *PrinterWorker) pushStatus() {
	if w.statusCh == nil {
		return
	}
	update := statusUpdate{name: w.cfg.Name, generation: w.generation, status: w.snapshot()}
	select {
	case w.statusCh <- update:
	default:
	}
}

func (w *PrinterWorker) snapshot() PrinterStatus {
	in := statusInput{
		now:         time.Now(),
		printStart:  w.printStart,
		pausedAt:    w.pausedAt,
		pausedTotal: w.pausedTotal,
	}
	if w.state == stateConnected && w.driver != nil {
		in.connected = true
		in.printing = w.driver.Printing()
		in.paused = w.driver.Paused()
		in.index, in.total = w.driver.Progress()
	}

	st := computeStatus(in)
	st.Name = w.cfg.Name
	st.DisplayName = w.cfg.DisplayName
	st.Port = w.cfg.Port
	st.Baud = w.baud
	st.CurrentQueueItemID = w.itemID
	st.CurrentQueueItemName = w.itemName
	st.BedClear = w.bedClear

	w.tempMu.Lock()
	st.NozzleTemp = w.nozzle
	st.BedTemp = w.bed
	w.tempMu.Unlock()

	return st
}

type statusInput struct {
	connected   bool
	printing    bool
	paused      bool
	index       int
	total       int
	now         time.Time
	printStart  time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
}

// computeStatus derives state, progress and timing. Timing stays nil until
// the driver reported the print start.
func computeStatus(in statusInput) PrinterStatus {
	st := PrinterStatus{Status: PrinterDisconnected, UpdatedAt: in.now}
	if !in.connected {
		return st
	}

	switch {
	case in.paused:
		st.Status = PrinterPaused
	case in.printing:
		st.Status = PrinterPrinting
	default:
		st.Status = PrinterIdle
	}

	var fraction float64
	if in.total > 0 {
		fraction = float64(in.index) / float64(in.total)
		st.Progress = round1(fraction * 100)
	}

	if in.printStart.IsZero() {
		return st
	}

	paused := in.pausedTotal
	if !in.pausedAt.IsZero() {
		paused += in.now.Sub(in.pausedAt)
	}
	elapsed := in.now.Sub(in.printStart) - paused
	if elapsed < 0 {
		elapsed = 0
	}
	elapsedS := round1(elapsed.Seconds())
	st.TimeElapsed = &elapsedS

	if fraction > 0 {
		remaining := round1(elapsed.Seconds() * (1/math.Max(fraction, 0.01) - 1))
		st.TimeRemaining = &remaining
	}
	return st
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func splitCommands(gcode string) []string {
	var lines []string
	for _, part := range strings.Split(gcode, ";") {
		if part = strings.TrimSpace(part); part != "" {
			lines = append(lines, part)
		}
	}
	return lines
}

// LoadGCode reads the printable lines of a file. Relative paths are taken
// from dir. Blank lines and whole-line comments are dropped.
func LoadGCode(dir, path string) ([]string, error) {
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("failed to open gcode file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read gcode file: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: %s contains no gcode", ErrInvalidCommand, path)
	}
	return lines, nil
}
