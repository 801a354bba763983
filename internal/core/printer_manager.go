package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/printfleet/internal/config"
)

const (
	defaultCommandTimeout = 10 * time.Second
	workerStopTimeout     = 5 * time.Second
	connectTimeoutMargin  = 2 * time.Second
	crashedItemMessage    = "printer worker crashed"
)

// DeviceResolver maps printer names to live device paths.
type DeviceResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
	Available(ctx context.Context) (map[string]string, error)
	Identity(name string) (config.PrinterIdentity, bool)
	Names() []string
}

// ManagerMetrics receives supervisor counters. A nil value disables them.
type ManagerMetrics interface {
	CommandDispatched(action string, code string)
	CommandTimedOut(action string)
	WorkerCrashed(printer string)
	ActiveWorkers(n int)
	PrinterStateChanged(printer string, state PrinterState)
}

type ManagerConfig struct {
	Global   config.GlobalSettings
	GcodeDir string
}

type workerHandle struct {
	name       string
	port       string
	generation string
	startedAt  time.Time
	worker     *PrinterWorker
}

// WorkerInfo describes one live worker.
type WorkerInfo struct {
	Name       string    `json:"name"`
	Port       string    `json:"port"`
	Generation string    `json:"generation"`
	StartedAt  time.Time `json:"started_at"`
	Alive      bool      `json:"alive"`
	Stopping   bool      `json:"stopping,omitempty"`
}

// AvailablePrinter is one configured printer with its current device.
type AvailablePrinter struct {
	Name        string       `json:"name"`
	DisplayName string       `json:"display_name"`
	Port        string       `json:"port"`
	Available   bool         `json:"available"`
	Status      PrinterState `json:"status"`
}

// PrinterManager is the worker supervisor: it spawns one worker per printer
// on demand, routes commands to it and caches the status each worker pushes.
type PrinterManager struct {
	cfg       ManagerConfig
	resolver  DeviceResolver
	queue     *QueueStore
	newDriver DriverFactory
	logger    *slog.Logger
	metrics   ManagerMetrics
	events    PrinterEventSink
	statFn    func(string) (os.FileInfo, error)

	stopTimeout time.Duration

	mu      sync.Mutex
	workers map[string]*workerHandle
	// zombies are workers that missed the stop deadline, keyed by port. The
	// port stays busy until their run loop exits.
	zombies map[string]*workerHandle

	statusMu sync.RWMutex
	statuses map[string]PrinterStatus

	statusCh  chan statusUpdate
	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewPrinterManager(cfg ManagerConfig, resolver DeviceResolver, queue *QueueStore, newDriver DriverFactory, logger *slog.Logger) *PrinterManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Global.CommandTimeout <= 0 {
		cfg.Global.CommandTimeout = defaultCommandTimeout
	}
	return &PrinterManager{
		cfg:         cfg,
		resolver:    resolver,
		queue:       queue,
		newDriver:   newDriver,
		logger:      logger,
		statFn:      os.Stat,
		stopTimeout: workerStopTimeout,
		workers:     make(map[string]*workerHandle),
		zombies:     make(map[string]*workerHandle),
		statuses:    make(map[string]PrinterStatus),
		statusCh:    make(chan statusUpdate, 256),
		stopCh:      make(chan struct{}),
	}
}

func (pm *PrinterManager) SetMetrics(m ManagerMetrics) {
	pm.metrics = m
}

func (pm *PrinterManager) SetEventSink(sink PrinterEventSink) {
	pm.events = sink
}

// Start runs the status listener and the liveness sweep.
func (pm *PrinterManager) Start() {
	pm.startOnce.Do(func() {
		pm.wg.Add(2)
		go pm.statusLoop()
		go pm.healthCheckLoop()
	})
}

// Stop tears down every worker and waits for the background loops.
func (pm *PrinterManager) Stop() {
	pm.stopOnce.Do(func() {
		pm.mu.Lock()
		handles := make([]*workerHandle, 0, len(pm.workers))
		for name, h := range pm.workers {
			handles = append(handles, h)
			delete(pm.workers, name)
		}
		pm.mu.Unlock()

		var wg sync.WaitGroup
		for _, h := range handles {
			wg.Add(1)
			go func(h *workerHandle) {
				defer wg.Done()
				h.worker.Stop(pm.stopTimeout)
			}(h)
		}
		wg.Wait()

		close(pm.stopCh)
		pm.wg.Wait()
		pm.reportActive()
	})
}

func (pm *PrinterManager) statusLoop() {
	defer pm.wg.Done()

	for {
		select {
		case <-pm.stopCh:
			return
		case u := <-pm.statusCh:
			pm.applyStatus(u)
		}
	}
}

func (pm *PrinterManager) healthCheckLoop() {
	defer pm.wg.Done()

	interval := pm.cfg.Global.StatusUpdateInterval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stopCh:
			return
		case <-ticker.C:
			pm.sweepDeadWorkers()
		}
	}
}

func (pm *PrinterManager) sweepDeadWorkers() {
	pm.mu.Lock()
	var dead []*workerHandle
	for _, h := range pm.workers {
		if !h.worker.Alive() {
			dead = append(dead, h)
		}
	}
	pm.mu.Unlock()

	for _, h := range dead {
		pm.discardCrashed(h)
	}
}

// applyStatus stores a pushed snapshot unless it comes from a replaced
// worker. mu is held across the check so a discard cannot interleave.
func (pm *PrinterManager) applyStatus(u statusUpdate) {
	pm.mu.Lock()
	h, ok := pm.workers[u.name]
	if !ok || h.generation != u.generation {
		pm.mu.Unlock()
		return
	}
	oldState, applied := pm.storeStatus(u.name, u.status, false)
	pm.mu.Unlock()

	if applied {
		pm.emitTransition(u.name, oldState, u.status)
	}
}

// setStatus is for statuses the supervisor decides itself; they replace
// whatever is cached.
func (pm *PrinterManager) setStatus(name string, st PrinterStatus) {
	oldState, _ := pm.storeStatus(name, st, true)
	pm.emitTransition(name, oldState, st)
}

// storeStatus caches st. Unless force is set, a snapshot older than the
// cached one is dropped: replies and pushed updates race to the cache.
func (pm *PrinterManager) storeStatus(name string, st PrinterStatus, force bool) (PrinterState, bool) {
	pm.statusMu.Lock()
	defer pm.statusMu.Unlock()

	prev, had := pm.statuses[name]
	if had && !force && st.UpdatedAt.Before(prev.UpdatedAt) {
		return prev.Status, false
	}
	pm.statuses[name] = st
	if !had {
		return PrinterDisconnected, true
	}
	return prev.Status, true
}

func (pm *PrinterManager) emitTransition(name string, oldState PrinterState, st PrinterStatus) {
	if oldState == st.Status {
		return
	}

	if pm.metrics != nil {
		pm.metrics.PrinterStateChanged(name, st.Status)
	}
	if pm.events != nil {
		pm.events.PrinterStatusChanged(name, oldState, st.Status, st)
	}
}

// ensureWorker returns the live worker for name, spawning one if needed.
// Resolution runs outside the lock so a slow enumeration does not stall
// dispatch to other printers.
func (pm *PrinterManager) ensureWorker(ctx context.Context, name string) (*workerHandle, error) {
	if h := pm.liveHandle(name); h != nil {
		return h, nil
	}

	path, err := pm.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%v)", ErrPrinterNotFound, name, err)
	}
	identity, _ := pm.resolver.Identity(name)

	pm.mu.Lock()
	if h, ok := pm.workers[name]; ok && h.worker.Alive() {
		pm.mu.Unlock()
		return h, nil
	}
	for other, h := range pm.workers {
		if other != name && h.port == path && h.worker.Alive() {
			pm.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is held by %s", ErrDeviceBusy, path, other)
		}
	}
	if z, ok := pm.zombies[path]; ok {
		if z.worker.Alive() {
			pm.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is still held by a stopping worker for %s", ErrDeviceBusy, path, z.name)
		}
		delete(pm.zombies, path)
	}

	generation := uuid.NewString()
	w := NewPrinterWorker(WorkerConfig{
		Name:              name,
		DisplayName:       identity.DisplayName,
		Port:              path,
		PreferredBaud:     identity.PreferredBaud,
		BaudRates:         pm.cfg.Global.BaudRates(),
		ConnectionTimeout: pm.cfg.Global.ConnectionTimeout,
		ProbeTimeout:      pm.cfg.Global.ProbeTimeout,
		MonitorInterval:   pm.cfg.Global.StatusUpdateInterval,
		GcodeDir:          pm.cfg.GcodeDir,
	}, generation, pm.queue, pm.newDriver, pm.statusCh, pm.logger)
	w.statFn = pm.statFn

	h := &workerHandle{
		name:       name,
		port:       path,
		generation: generation,
		startedAt:  time.Now(),
		worker:     w,
	}
	pm.workers[name] = h
	pm.mu.Unlock()

	pm.setStatus(name, DisconnectedStatus(name, identity.DisplayName, path))
	w.Start()
	pm.logger.Info("spawned printer worker", "printer", name, "port", path, "generation", generation)
	pm.reportActive()

	return h, nil
}

// liveHandle returns the registered handle if its worker is alive. A dead
// one is discarded here so the caller spawns a replacement.
func (pm *PrinterManager) liveHandle(name string) *workerHandle {
	pm.mu.Lock()
	h, ok := pm.workers[name]
	pm.mu.Unlock()

	if !ok {
		return nil
	}
	if h.worker.Alive() {
		return h
	}
	pm.discardCrashed(h)
	return nil
}

// discardCrashed drops a dead worker, resets its status and fails the
// queue items it was printing.
func (pm *PrinterManager) discardCrashed(h *workerHandle) {
	pm.mu.Lock()
	if cur, ok := pm.workers[h.name]; !ok || cur != h {
		pm.mu.Unlock()
		return
	}
	delete(pm.workers, h.name)
	pm.mu.Unlock()

	pm.logger.Warn("printer worker died, discarding", "printer", h.name, "generation", h.generation, "error", h.worker.ExitErr())
	if pm.metrics != nil {
		pm.metrics.WorkerCrashed(h.name)
	}

	pm.failOrphanedItems(h.name)
	pm.setStatus(h.name, DisconnectedStatus(h.name, pm.displayName(h.name), h.port))
	pm.reportActive()
}

// failOrphanedItems fails every item the store still records as printing
// on name. The dead worker can no longer finish them.
func (pm *PrinterManager) failOrphanedItems(name string) {
	if pm.queue == nil {
		return
	}
	ctx := context.Background()

	held, err := pm.queue.ItemsForPrinter(ctx, name, ItemPrinting)
	if err != nil {
		pm.logger.Error("failed to list queue items of crashed worker", "printer", name, "error", err)
		return
	}
	for _, item := range held {
		if _, err := pm.queue.MarkFailed(ctx, item.ID, crashedItemMessage); err != nil {
			pm.logger.Error("failed to fail queue item of crashed worker", "item", item.ID, "error", err)
		}
	}
}

// stopWorker unregisters h and stops it. A worker that misses the deadline
// is parked as a zombie so its port is not handed out again while the old
// goroutine may still be driving it.
func (pm *PrinterManager) stopWorker(h *workerHandle) {
	pm.mu.Lock()
	if cur, ok := pm.workers[h.name]; ok && cur == h {
		delete(pm.workers, h.name)
	}
	pm.mu.Unlock()

	if !h.worker.Stop(pm.stopTimeout) {
		pm.mu.Lock()
		pm.zombies[h.port] = h
		pm.mu.Unlock()
		pm.logger.Warn("printer worker is wedged, keeping its port reserved", "printer", h.name, "port", h.port, "generation", h.generation)
	} else {
		pm.logger.Info("stopped printer worker", "printer", h.name, "generation", h.generation)
	}
	pm.setStatus(h.name, DisconnectedStatus(h.name, pm.displayName(h.name), h.port))
	pm.reportActive()
}

func (pm *PrinterManager) dispatch(ctx context.Context, name string, cmd WorkerCommand) Response {
	h, err := pm.ensureWorker(ctx, name)
	if err != nil {
		pm.countDispatch(cmd.Action, err)
		return Fail(err)
	}
	return pm.send(ctx, h, cmd)
}

func (pm *PrinterManager) send(ctx context.Context, h *workerHandle, cmd WorkerCommand) Response {
	timeout := pm.cfg.Global.CommandTimeout
	if cmd.Action == ActionConnect {
		if ct := pm.cfg.Global.ConnectionTimeout + connectTimeoutMargin; ct > timeout {
			timeout = ct
		}
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := h.worker.Submit(dctx, cmd)
	if err != nil {
		switch {
		case errors.Is(err, ErrWorkerCrashed):
			pm.discardCrashed(h)
		case errors.Is(err, ErrCommandTimeout):
			pm.logger.Warn("printer command timed out", "printer", h.name, "action", cmd.Action, "timeout", timeout)
			if pm.metrics != nil {
				pm.metrics.CommandTimedOut(string(cmd.Action))
			}
		}
		pm.countDispatch(cmd.Action, err)
		return Fail(err)
	}

	if resp.Data != nil {
		pm.applyStatus(statusUpdate{name: h.name, generation: h.generation, status: *resp.Data})
	}
	pm.countDispatch(cmd.Action, resp.Err())
	return resp
}

func (pm *PrinterManager) countDispatch(action Action, err error) {
	if pm.metrics == nil {
		return
	}
	code := "ok"
	if err != nil {
		code = ErrorCode(err)
	}
	pm.metrics.CommandDispatched(string(action), code)
}

// ConnectPrinter connects name. A zero baud sweeps the preferred and
// configured rates.
func (pm *PrinterManager) ConnectPrinter(ctx context.Context, name string, baud int) Response {
	return pm.dispatch(ctx, name, WorkerCommand{Action: ActionConnect, Baud: baud})
}

// DisconnectPrinter tears down the session and always stops the worker,
// even when the disconnect command itself failed.
func (pm *PrinterManager) DisconnectPrinter(ctx context.Context, name string) Response {
	pm.mu.Lock()
	h, ok := pm.workers[name]
	pm.mu.Unlock()

	if !ok {
		if _, known := pm.resolver.Identity(name); !known {
			return Fail(fmt.Errorf("%w: %s", ErrPrinterNotFound, name))
		}
		return OK(pm.cachedStatus(name))
	}
	if !h.worker.Alive() {
		pm.discardCrashed(h)
		return OK(pm.cachedStatus(name))
	}

	resp := pm.send(ctx, h, WorkerCommand{Action: ActionDisconnect})
	pm.stopWorker(h)

	if !resp.Success {
		return resp
	}
	return OK(pm.cachedStatus(name))
}

func (pm *PrinterManager) SendCommand(ctx context.Context, name, gcode string) Response {
	return pm.dispatch(ctx, name, WorkerCommand{Action: ActionCommand, GCode: gcode})
}

// StartPrintFromQueue connects first when the printer is not connected,
// then hands the item to the worker.
func (pm *PrinterManager) StartPrintFromQueue(ctx context.Context, name, itemID string) Response {
	if !pm.cachedStatus(name).Status.Connected() || pm.liveHandle(name) == nil {
		if resp := pm.ConnectPrinter(ctx, name, 0); !resp.Success {
			return resp
		}
	}
	return pm.dispatch(ctx, name, WorkerCommand{Action: ActionStartQueueItem, ItemID: itemID})
}

func (pm *PrinterManager) PausePrint(ctx context.Context, name string) Response {
	return pm.dispatch(ctx, name, WorkerCommand{Action: ActionPause})
}

func (pm *PrinterManager) ResumePrint(ctx context.Context, name string) Response {
	return pm.dispatch(ctx, name, WorkerCommand{Action: ActionResume})
}

func (pm *PrinterManager) StopPrint(ctx context.Context, name string) Response {
	return pm.dispatch(ctx, name, WorkerCommand{Action: ActionStop})
}

func (pm *PrinterManager) ClearBed(ctx context.Context, name string) Response {
	return pm.dispatch(ctx, name, WorkerCommand{Action: ActionClearBed})
}

func (pm *PrinterManager) MarkPrintFinished(ctx context.Context, name string) Response {
	return pm.dispatch(ctx, name, WorkerCommand{Action: ActionMarkFinished})
}

func (pm *PrinterManager) MarkPrintFailed(ctx context.Context, name, message string) Response {
	return pm.dispatch(ctx, name, WorkerCommand{Action: ActionMarkFailed, Message: message})
}

// RefreshStatus asks the worker for a fresh snapshot instead of the cache.
func (pm *PrinterManager) RefreshStatus(ctx context.Context, name string) Response {
	if pm.liveHandle(name) == nil {
		status, err := pm.GetPrinterStatus(name)
		if err != nil {
			return Fail(err)
		}
		return OK(status)
	}
	return pm.dispatch(ctx, name, WorkerCommand{Action: ActionStatus})
}

// GetPrinterStatus serves the cached read model without touching the worker.
func (pm *PrinterManager) GetPrinterStatus(name string) (PrinterStatus, error) {
	pm.statusMu.RLock()
	st, ok := pm.statuses[name]
	pm.statusMu.RUnlock()
	if ok {
		return st, nil
	}

	id, known := pm.resolver.Identity(name)
	if !known {
		return PrinterStatus{}, fmt.Errorf("%w: %s", ErrPrinterNotFound, name)
	}
	return DisconnectedStatus(name, id.DisplayName, ""), nil
}

// GetAllPrinterStatuses returns the read model for every configured printer.
func (pm *PrinterManager) GetAllPrinterStatuses() map[string]PrinterStatus {
	out := make(map[string]PrinterStatus)
	for _, name := range pm.resolver.Names() {
		out[name] = pm.cachedStatus(name)
	}

	pm.statusMu.RLock()
	for name, st := range pm.statuses {
		if _, ok := out[name]; !ok {
			out[name] = st
		}
	}
	pm.statusMu.RUnlock()
	return out
}

// ListAvailablePrinters re-resolves identities against a fresh enumeration.
func (pm *PrinterManager) ListAvailablePrinters(ctx context.Context) ([]AvailablePrinter, error) {
	available, err := pm.resolver.Available(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate printers: %w", err)
	}

	names := pm.resolver.Names()
	printers := make([]AvailablePrinter, 0, len(names))
	for _, name := range names {
		port, ok := available[name]
		st := pm.cachedStatus(name)
		printers = append(printers, AvailablePrinter{
			Name:        name,
			DisplayName: pm.displayName(name),
			Port:        port,
			Available:   ok,
			Status:      st.Status,
		})
	}
	return printers, nil
}

func (pm *PrinterManager) ListActiveWorkers() []WorkerInfo {
	pm.mu.Lock()
	infos := make([]WorkerInfo, 0, len(pm.workers))
	for _, h := range pm.workers {
		infos = append(infos, WorkerInfo{
			Name:       h.name,
			Port:       h.port,
			Generation: h.generation,
			StartedAt:  h.startedAt,
			Alive:      h.worker.Alive(),
		})
	}
	for port, h := range pm.zombies {
		if !h.worker.Alive() {
			delete(pm.zombies, port)
			continue
		}
		infos = append(infos, WorkerInfo{
			Name:       h.name,
			Port:       h.port,
			Generation: h.generation,
			StartedAt:  h.startedAt,
			Alive:      true,
			Stopping:   true,
		})
	}
	pm.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// The caller-driven item marks refuse an item that a live worker is still
// printing; that worker owns the item until its print ends.
func (pm *PrinterManager) MarkQueueItemSuccessful(ctx context.Context, id string) (*QueueItem, error) {
	return pm.queue.Guarded(pm.releasedItem).MarkSuccessful(ctx, id)
}

func (pm *PrinterManager) MarkQueueItemFailed(ctx context.Context, id, message string) (*QueueItem, error) {
	return pm.queue.Guarded(pm.releasedItem).MarkFailed(ctx, id, message)
}

func (pm *PrinterManager) RetryQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	return pm.queue.Guarded(pm.releasedItem).Retry(ctx, id)
}

func (pm *PrinterManager) releasedItem(item *QueueItem) error {
	if item.Status != ItemPrinting || item.PrinterName == nil {
		return nil
	}
	printer := *item.PrinterName

	pm.mu.Lock()
	defer pm.mu.Unlock()

	held := false
	if h, ok := pm.workers[printer]; ok && h.worker.Alive() {
		held = true
	}
	for _, z := range pm.zombies {
		if z.name == printer && z.worker.Alive() {
			held = true
		}
	}
	if held {
		return fmt.Errorf("%w: queue item %s is being printed by %s", ErrQueueConflict, item.ID, printer)
	}
	return nil
}

func (pm *PrinterManager) cachedStatus(name string) PrinterStatus {
	pm.statusMu.RLock()
	st, ok := pm.statuses[name]
	pm.statusMu.RUnlock()
	if ok {
		return st
	}
	return DisconnectedStatus(name, pm.displayName(name), "")
}

func (pm *PrinterManager) displayName(name string) string {
	if id, ok := pm.resolver.Identity(name); ok && id.DisplayName != "" {
		return id.DisplayName
	}
	return name
}

func (pm *PrinterManager) reportActive() {
	if pm.metrics == nil {
		return
	}
	pm.mu.Lock()
	n := len(pm.workers)
	pm.mu.Unlock()
	pm.metrics.ActiveWorkers(n)
}
