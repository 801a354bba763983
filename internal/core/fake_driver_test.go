package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/logging"
)

const fakeTemperatureReport = "ok T:200.0 /210.0 B:55.5 /60.0"

// fakeDriver answers like a firmware that acks everything instantly.
type fakeDriver struct {
	mu sync.Mutex

	acceptBaud  map[int]bool
	failSend    string
	panicOnSend string
	// blockOn wedges the caller sending that line until release is closed.
	blockOn string
	release chan struct{}

	online    bool
	printing  bool
	paused    bool
	lines     []string
	index     int
	cb        Callbacks
	connected []int
	sent      []string
	immediate []string
	cancelled bool
	closed    bool
}

func (d *fakeDriver) Connect(ctx context.Context, port string, baud int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, baud)
	if d.acceptBaud != nil && !d.acceptBaud[baud] {
		return errors.New("no answer")
	}
	d.online = true
	return nil
}

func (d *fakeDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online = false
	d.printing = false
	d.paused = false
	d.closed = true
	return nil
}

func (d *fakeDriver) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

func (d *fakeDriver) Send(line string) error {
	return d.write(line, false)
}

func (d *fakeDriver) SendImmediate(line string) error {
	return d.write(line, true)
}

func (d *fakeDriver) write(line string, immediate bool) error {
	d.mu.Lock()
	if d.panicOnSend != "" && line == d.panicOnSend {
		d.mu.Unlock()
		panic("firmware exploded")
	}
	if d.failSend != "" && line == d.failSend {
		d.mu.Unlock()
		return errors.New("write failed")
	}
	if d.blockOn != "" && line == d.blockOn {
		release := d.release
		d.mu.Unlock()
		<-release
		d.mu.Lock()
	}
	if immediate {
		d.immediate = append(d.immediate, line)
	} else {
		d.sent = append(d.sent, line)
	}
	cb := d.cb
	d.mu.Unlock()

	if line == temperatureQuery && cb.OnTemperature != nil {
		cb.OnTemperature(fakeTemperatureReport)
	}
	return nil
}

func (d *fakeDriver) StartPrint(lines []string) error {
	d.mu.Lock()
	d.lines = lines
	d.index = 0
	d.printing = true
	d.paused = false
	cb := d.cb
	d.mu.Unlock()

	if cb.OnPrintStart != nil {
		cb.OnPrintStart(false)
	}
	return nil
}

func (d *fakeDriver) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	return nil
}

func (d *fakeDriver) Resume() error {
	d.mu.Lock()
	d.paused = false
	cb := d.cb
	d.mu.Unlock()

	if cb.OnPrintStart != nil {
		cb.OnPrintStart(true)
	}
	return nil
}

func (d *fakeDriver) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.printing = false
	d.paused = false
	d.cancelled = true
	return nil
}

func (d *fakeDriver) Printing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.printing
}

func (d *fakeDriver) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *fakeDriver) Progress() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index, len(d.lines)
}

func (d *fakeDriver) SetCallbacks(cb Callbacks) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

// advance moves the stream to line n.
func (d *fakeDriver) advance(n int) {
	d.mu.Lock()
	d.index = n
	d.mu.Unlock()
}

// finish completes the stream the way a driver does when the last ok arrives.
func (d *fakeDriver) finish() {
	d.mu.Lock()
	d.index = len(d.lines)
	d.printing = false
	cb := d.cb
	d.mu.Unlock()

	if cb.OnPrintEnd != nil {
		cb.OnPrintEnd()
	}
}

// endQuietly completes the stream but hands back the end callback instead of
// calling it, like a driver goroutine that has not been scheduled yet.
func (d *fakeDriver) endQuietly() func() {
	d.mu.Lock()
	d.index = len(d.lines)
	d.printing = false
	cb := d.cb
	d.mu.Unlock()
	return cb.OnPrintEnd
}

func (d *fakeDriver) sentLines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *fakeDriver) immediateLines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.immediate...)
}

type fakeFactory struct {
	mu        sync.Mutex
	configure func(*fakeDriver)
	drivers   []*fakeDriver
}

func newFakeFactory(configure func(*fakeDriver)) *fakeFactory {
	return &fakeFactory{configure: configure}
}

func (f *fakeFactory) New() Driver {
	d := &fakeDriver{}
	if f.configure != nil {
		f.configure(d)
	}
	f.mu.Lock()
	f.drivers = append(f.drivers, d)
	f.mu.Unlock()
	return d
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

func (f *fakeFactory) last() *fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.drivers) == 0 {
		return nil
	}
	return f.drivers[len(f.drivers)-1]
}

func newTestQueue(t *testing.T) *QueueStore {
	t.Helper()
	database, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewQueueStore(database, nil, logging.Discard())
}

func writeGCode(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func deviceExists(string) (os.FileInfo, error) {
	return nil, nil
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
