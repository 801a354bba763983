// Package serialdriver speaks the plain-text G-code line protocol over a
// serial port. One line is in flight at a time; the next goes out when the
// firmware answers "ok".
package serialdriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/orrn/printfleet/internal/core"
)

const (
	probeCommand  = "M105"
	probeInterval = 500 * time.Millisecond
	readTimeout   = 100 * time.Millisecond
	readChunk     = 256
)

var (
	ErrNotOnline   = errors.New("serial driver not online")
	ErrBusy        = errors.New("printer is streaming a print")
	ErrNotPrinting = errors.New("no print is streaming")
)

// Port is the byte stream under the driver.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens path at baud.
type Opener func(path string, baud int) (Port, error)

// OpenSerial opens a real serial device as 8N1 with a short read timeout so
// the reader can notice shutdown.
func OpenSerial(path string, baud int) (Port, error) {
	p, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Driver implements core.Driver for one device session.
type Driver struct {
	open   Opener
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	port     Port
	online   bool
	stopping bool
	cb       core.Callbacks
	priority []string
	lines    []string
	index    int
	printing bool
	paused   bool

	probed chan struct{}
	credit chan struct{}
	wake   chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(open Opener, logger *slog.Logger) *Driver {
	if open == nil {
		open = OpenSerial
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{open: open, logger: logger}
}

// Factory returns a core.DriverFactory producing serial drivers.
func Factory(open Opener, logger *slog.Logger) core.DriverFactory {
	return func() core.Driver {
		return New(open, logger)
	}
}

func (d *Driver) SetCallbacks(cb core.Callbacks) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

// Connect opens the port and probes with M105 until the firmware answers or
// ctx is done.
func (d *Driver) Connect(ctx context.Context, path string, baud int) error {
	d.mu.Lock()
	if d.port != nil {
		d.mu.Unlock()
		return fmt.Errorf("driver already connected to %s", path)
	}
	d.mu.Unlock()

	port, err := d.open(path, baud)
	if err != nil {
		return fmt.Errorf("failed to open %s at %d baud: %w", path, baud, err)
	}

	d.mu.Lock()
	d.port = port
	d.stopping = false
	d.probed = make(chan struct{}, 1)
	d.credit = make(chan struct{}, 1)
	d.wake = make(chan struct{}, 1)
	d.stop = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go d.readLoop(port)

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	if err := d.writeLine(port, probeCommand); err != nil {
		d.Disconnect()
		return fmt.Errorf("failed to probe %s: %w", path, err)
	}

	for {
		select {
		case <-d.probed:
			d.mu.Lock()
			d.online = true
			d.mu.Unlock()
			d.grantCredit()

			d.wg.Add(1)
			go d.sendLoop(port)
			d.logger.Debug("serial device answered", "port", path, "baud", baud)
			return nil

		case <-ticker.C:
			if err := d.writeLine(port, probeCommand); err != nil {
				d.Disconnect()
				return fmt.Errorf("failed to probe %s: %w", path, err)
			}

		case <-ctx.Done():
			d.Disconnect()
			return fmt.Errorf("no answer from %s at %d baud: %w", path, baud, ctx.Err())
		}
	}
}

// Disconnect closes the port and waits for the I/O goroutines. Safe to call
// more than once.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	port := d.port
	if port == nil {
		d.mu.Unlock()
		return nil
	}
	d.port = nil
	d.online = false
	d.stopping = true
	d.printing = false
	d.paused = false
	d.priority = nil
	close(d.stop)
	d.mu.Unlock()

	err := port.Close()
	d.wg.Wait()
	return err
}

func (d *Driver) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// Send queues a single command. It is refused while a print streams; use
// SendImmediate for out-of-band commands then.
func (d *Driver) Send(line string) error {
	d.mu.Lock()
	streaming := d.printing
	d.mu.Unlock()
	if streaming {
		return ErrBusy
	}
	return d.SendImmediate(line)
}

func (d *Driver) SendImmediate(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	d.mu.Lock()
	if !d.online {
		d.mu.Unlock()
		return ErrNotOnline
	}
	d.priority = append(d.priority, line)
	d.mu.Unlock()

	d.signal()
	return nil
}

func (d *Driver) StartPrint(lines []string) error {
	d.mu.Lock()
	if !d.online {
		d.mu.Unlock()
		return ErrNotOnline
	}
	if d.printing {
		d.mu.Unlock()
		return ErrBusy
	}
	d.lines = append([]string(nil), lines...)
	d.index = 0
	d.printing = true
	d.paused = false
	cb := d.cb
	d.mu.Unlock()

	if cb.OnPrintStart != nil {
		cb.OnPrintStart(false)
	}
	d.signal()
	return nil
}

func (d *Driver) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.printing {
		return ErrNotPrinting
	}
	d.paused = true
	return nil
}

func (d *Driver) Resume() error {
	d.mu.Lock()
	if !d.printing || !d.paused {
		d.mu.Unlock()
		return nil
	}
	d.paused = false
	cb := d.cb
	d.mu.Unlock()

	if cb.OnPrintStart != nil {
		cb.OnPrintStart(true)
	}
	d.signal()
	return nil
}

// Cancel drops the remaining print lines. Already queued priority lines are
// still sent.
func (d *Driver) Cancel() error {
	d.mu.Lock()
	d.printing = false
	d.paused = false
	d.lines = nil
	d.index = 0
	d.mu.Unlock()
	return nil
}

func (d *Driver) Printing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.printing
}

func (d *Driver) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *Driver) Progress() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index, len(d.lines)
}

func (d *Driver) readLoop(port Port) {
	defer d.wg.Done()
	defer d.recoverLoop("read")

	buf := make([]byte, readChunk)
	var pending []byte
	for {
		n, err := port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimSpace(string(pending[:i]))
				pending = pending[i+1:]
				if line != "" {
					d.handleLine(line)
				}
			}
		}

		if err != nil {
			d.mu.Lock()
			stopping := d.stopping
			d.online = false
			d.mu.Unlock()
			if !stopping {
				d.logger.Warn("serial read failed", "error", err)
			}
			return
		}

		select {
		case <-d.stop:
			return
		default:
		}
	}
}

func (d *Driver) handleLine(line string) {
	if IsProbeReply(line) {
		select {
		case d.probed <- struct{}{}:
		default:
		}
	}

	if IsAcknowledgement(line) {
		d.grantCredit()
	}

	if IsTemperatureReport(line) {
		d.mu.Lock()
		cb := d.cb
		d.mu.Unlock()
		if cb.OnTemperature != nil {
			cb.OnTemperature(line)
		}
	}
}

func (d *Driver) sendLoop(port Port) {
	defer d.wg.Done()
	defer d.recoverLoop("send")

	for {
		line, fromPrint, ok := d.next()
		if !ok {
			select {
			case <-d.stop:
				return
			case <-d.wake:
			}
			continue
		}

		select {
		case <-d.stop:
			return
		case <-d.credit:
		}

		if fromPrint && !d.claimPrintLine(line) {
			// cancelled or paused while waiting for the ack
			d.grantCredit()
			continue
		}
		if !fromPrint {
			d.popPriority()
		}

		if err := d.writeLine(port, line); err != nil {
			d.logger.Warn("serial write failed", "line", line, "error", err)
			d.mu.Lock()
			d.online = false
			d.mu.Unlock()
			return
		}

		if fromPrint {
			d.finishIfDone()
		}
	}
}

// recoverLoop contains a panic in one of the I/O goroutines, whether from
// the port or a callback. The driver goes offline and the worker's monitor
// ends the session.
func (d *Driver) recoverLoop(loop string) {
	r := recover()
	if r == nil {
		return
	}
	d.mu.Lock()
	d.online = false
	d.mu.Unlock()
	d.logger.Error("serial driver goroutine panicked", "loop", loop, "panic", r)
}

// next peeks the line to send: priority first, then the print stream.
func (d *Driver) next() (string, bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.priority) > 0 {
		return d.priority[0], false, true
	}
	if d.printing && !d.paused && d.index < len(d.lines) {
		return d.lines[d.index], true, true
	}
	return "", false, false
}

func (d *Driver) popPriority() {
	d.mu.Lock()
	if len(d.priority) > 0 {
		d.priority = d.priority[1:]
	}
	d.mu.Unlock()
}

func (d *Driver) claimPrintLine(line string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.priority) > 0 || !d.printing || d.paused || d.index >= len(d.lines) || d.lines[d.index] != line {
		return false
	}
	d.index++
	return true
}

func (d *Driver) finishIfDone() {
	d.mu.Lock()
	if !d.printing || d.index < len(d.lines) {
		d.mu.Unlock()
		return
	}
	d.printing = false
	d.paused = false
	cb := d.cb
	d.mu.Unlock()

	if cb.OnPrintEnd != nil {
		cb.OnPrintEnd()
	}
}

func (d *Driver) writeLine(port Port, line string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := io.WriteString(port, line+"\n")
	return err
}

func (d *Driver) grantCredit() {
	d.mu.Lock()
	credit := d.credit
	d.mu.Unlock()
	select {
	case credit <- struct{}{}:
	default:
	}
}

func (d *Driver) signal() {
	d.mu.Lock()
	wake := d.wake
	d.mu.Unlock()
	select {
	case wake <- struct{}{}:
	default:
	}
}
