package core

import (
	"context"
)

// Callbacks are invoked by a Driver from its own goroutines.
type Callbacks struct {
	OnTemperature func(report string)
	OnPrintStart  func(resuming bool)
	OnPrintEnd    func()
}

// Driver is the line-protocol session for one serial device. Pacing,
// acknowledgements and resends are its business; the worker only hands it
// whole lines and reacts to the callbacks.
type Driver interface {
	// Connect opens port at baud and returns once the device answered or ctx
	// is done.
	Connect(ctx context.Context, port string, baud int) error
	Disconnect() error
	Online() bool

	Send(line string) error
	// SendImmediate jumps ahead of any queued print lines.
	SendImmediate(line string) error

	StartPrint(lines []string) error
	Pause() error
	Resume() error
	Cancel() error
	Printing() bool
	Paused() bool
	// Progress returns the index of the next line to send and the total.
	Progress() (index, total int)

	SetCallbacks(cb Callbacks)
}

// DriverFactory returns a fresh, unconnected driver.
type DriverFactory func() Driver
