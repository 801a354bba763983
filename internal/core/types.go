package core

import (
	"time"
)

type PrinterState string

const (
	PrinterDisconnected PrinterState = "disconnected"
	PrinterIdle         PrinterState = "idle"
	PrinterPrinting     PrinterState = "printing"
	PrinterPaused       PrinterState = "paused"
)

// Connected reports whether the state implies a live device session.
func (s PrinterState) Connected() bool {
	return s == PrinterIdle || s == PrinterPrinting || s == PrinterPaused
}

type Temperature struct {
	Current *float64 `json:"current"`
	Target  *float64 `json:"target"`
}

type PrinterStatus struct {
	Name                 string       `json:"name"`
	DisplayName          string       `json:"display_name"`
	Status               PrinterState `json:"status"`
	Port                 string       `json:"port"`
	Baud                 int          `json:"baud"`
	Progress             float64      `json:"progress"`
	TimeElapsed          *float64     `json:"time_elapsed_s"`
	TimeRemaining        *float64     `json:"time_remaining_s"`
	CurrentQueueItemID   string       `json:"current_queue_item_id,omitempty"`
	CurrentQueueItemName string       `json:"current_queue_item_name,omitempty"`
	BedClear             bool         `json:"bed_clear"`
	BedTemp              Temperature  `json:"bed_temp"`
	NozzleTemp           Temperature  `json:"nozzle_temp"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// DisconnectedStatus is the record served for a printer without a live worker.
func DisconnectedStatus(name, displayName, port string) PrinterStatus {
	if displayName == "" {
		displayName = name
	}
	return PrinterStatus{
		Name:        name,
		DisplayName: displayName,
		Status:      PrinterDisconnected,
		Port:        port,
		UpdatedAt:   time.Now(),
	}
}

type ItemStatus string

const (
	ItemTodo     ItemStatus = "todo"
	ItemPrinting ItemStatus = "printing"
	ItemFinished ItemStatus = "finished"
	ItemSuccess  ItemStatus = "success"
	ItemFailed   ItemStatus = "failed"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemTodo, ItemPrinting, ItemFinished, ItemSuccess, ItemFailed:
		return true
	}
	return false
}

const DefaultTag = "any"

type QueueItem struct {
	ID           string     `json:"id"`
	FilePath     string     `json:"file_path"`
	FileName     string     `json:"file_name"`
	AddedAt      time.Time  `json:"added_at"`
	Tags         []string   `json:"tags"`
	OrderIndex   int        `json:"order_index"`
	Status       ItemStatus `json:"status"`
	PrinterName  *string    `json:"printer_name"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	ErrorMessage *string    `json:"error_message"`
}

// HasAnyTag reports whether the item carries at least one of tags.
func (q *QueueItem) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range q.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// StatusUpdate names the optional fields of a status transition. Nil fields
// are left untouched; ClearRun resets printer, timestamps and error first.
type StatusUpdate struct {
	PrinterName  *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorMessage *string
	ClearRun     bool
}

type QueueStats struct {
	Todo     int `json:"todo"`
	Printing int `json:"printing"`
	Finished int `json:"finished"`
	Success  int `json:"success"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}

// Response is the uniform result of every printer action.
type Response struct {
	Success bool           `json:"success"`
	Data    *PrinterStatus `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Code    string         `json:"code,omitempty"`
}

func OK(status PrinterStatus) Response {
	return Response{Success: true, Data: &status}
}

func Fail(err error) Response {
	return Response{Success: false, Error: err.Error(), Code: ErrorCode(err)}
}

// Err returns nil for a successful response, otherwise a *ResponseError.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	code := r.Code
	if code == "" {
		code = CodeInternal
	}
	return &ResponseError{Code: code, Message: r.Error}
}

const (
	EventQueueItemAdded       = "queue_item_added"
	EventQueueItemStarted     = "queue_item_started"
	EventQueueItemFinished    = "queue_item_finished"
	EventQueueItemFailed      = "queue_item_failed"
	EventQueueItemSuccess     = "queue_item_success"
	EventQueueItemRetried     = "queue_item_retried"
	EventQueueItemRemoved     = "queue_item_removed"
	EventPrinterStatusChanged = "printer_status_changed"
)

// QueueEventSink receives every committed queue item transition.
type QueueEventSink interface {
	QueueItemChanged(event string, item QueueItem)
}

// PrinterEventSink receives printer state changes seen by the supervisor.
type PrinterEventSink interface {
	PrinterStatusChanged(name string, oldState, newState PrinterState, status PrinterStatus)
}

// QueueEventSinks fans one event out to several sinks.
type QueueEventSinks []QueueEventSink

func (s QueueEventSinks) QueueItemChanged(event string, item QueueItem) {
	for _, sink := range s {
		if sink != nil {
			sink.QueueItemChanged(event, item)
		}
	}
}
