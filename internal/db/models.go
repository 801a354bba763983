package db

import (
	"time"
)

// QueueRow mirrors one print_queue row. Nullable columns are pointers.
type QueueRow struct {
	ID           string
	FilePath     string
	FileName     string
	AddedAt      time.Time
	Tags         []string
	OrderIndex   int
	Status       string
	PrinterName  *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorMessage *string
}
