package db

const queueColumns = `id, file_path, file_name, added_at, tags, order_index, status, printer_name, started_at, finished_at, error_message`

const (
	InsertQueueItem = `
		INSERT INTO print_queue (id, file_path, file_name, added_at, tags, order_index, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	GetQueueItemByID = `
		SELECT ` + queueColumns + `
		FROM print_queue WHERE id = ?
	`

	ListQueueItems = `
		SELECT ` + queueColumns + `
		FROM print_queue ORDER BY order_index ASC
	`

	ListQueueIDs = `
		SELECT id FROM print_queue ORDER BY order_index ASC
	`

	MaxQueueOrderIndex = `
		SELECT COALESCE(MAX(order_index), -1) FROM print_queue
	`

	UpdateQueueOrderIndex = `
		UPDATE print_queue SET order_index = ? WHERE id = ?
	`

	UpdateQueueItemState = `
		UPDATE print_queue SET
			status = ?, printer_name = ?, started_at = ?, finished_at = ?, error_message = ?
		WHERE id = ?
	`

	DeleteQueueItem = `DELETE FROM print_queue WHERE id = ?`

	CountQueueItemsByStatus = `
		SELECT status, COUNT(*) FROM print_queue GROUP BY status
	`

	ListQueueItemsByPrinterAndStatus = `
		SELECT ` + queueColumns + `
		FROM print_queue WHERE printer_name = ? AND status = ? ORDER BY order_index ASC
	`
)

const (
	CreateMigrationsTable = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`

	RecordMigration = `INSERT INTO schema_migrations (version) VALUES (?)`

	GetMigrationStatus = `
		SELECT version, applied_at FROM schema_migrations ORDER BY version ASC
	`

	GetAppliedMigrations = `
		SELECT version FROM schema_migrations
	`
)
