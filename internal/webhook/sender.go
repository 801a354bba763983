package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/core"
)

// EventTest is only sent by SendTest.
const EventTest = "test"

type WebhookPayload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type QueueItemData struct {
	Item core.QueueItem `json:"item"`
}

type PrinterStatusData struct {
	PrinterName    string             `json:"printer_name"`
	PreviousStatus core.PrinterState  `json:"previous_status"`
	NewStatus      core.PrinterState  `json:"new_status"`
	Status         core.PrinterStatus `json:"status"`
}

type WebhookConfig struct {
	Endpoints   []config.WebhookEndpoint
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

// ConfigFrom maps the yaml section onto the sender settings.
func ConfigFrom(c config.WebhooksConfig) WebhookConfig {
	return WebhookConfig{
		Endpoints:   c.Endpoints,
		RetryCount:  c.RetryCount,
		RetryDelay:  c.RetryDelay,
		Timeout:     c.Timeout,
		WorkerCount: c.WorkerCount,
		QueueSize:   c.QueueSize,
	}
}

type webhookTask struct {
	endpoint config.WebhookEndpoint
	payload  *WebhookPayload
	attempt  int
}

// statusError is a non-2xx answer. 4xx answers are not retried.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

// WebhookSender delivers queue and printer events to the configured
// endpoints from a small worker pool. It satisfies core.QueueEventSink and
// core.PrinterEventSink.
type WebhookSender struct {
	endpoints   []config.WebhookEndpoint
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	logger      *slog.Logger
	now         func() time.Time

	queue     chan *webhookTask
	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewWebhookSender(cfg WebhookConfig, logger *slog.Logger) *WebhookSender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WebhookSender{
		endpoints: cfg.Endpoints,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		workerCount: cfg.WorkerCount,
		logger:      logger.With("component", "webhook"),
		now:         time.Now,
		queue:       make(chan *webhookTask, cfg.QueueSize),
		stopCh:      make(chan struct{}),
	}
}

func (s *WebhookSender) Start() {
	s.startOnce.Do(func() {
		for i := 0; i < s.workerCount; i++ {
			s.wg.Add(1)
			go s.worker(i)
		}
	})
}

func (s *WebhookSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *WebhookSender) QueueItemChanged(event string, item core.QueueItem) {
	s.enqueue(event, &QueueItemData{Item: item})
}

func (s *WebhookSender) PrinterStatusChanged(name string, oldState, newState core.PrinterState, status core.PrinterStatus) {
	s.enqueue(core.EventPrinterStatusChanged, &PrinterStatusData{
		PrinterName:    name,
		PreviousStatus: oldState,
		NewStatus:      newState,
		Status:         status,
	})
}

func (s *WebhookSender) enqueue(event string, data interface{}) {
	for _, endpoint := range s.endpoints {
		if !subscribed(endpoint, event) {
			continue
		}

		task := &webhookTask{
			endpoint: endpoint,
			payload: &WebhookPayload{
				Event:     event,
				Timestamp: s.now().UTC(),
				Data:      data,
			},
		}

		select {
		case s.queue <- task:
		default:
			s.logger.Warn("queue full, dropping webhook", "url", endpoint.URL, "event", event)
		}
	}
}

// subscribed reports whether endpoint wants event. No event list means all.
func subscribed(endpoint config.WebhookEndpoint, event string) bool {
	if len(endpoint.Events) == 0 {
		return true
	}
	for _, e := range endpoint.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(task); err != nil {
				s.logger.Error("failed to deliver webhook",
					"worker", id, "url", task.endpoint.URL, "event", task.payload.Event, "attempts", task.attempt, "error", err)
			}
		}
	}
}

func (s *WebhookSender) sendWithRetry(task *webhookTask) error {
	var lastErr error
	for task.attempt < s.retryCount {
		task.attempt++

		err := s.sendRequest(task.endpoint, task.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			s.logger.Warn("client error, not retrying", "url", task.endpoint.URL, "error", err)
			return err
		}

		if task.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(task.attempt-1))
			s.logger.Info("retrying webhook", "attempt", task.attempt, "max", s.retryCount, "url", task.endpoint.URL, "backoff", backoff, "error", err)

			select {
			case <-s.stopCh:
				return errors.New("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *WebhookSender) sendRequest(endpoint config.WebhookEndpoint, payload *WebhookPayload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	body := *payload
	if endpoint.Secret != "" {
		body.Signature = SignPayload(dataBytes, endpoint.Secret)
	}

	fullPayload, err := json.Marshal(&body)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(fullPayload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", body.Event)
	if body.Signature != "" {
		req.Header.Set("X-Webhook-Signature", body.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// SignPayload is the hex HMAC-SHA256 of the JSON-encoded event data.
func SignPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 400 && se.code < 500
	}
	return false
}

// Endpoints returns the configured endpoints with secrets blanked.
func (s *WebhookSender) Endpoints() []config.WebhookEndpoint {
	out := make([]config.WebhookEndpoint, len(s.endpoints))
	for i, e := range s.endpoints {
		out[i] = config.WebhookEndpoint{URL: e.URL, Events: e.Events}
	}
	return out
}

// SendTest posts a single unretried test event to the endpoint at index.
func (s *WebhookSender) SendTest(index int) error {
	if index < 0 || index >= len(s.endpoints) {
		return fmt.Errorf("webhook %d: %w", index, core.ErrNotFound)
	}
	return s.sendRequest(s.endpoints[index], &WebhookPayload{
		Event:     EventTest,
		Timestamp: s.now().UTC(),
		Data:      map[string]string{"message": "test webhook"},
	})
}
