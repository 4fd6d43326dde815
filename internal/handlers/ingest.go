package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/kmxunan/0C-sub003/internal/metrics"
	"github.com/kmxunan/0C-sub003/internal/models"
)

// IngestHandler handles telemetry ingestion via HTTP
type IngestHandler struct {
	// Channel feeding the evaluation workers
	envelopeChan chan<- *models.Envelope

	// Node identifier for tracking
	nodeID string

	// Batch counter for generating batch IDs
	batchCounter uint64

	// Max body size (default 10MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	EnvelopeChan chan<- *models.Envelope
	NodeID       string
	MaxBodySize  int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
		if nodeID == "" {
			nodeID = "unknown"
		}
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	return &IngestHandler{
		envelopeChan: cfg.EnvelopeChan,
		nodeID:       nodeID,
		maxBodySize:  maxBodySize,
	}
}

// IngestRequest represents the incoming JSON payload (single or batch)
type IngestRequest struct {
	// Single reading (if Readings is empty)
	Reading *models.ReadingInput `json:"reading,omitempty"`

	// Batch of readings
	Readings []models.ReadingInput `json:"readings,omitempty"`
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes a validation error for a specific reading
type IngestError struct {
	Index    int    `json:"index"`
	DeviceID string `json:"device_id,omitempty"`
	Error    string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only accept POST
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Check content type
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	// Limit body size
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	inputs, err := parseBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, "no readings provided")
		return
	}

	batchID := h.generateBatchID()
	response := h.processReadings(inputs, batchID)

	status := http.StatusOK
	if response.Rejected > 0 && response.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, response)
}

// parseBody accepts {"reading":{...}}, {"readings":[...]}, a bare array or
// a bare reading
func parseBody(body []byte) ([]models.ReadingInput, error) {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if len(req.Readings) > 0 {
			return req.Readings, nil
		}
		if req.Reading != nil {
			return []models.ReadingInput{*req.Reading}, nil
		}
	}

	var readings []models.ReadingInput
	if err := json.Unmarshal(body, &readings); err == nil && len(readings) > 0 {
		return readings, nil
	}

	var single models.ReadingInput
	if err := json.Unmarshal(body, &single); err == nil && single.DeviceID != "" {
		return []models.ReadingInput{single}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected reading object or array of readings")
}

// processReadings validates, normalizes, and pushes readings to the channel
func (h *IngestHandler) processReadings(inputs []models.ReadingInput, batchID string) IngestResponse {
	response := IngestResponse{
		Success: true,
		Errors:  make([]IngestError, 0),
	}

	reject := func(i int, deviceID, msg, status string) {
		response.Errors = append(response.Errors, IngestError{Index: i, DeviceID: deviceID, Error: msg})
		response.Rejected++
		metrics.TelemetryReceivedTotal.WithLabelValues(models.SourceHTTP, status).Inc()
	}

	for i, input := range inputs {
		reading, err := input.ToReading()
		if err != nil {
			reject(i, input.DeviceID, err.Error(), "rejected")
			continue
		}

		envelope := models.NewEnvelope(reading, h.nodeID, models.SourceHTTP).WithBatch(batchID, i)

		// Non-blocking send; a full queue rejects the reading
		select {
		case h.envelopeChan <- envelope:
			response.Accepted++
			metrics.TelemetryReceivedTotal.WithLabelValues(models.SourceHTTP, "accepted").Inc()
		default:
			reject(i, reading.DeviceID, "internal queue full, try again later", "dropped")
		}
	}

	response.Success = response.Rejected == 0
	return response
}

// generateBatchID generates a unique batch ID
func (h *IngestHandler) generateBatchID() string {
	counter := atomic.AddUint64(&h.batchCounter, 1)
	return fmt.Sprintf("%s-%d-%d", h.nodeID, time.Now().UnixNano(), counter)
}
