package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/parking-traffic-cv/server/processor"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

// JobStatusSource is the part of the processor the progress stream needs.
type JobStatusSource interface {
	GetJobStatus(jobID string) (*processor.Job, error)
}

type WebSocketHandler struct {
	jobs         JobStatusSource
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	pollInterval time.Duration
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func NewWebSocketHandler(jobs JobStatusSource, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		jobs:         jobs,
		logger:       logger,
		pollInterval: 500 * time.Millisecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// StreamProgress pushes the job snapshot whenever it changes until the job
// finishes or the client goes away.
func (h *WebSocketHandler) StreamProgress(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := h.jobs.GetJobStatus(jobID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("Progress stream opened",
		zap.String("job_id", jobID),
		zap.String("client_ip", c.ClientIP()))

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	var last processor.Job
	first := true
	for {
		job, err := h.jobs.GetJobStatus(jobID)
		if err != nil {
			h.sendError(conn, "Job not found")
			return
		}

		if first || changed(&last, job) {
			if err := h.sendMessage(conn, "progress", job); err != nil {
				return
			}
			last = *job
			first = false
		}

		if job.Status == processor.JobCompleted || job.Status == processor.JobFailed {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)))
			return
		}

		select {
		case <-closed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		case <-poll.C:
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, closed chan struct{}) {
	defer close(closed)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

func (h *WebSocketHandler) sendMessage(conn *websocket.Conn, messageType string, data any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(ServerMessage{Type: messageType, Data: data})
	if err != nil {
		h.logger.Debug("Failed to send WebSocket message", zap.Error(err))
	}
	return err
}

func (h *WebSocketHandler) sendError(conn *websocket.Conn, errorMsg string) {
	_ = h.sendMessage(conn, "error", map[string]any{
		"message":   errorMsg,
		"timestamp": time.Now().Unix(),
	})
}

func changed(last, job *processor.Job) bool {
	return last.Status != job.Status || last.Processed != job.Processed || last.Total != job.Total
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowedOrigins) == 0 {
			return true
		}
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}
