package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/parking-traffic-cv/server/audit"
	"go.uber.org/zap"
)

const maxAuditLimit = 1000

type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

type AuditHandler struct {
	reader AuditReader
	logger *zap.Logger
}

func NewAuditHandler(reader AuditReader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{reader: reader, logger: logger}
}

// ListEntries returns the newest audit rows first.
func (h *AuditHandler) ListEntries(c *gin.Context) {
	if h.reader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Audit log disabled"})
		return
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxAuditLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer in [1, 1000]"})
			return
		}
		limit = n
	}

	entries, err := h.reader.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to read audit log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read audit log"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
