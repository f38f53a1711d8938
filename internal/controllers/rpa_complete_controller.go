package controllers

import (
	"errors"
	"net/http"

	"github.com/quotefleet/rpatrack/internal/services"
	"github.com/quotefleet/rpatrack/pkg/domain"

	"github.com/gin-gonic/gin"
)

type rpaCompleteController struct{ svc services.IngestService }

func NewRPACompleteController(s services.IngestService) *rpaCompleteController {
	return &rpaCompleteController{svc: s}
}

// Handle processes POST /webhooks/rpa-complete. The vendor delivers
// at-least-once, so duplicates come back as plain success.
func (h *rpaCompleteController) Handle(c *gin.Context) {
	var notice domain.CompletionNotice
	if err := c.ShouldBindJSON(&notice); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	merged, outcome, err := h.svc.Ingest(c.Request.Context(), notice)
	if err != nil {
		var verr *services.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Code, "details": verr.Message})
		case errors.Is(err, services.ErrSubmissionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "NotFound", "details": "submission does not exist"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "StorageError"})
		}
		return
	}

	message := "completion recorded"
	if outcome == domain.MergeDuplicate {
		message = "duplicate delivery ignored"
	}
	c.JSON(http.StatusOK, domain.WebhookAck{
		Success: true,
		Message: message,
		Carrier: merged.Carrier,
		Status:  merged.Status,
	})
}

// HandleLiveness answers GET on the webhook path; the vendor probes it
// before enabling deliveries.
func (h *rpaCompleteController) HandleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
