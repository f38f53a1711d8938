package controllers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/quotefleet/rpatrack/internal/services"
	"github.com/quotefleet/rpatrack/pkg/persistence"

	"github.com/gin-gonic/gin"
)

type createSubmissionController struct{ svc services.DispatchService }

func NewCreateSubmissionController(s services.DispatchService) *createSubmissionController {
	return &createSubmissionController{svc: s}
}

type createSubmissionRequest struct {
	SubmissionID string `json:"submissionId"`
}

func (h *createSubmissionController) Handle(c *gin.Context) {
	var req createSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.SubmissionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MissingField", "details": "submissionId is required"})
		return
	}

	if err := h.svc.Register(c.Request.Context(), req.SubmissionID); err != nil {
		if errors.Is(err, persistence.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "AlreadyExists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "StorageError"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"submissionId": req.SubmissionID})
}
