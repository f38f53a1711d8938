package controllers

import (
	"errors"
	"net/http"

	"github.com/quotefleet/rpatrack/internal/services"
	"github.com/quotefleet/rpatrack/pkg/domain"

	"github.com/gin-gonic/gin"
)

type dispatchController struct{ svc services.DispatchService }

func NewDispatchController(s services.DispatchService) *dispatchController {
	return &dispatchController{svc: s}
}

func (h *dispatchController) Handle(c *gin.Context) {
	id := c.Param("id")
	var req domain.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	task, err := h.svc.RecordDispatch(c.Request.Context(), id, req)
	if err != nil {
		var verr *services.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Code, "details": verr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "StorageError"})
		return
	}
	c.JSON(http.StatusOK, task)
}
