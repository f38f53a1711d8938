package controllers

import (
	"net/http"

	"github.com/quotefleet/rpatrack/internal/services"

	"github.com/gin-gonic/gin"
)

type getStatusesController struct{ svc services.StatusService }

func NewGetStatusesController(svc services.StatusService) *getStatusesController {
	return &getStatusesController{svc}
}

func (h *getStatusesController) Handle(c *gin.Context) {
	id := c.Param("id")
	tasks, err := h.svc.TaskStatuses(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "StorageError"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"submissionId": id,
		"tasks":        tasks,
		"settled":      tasks.Settled(),
	})
}
