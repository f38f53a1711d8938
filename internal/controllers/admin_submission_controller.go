package controllers

import (
	"net/http"

	"github.com/quotefleet/rpatrack/internal/services"
	"github.com/quotefleet/rpatrack/pkg/domain"

	"github.com/gin-gonic/gin"
)

type adminSubmissionController struct{ svc services.StatusService }

func NewAdminSubmissionController(svc services.StatusService) *adminSubmissionController {
	return &adminSubmissionController{svc}
}

// Handle serves the operator view: the raw task map plus per-status counts
// and dispatch-to-completion timing per carrier.
func (h *adminSubmissionController) Handle(c *gin.Context) {
	id := c.Param("id")
	tasks, err := h.svc.TaskStatuses(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "StorageError"})
		return
	}

	counts := map[domain.TaskStatus]int{}
	timings := map[domain.Carrier]float64{}
	for carrier, task := range tasks {
		counts[task.Status]++
		if task.CompletedAt != nil {
			timings[carrier] = task.CompletedAt.Sub(task.SubmittedAt).Seconds()
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"submissionId":      id,
		"tasks":             tasks,
		"settled":           tasks.Settled(),
		"statusCounts":      counts,
		"turnaroundSeconds": timings,
	})
}
