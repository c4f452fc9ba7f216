// Package controller is the thin HTTP surface over the judging core:
// submission intake and polling, ad-hoc executions, queue stats.
package controller

import (
	"github.com/gin-gonic/gin"

	"arbiter/internal/judge/service"
	"arbiter/pkg/response"
)

// JudgeController handles judging API requests.
type JudgeController struct {
	svc *service.Service
}

// NewJudgeController creates a new controller.
func NewJudgeController(svc *service.Service) *JudgeController {
	return &JudgeController{svc: svc}
}

// RegisterRoutes attaches the judging routes to a router group.
func (h *JudgeController) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/submissions", h.CreateSubmission)
	rg.GET("/submissions/:id", h.GetSubmission)
	rg.POST("/submissions/:id/rejudge", h.Rejudge)
	rg.POST("/jobs", h.SubmitJob)
	rg.GET("/jobs/:id", h.GetJobResult)
	rg.POST("/execute", h.Execute)
	rg.GET("/queue/stats", h.QueueStats)
	rg.GET("/languages", h.Languages)
}

// CreateSubmission accepts a submission for judging.
func (h *JudgeController) CreateSubmission(c *gin.Context) {
	var req service.CreateSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	submission, err := h.svc.CreateSubmission(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, submission)
}

// GetSubmission returns one submission.
func (h *JudgeController) GetSubmission(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "invalid submission id")
		return
	}
	submission, err := h.svc.GetSubmission(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, submission)
}

// Rejudge resets a terminal submission and queues it again.
func (h *JudgeController) Rejudge(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "invalid submission id")
		return
	}
	receipt, err := h.svc.Rejudge(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, receipt)
}

// SubmitJob queues an ad-hoc execution job.
func (h *JudgeController) SubmitJob(c *gin.Context) {
	var req service.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	receipt, err := h.svc.SubmitExecutionJob(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, receipt)
}

// GetJobResult reports job completion state.
func (h *JudgeController) GetJobResult(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "invalid job id")
		return
	}
	status, err := h.svc.GetJobResult(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// Execute runs a job synchronously, bypassing queue and store.
func (h *JudgeController) Execute(c *gin.Context) {
	var req service.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	result, err := h.svc.ExecuteDirect(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// QueueStats reports queue depth and broker health.
func (h *JudgeController) QueueStats(c *gin.Context) {
	response.Success(c, h.svc.QueueStats(c.Request.Context()))
}

// Languages lists supported language ids.
func (h *JudgeController) Languages(c *gin.Context) {
	response.Success(c, h.svc.Languages())
}
