package handler

import (
	"github.com/gin-gonic/gin"
	"pkm-engine/internal/service"
)

// JobHandler 查询和取消批量摄取任务。
type JobHandler struct {
	jobService service.JobService
}

func NewJobHandler(jobService service.JobService) *JobHandler {
	return &JobHandler{jobService: jobService}
}

func (h *JobHandler) Status(c *gin.Context) {
	job, err := h.jobService.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "JobStatus: 查询任务失败", err)
		return
	}
	ok(c, "获取任务状态成功", job)
}

// Cancel 取消任务：尚未分发的条目标记为 skipped，已完成的任务返回 409。
func (h *JobHandler) Cancel(c *gin.Context) {
	job, err := h.jobService.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "JobCancel: 取消任务失败", err)
		return
	}
	ok(c, "任务已取消", job)
}
