package handler

import (
	"github.com/gin-gonic/gin"
	"pkm-engine/internal/service"
	"pkm-engine/pkg/log"
)

// FileHandler 管理被监听的目录。
type FileHandler struct {
	watchService *service.WatchService
}

func NewFileHandler(watchService *service.WatchService) *FileHandler {
	return &FileHandler{watchService: watchService}
}

type watchRequest struct {
	Path      string `json:"path" binding:"required"`
	Recursive *bool  `json:"recursive"`
}

// Watch 开始监听目录，recursive 缺省为 true。
func (h *FileHandler) Watch(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载: "+err.Error())
		return
	}
	recursive := req.Recursive == nil || *req.Recursive
	if err := h.watchService.Watch(req.Path, recursive); err != nil {
		fail(c, "Watch: 监听目录失败", err)
		return
	}
	log.Infof("[FileHandler] 开始监听目录 %s (recursive=%v)", req.Path, recursive)
	ok(c, "开始监听", gin.H{"path": req.Path, "recursive": recursive})
}

// Unwatch 停止监听目录。
func (h *FileHandler) Unwatch(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载: "+err.Error())
		return
	}
	if err := h.watchService.Unwatch(req.Path); err != nil {
		fail(c, "Unwatch: 停止监听失败", err)
		return
	}
	ok(c, "已停止监听", gin.H{"path": req.Path})
}

// Watched 列出正在监听的目录。
func (h *FileHandler) Watched(c *gin.Context) {
	ok(c, "获取监听目录成功", gin.H{"paths": h.watchService.Watched()})
}
