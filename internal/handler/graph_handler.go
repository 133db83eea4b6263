package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"pkm-engine/internal/model"
	"pkm-engine/internal/service"
)

// GraphHandler 负责知识图谱查询相关的 API 请求。
type GraphHandler struct {
	graphService service.GraphService
}

func NewGraphHandler(graphService service.GraphService) *GraphHandler {
	return &GraphHandler{graphService: graphService}
}

// Nodes 分页列出实体，支持按类型和名称过滤。
func (h *GraphHandler) Nodes(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		fail(c, "Nodes", err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		fail(c, "Nodes", err)
		return
	}
	list, err := h.graphService.Nodes(c.Request.Context(), model.NodeFilter{
		Type:   model.EntityType(c.Query("type")),
		Name:   c.Query("name"),
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		fail(c, "Nodes: 获取实体失败", err)
		return
	}
	ok(c, "获取实体成功", list)
}

// Edges 列出关系，entityId 限定起点或终点。
func (h *GraphHandler) Edges(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		fail(c, "Edges", err)
		return
	}
	var minStrength float64
	if v := c.Query("minStrength"); v != "" {
		if minStrength, err = strconv.ParseFloat(v, 64); err != nil {
			badRequest(c, "minStrength 必须是数字")
			return
		}
	}
	edges, err := h.graphService.Edges(c.Request.Context(), model.EdgeFilter{
		EntityID:    c.Query("entityId"),
		Type:        c.Query("type"),
		MinStrength: minStrength,
		Limit:       limit,
	})
	if err != nil {
		fail(c, "Edges: 获取关系失败", err)
		return
	}
	ok(c, "获取关系成功", gin.H{"edges": edges})
}

// DeleteNode 删除实体和与之相连的边。
func (h *GraphHandler) DeleteNode(c *gin.Context) {
	id := c.Param("id")
	if err := h.graphService.DeleteNode(c.Request.Context(), id); err != nil {
		fail(c, "DeleteNode: 删除实体失败", err)
		return
	}
	ok(c, "实体删除成功", gin.H{"id": id})
}
