package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"pkm-engine/internal/middleware"
	"pkm-engine/internal/model"
	"pkm-engine/internal/service"
	"pkm-engine/pkg/token"
)

// SearchHandler 负责处理检索相关的 API 请求。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Query 处理 GET /search（query 参数）和 POST /search（JSON 请求体）。
func (h *SearchHandler) Query(c *gin.Context) {
	var req model.SearchRequest
	if c.Request.Method == "POST" {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "无效的请求负载: "+err.Error())
			return
		}
	} else if err := bindSearchQuery(c, &req); err != nil {
		fail(c, "Search", err)
		return
	}

	req.RevealEncrypted = middleware.HasScope(c, token.ScopeDecrypt)

	resp, err := h.searchService.Query(c.Request.Context(), req)
	if err != nil {
		fail(c, "Search: 检索失败", err)
		return
	}
	ok(c, "检索成功", resp)
}

func bindSearchQuery(c *gin.Context, req *model.SearchRequest) error {
	var err error
	req.Query = c.Query("query")
	req.Mode = model.SearchMode(c.Query("mode"))
	if req.Offset, err = queryInt(c, "offset", 0); err != nil {
		return err
	}
	if req.Limit, err = queryInt(c, "limit", 0); err != nil {
		return err
	}
	for _, t := range queryList(c, "entityTypes") {
		req.Filters.EntityTypes = append(req.Filters.EntityTypes, model.EntityType(t))
	}
	for _, s := range queryList(c, "sourceTypes") {
		req.Filters.SourceTypes = append(req.Filters.SourceTypes, model.SourceType(s))
	}
	req.Filters.ContentTypes = queryList(c, "contentTypes")
	if req.Filters.TimeRange.From, err = queryTime(c, "from"); err != nil {
		return err
	}
	if req.Filters.TimeRange.To, err = queryTime(c, "to"); err != nil {
		return err
	}
	return nil
}

// queryTime 接受 RFC3339 或 2006-01-02。
func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Time{}, model.NewValidationError("%s must be RFC3339 or YYYY-MM-DD", key)
}

// Suggest 返回以 prefix 开头的检索联想，history 为客户端本地的检索历史。
func (h *SearchHandler) Suggest(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		fail(c, "Suggest", err)
		return
	}
	got, err := h.searchService.Suggest(c.Request.Context(), c.Query("prefix"), queryList(c, "history"), limit)
	if err != nil {
		fail(c, "Suggest: 联想失败", err)
		return
	}
	ok(c, "联想成功", gin.H{"suggestions": got})
}
