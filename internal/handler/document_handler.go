package handler

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"pkm-engine/internal/middleware"
	"pkm-engine/internal/model"
	"pkm-engine/internal/pipeline"
	"pkm-engine/internal/service"
	"pkm-engine/pkg/log"
	"pkm-engine/pkg/tika"
	"pkm-engine/pkg/token"
)

// DocumentHandler 负责处理所有与文档相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
	maxBytes   int64
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。maxBytes 限制上传文件大小。
func NewDocumentHandler(docService service.DocumentService, maxBytes int64) *DocumentHandler {
	return &DocumentHandler{docService: docService, maxBytes: maxBytes}
}

// BatchRequest 定义了批量摄取 API 的请求体结构。
type BatchRequest struct {
	SourceTag string                   `json:"sourceTag"`
	Documents []pipeline.IngestRequest `json:"documents" binding:"required"`
}

// Ingest 处理单篇文档摄取，支持 JSON 请求体或 multipart 文件上传（字段 file）。
func (h *DocumentHandler) Ingest(c *gin.Context) {
	var req pipeline.IngestRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := h.bindUpload(c, &req); err != nil {
			fail(c, "Ingest: 解析上传文件失败", err)
			return
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载: "+err.Error())
		return
	}

	res, err := h.docService.Ingest(c.Request.Context(), req)
	if err != nil {
		fail(c, "Ingest: 摄取失败", err)
		return
	}
	log.Infof("文档摄取完成: id=%s, duplicate=%v, status=%s", res.DocumentID, res.Duplicate, res.Status)
	ok(c, "文档摄取成功", res)
}

// bindUpload 从 multipart 表单读取文件和元数据。
func (h *DocumentHandler) bindUpload(c *gin.Context, req *pipeline.IngestRequest) error {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		return model.NewValidationError("缺少上传文件: %v", err)
	}
	defer file.Close()
	if h.maxBytes > 0 && header.Size > h.maxBytes {
		return model.NewValidationError("文件大小 %d 超过上限 %d", header.Size, h.maxBytes)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return model.NewValidationError("读取上传文件失败: %v", err)
	}

	req.Data = data
	req.Title = c.PostForm("title")
	if req.Title == "" {
		req.Title = header.Filename
	}
	req.FilePath = c.PostForm("filePath")
	req.SourceType = model.SourceType(c.PostForm("sourceType"))
	req.SourceTag = c.PostForm("sourceTag")
	req.ContentType = c.PostForm("contentType")
	if req.ContentType == "" {
		// 浏览器上传的 Content-Type 常是 octet-stream，按文件名推断，推断不出时交给流水线嗅探
		if ct := tika.DetectMimeType(header.Filename); ct != "application/octet-stream" {
			req.ContentType = ct
		}
	}
	req.Encrypted = c.PostForm("encrypted") == "true"
	return nil
}

// IngestBatch 提交批量摄取任务，立即返回任务 ID。
func (h *DocumentHandler) IngestBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载: "+err.Error())
		return
	}
	job, err := h.docService.IngestBatch(c.Request.Context(), req.SourceTag, req.Documents)
	if err != nil {
		fail(c, "IngestBatch: 提交任务失败", err)
		return
	}
	respond(c, http.StatusAccepted, "批量任务已提交", gin.H{"jobId": job.ID, "status": job.Status})
}

// Get 返回文档详情。decrypt=true 时返回加密文档的明文，需要 documents:decrypt 权限。
func (h *DocumentHandler) Get(c *gin.Context) {
	decrypt := queryBool(c, "decrypt")
	if decrypt && !middleware.HasScope(c, token.ScopeDecrypt) {
		respond(c, http.StatusForbidden, "权限不足，需要 "+token.ScopeDecrypt, nil)
		return
	}
	doc, err := h.docService.Get(c.Request.Context(), c.Param("id"), decrypt)
	if err != nil {
		fail(c, "Get: 获取文档失败", err)
		return
	}
	ok(c, "获取文档成功", doc)
}

// List 按来源、标签、内容类型分页列出文档。
func (h *DocumentHandler) List(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		fail(c, "List", err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		fail(c, "List", err)
		return
	}
	list, err := h.docService.List(c.Request.Context(), model.DocumentFilter{
		SourceType:  model.SourceType(c.Query("sourceType")),
		SourceTag:   c.Query("sourceTag"),
		ContentType: c.Query("contentType"),
		Offset:      offset,
		Limit:       limit,
	})
	if err != nil {
		fail(c, "List: 获取文档列表失败", err)
		return
	}
	ok(c, "获取文档列表成功", list)
}

// Delete 删除文档及其索引和内容。
func (h *DocumentHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.docService.Delete(c.Request.Context(), id); err != nil {
		fail(c, "Delete: 删除文档失败", err)
		return
	}
	ok(c, "文档删除成功", gin.H{"id": id, "deletedAt": time.Now()})
}
