package handler

import (
	"github.com/gin-gonic/gin"
	"pkm-engine/internal/middleware"
	"pkm-engine/pkg/token"
)

// Handlers 汇总所有控制器，由 main 组装。
type Handlers struct {
	Documents     *DocumentHandler
	Search        *SearchHandler
	Graph         *GraphHandler
	Files         *FileHandler
	Jobs          *JobHandler
	Notifications *NotificationHandler
	Health        *HealthHandler
	Auth          *AuthHandler
}

// NewRouter 注册 /api/v1 下的全部路由。authEnabled=false 时所有请求以本地身份放行。
func NewRouter(h Handlers, jwtManager *token.JWTManager, authEnabled bool) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	apiV1 := r.Group("/api/v1")
	{
		// 无需认证
		apiV1.GET("/health", h.Health.Check)
		if h.Auth != nil {
			apiV1.POST("/auth/token", h.Auth.Token)
		}

		authed := apiV1.Group("/")
		authed.Use(middleware.AuthMiddleware(jwtManager, authEnabled))

		read := middleware.RequireScope(token.ScopeRead)
		write := middleware.RequireScope(token.ScopeWrite)

		documents := authed.Group("/documents")
		{
			documents.POST("/ingest", write, h.Documents.Ingest)
			documents.POST("/batch", write, h.Documents.IngestBatch)
			documents.GET("", read, h.Documents.List)
			documents.GET("/:id", read, h.Documents.Get)
			documents.DELETE("/:id", write, h.Documents.Delete)
		}

		search := authed.Group("/search")
		{
			search.GET("", read, h.Search.Query)
			search.POST("", read, h.Search.Query)
			search.GET("/suggest", read, h.Search.Suggest)
		}

		graph := authed.Group("/graph")
		{
			graph.GET("/nodes", read, h.Graph.Nodes)
			graph.GET("/edges", read, h.Graph.Edges)
			graph.DELETE("/nodes/:id", write, h.Graph.DeleteNode)
		}

		files := authed.Group("/files")
		{
			files.POST("/watch", write, h.Files.Watch)
			files.POST("/unwatch", write, h.Files.Unwatch)
			files.GET("/watched", read, h.Files.Watched)
		}

		jobs := authed.Group("/jobs")
		{
			jobs.GET("/:id", read, h.Jobs.Status)
			jobs.POST("/:id/cancel", write, h.Jobs.Cancel)
		}

		notifications := authed.Group("/notifications")
		{
			notifications.GET("", read, h.Notifications.List)
			notifications.GET("/ws", read, h.Notifications.Stream)
		}
	}
	return r
}
