package handler

import (
	"github.com/gin-gonic/gin"
	"pkm-engine/internal/service"
	"pkm-engine/pkg/log"
)

// AuthHandler 签发访问令牌。
type AuthHandler struct {
	authService service.AuthService
}

func NewAuthHandler(authService service.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

type tokenRequest struct {
	ClientID     string   `json:"clientId" binding:"required"`
	ClientSecret string   `json:"clientSecret" binding:"required"`
	Scopes       []string `json:"scopes"`
}

// Token 用客户端密钥换取 JWT，scopes 为空时授予读写权限。
func (h *AuthHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载: "+err.Error())
		return
	}
	issued, err := h.authService.IssueToken(req.ClientID, req.ClientSecret, req.Scopes)
	if err != nil {
		log.Warnf("[AuthHandler] 客户端 %s 换取 token 失败: %v", req.ClientID, err)
		fail(c, "Token", err)
		return
	}
	ok(c, "签发成功", issued)
}
