package service

import (
	"slices"
	"strings"
	"time"

	"pkm-engine/internal/model"
	"pkm-engine/pkg/hash"
	"pkm-engine/pkg/log"
	"pkm-engine/pkg/token"
)

// IssuedToken 是 /auth/token 的返回值。
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Scopes    []string  `json:"scopes"`
}

// AuthService 用客户端密钥换取 JWT。
type AuthService interface {
	IssueToken(clientID, secret string, scopes []string) (*IssuedToken, error)
}

type authService struct {
	jwt        *token.JWTManager
	secretHash string
}

// NewAuthService secretHash 是客户端密钥的 bcrypt 哈希。
func NewAuthService(jwt *token.JWTManager, secretHash string) AuthService {
	return &authService{jwt: jwt, secretHash: secretHash}
}

func (s *authService) IssueToken(clientID, secret string, scopes []string) (*IssuedToken, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" || secret == "" {
		return nil, model.NewValidationError("clientId and clientSecret are required")
	}
	if s.secretHash == "" || !hash.CheckPasswordHash(secret, s.secretHash) {
		log.Warnf("[AuthService] 客户端 %s 密钥校验失败", clientID)
		return nil, model.ErrUnauthorized
	}

	granted := token.AllScopes
	if len(scopes) > 0 {
		granted = nil
		for _, sc := range scopes {
			if !slices.Contains(token.AllScopes, sc) {
				return nil, model.NewValidationError("unknown scope %q", sc)
			}
			granted = append(granted, sc)
		}
	}

	tok, exp, err := s.jwt.GenerateToken(clientID, granted)
	if err != nil {
		return nil, err
	}
	log.Infof("[AuthService] 为客户端 %s 签发 token, scopes=%v", clientID, granted)
	return &IssuedToken{Token: tok, ExpiresAt: exp, Scopes: granted}, nil
}
