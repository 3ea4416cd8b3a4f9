package auth

import (
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity 是整个同步服务唯一的身份契约：在鉴权边界解析一次，
// 之后所有组件只认这个结构，不再去猜 token 里有哪些字段。
type Identity struct {
	SubjectID   string
	DisplayName string
}

type Claims struct {
	// Go的结构体标签需要用反引号
	SubjectID   string `json:"sub"`
	DisplayName string `json:"name"`
	RoomID      string `json:"roomId,omitempty"`
	Type        string `json:"typ"` // "access" 或 "join"
	jwt.RegisteredClaims
}

func (c *Claims) Identity() Identity {
	return Identity{SubjectID: c.SubjectID, DisplayName: c.DisplayName}
}

func getSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}
	return []byte(secret)
}

// SignAccessToken 签发普通访问令牌（协作握手等 HTTP 接口用）
func SignAccessToken(id Identity, expiresAt time.Time) (string, error) {
	claims := &Claims{
		SubjectID:   id.SubjectID,
		DisplayName: id.DisplayName,
		Type:        "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(getSecret())
}

// SignJoinToken 签发入房令牌：绑定身份和目标房间，有效期与房间一致
func SignJoinToken(id Identity, roomID string, expiresAt time.Time) (string, error) {
	claims := &Claims{
		SubjectID:   id.SubjectID,
		DisplayName: id.DisplayName,
		RoomID:      roomID,
		Type:        "join",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(getSecret())
}

// ParseToken 解析任意 token（access/join），返回 Claims
func ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return getSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// ExtractBearer 处理 "Bearer " 前缀（大小写不敏感）
func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
