// Package auth 提供 JWT 校验，将令牌转换为已验证的调用者身份
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/xilian/equipment-stream/internal/config"
)

// principalKey gin 上下文中保存身份的键
const principalKey = "principal"

var (
	// ErrMissingToken 请求未携带令牌
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken 令牌校验失败
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoSecret 未配置密钥，任何令牌都无法通过校验
	ErrNoSecret = errors.New("no signing secret configured")
)

// Principal 已验证的调用者
type Principal struct {
	Subject   string    `json:"subject"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// HasRole 是否拥有指定角色
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claims 令牌声明
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier HS256 令牌校验器
//
// 只有显式关闭鉴权时才返回匿名身份；未关闭且密钥为空时拒绝所有请求。
type Verifier struct {
	disabled   bool
	secret     []byte
	issuer     string
	cookieName string
	now        func() time.Time
}

// NewVerifier 创建校验器
func NewVerifier(cfg config.AuthConfig) *Verifier {
	cookie := cfg.CookieName
	if cookie == "" {
		cookie = "auth_token"
	}
	return &Verifier{
		disabled:   cfg.Disabled,
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.Issuer,
		cookieName: cookie,
		now:        time.Now,
	}
}

// Enabled 是否开启鉴权
func (v *Verifier) Enabled() bool {
	return !v.disabled
}

// Configured 开启鉴权时是否已配置密钥
func (v *Verifier) Configured() bool {
	return v.disabled || len(v.secret) > 0
}

// Verify 校验令牌并返回身份
func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	if len(v.secret) == 0 {
		return nil, ErrNoSecret
	}
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	p := &Principal{Subject: claims.Subject, Roles: claims.Roles}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// FromRequest 依次从 Authorization 头、Cookie、access_token 查询参数取令牌
//
// EventSource 不能设置请求头，浏览器端只能走 Cookie 或查询参数。
func (v *Verifier) FromRequest(r *http.Request) (*Principal, error) {
	if !v.Enabled() {
		return &Principal{Subject: "anonymous"}, nil
	}
	return v.Verify(v.extractToken(r))
}

// Issue 签发令牌
func (v *Verifier) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNoSecret
	}
	now := v.now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *Verifier) extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("access_token")
}

// Authenticate 解析身份并写入上下文，不拦截请求
func Authenticate(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p, err := v.FromRequest(c.Request); err == nil {
			c.Set(principalKey, p)
		}
		c.Next()
	}
}

// RequireAuth 未通过鉴权时返回 401
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if PrincipalFrom(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// PrincipalFrom 取出上下文中的身份，未鉴权时返回 nil
func PrincipalFrom(c *gin.Context) *Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}
