// token_store.go — bearer 凭证的进程内槽位 + 磁盘持久化。
//
// 对应浏览器端的 localStorage["deepagent_jwt"]: 登录成功写入,
// 登出或任一请求返回认证失败时清除。
package auth

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/deepagent/sqlchat/pkg/errors"
	"github.com/deepagent/sqlchat/pkg/logger"
)

// TokenDisabled 后端关闭认证时下发的哨兵 token — 不附加 header 或查询参数。
const TokenDisabled = "disabled"

// TokenStore 单槽位凭证存储, 写入序列化由 mu 保证。
type TokenStore struct {
	mu     sync.Mutex
	path   string
	token  string
	loaded bool
}

// NewTokenStore 创建凭证存储。path 为空时使用 ~/.sqlchat/token。
func NewTokenStore(path string) *TokenStore {
	if strings.TrimSpace(path) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		path = filepath.Join(home, ".sqlchat", "token")
	}
	return &TokenStore{path: path}
}

// Token 返回当前凭证, 为空表示未登录。首次调用惰性读盘。
func (s *TokenStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.token
}

// Set 写入凭证并持久化。
func (s *TokenStore) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.loaded = true
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return apperrors.Wrap(err, "TokenStore.Set", "create token dir")
	}
	if err := os.WriteFile(s.path, []byte(token), 0o600); err != nil {
		return apperrors.Wrap(err, "TokenStore.Set", "write token file")
	}
	return nil
}

// Clear 清除凭证 (内存 + 磁盘)。幂等。
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.loaded = true
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		logger.Warn("auth: token file remove failed", logger.FieldPath, s.path, logger.FieldError, err)
	}
}

// AuthHeader 返回 Authorization header 值, ok=false 表示无需附加。
func (s *TokenStore) AuthHeader() (string, bool) {
	token := s.Token()
	if token == "" || token == TokenDisabled {
		return "", false
	}
	return "Bearer " + token, true
}

// WithTokenInURL 把 token 追加为查询参数。
//
// SSE 通道 (EventSource 语义) 无法携带自定义 header, token 只能走 URL。
func (s *TokenStore) WithTokenInURL(rawURL string) string {
	token := s.Token()
	if token == "" || token == TokenDisabled {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "token=" + url.QueryEscape(token)
}

// loadLocked 惰性从磁盘读取凭证。调用方持有 mu。
func (s *TokenStore) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("auth: token file read failed", logger.FieldPath, s.path, logger.FieldError, err)
		}
		return
	}
	s.token = strings.TrimSpace(string(data))
}
