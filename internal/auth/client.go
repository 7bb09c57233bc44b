// client.go — 登录接口客户端。
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/deepagent/sqlchat/pkg/errors"
	"github.com/deepagent/sqlchat/pkg/logger"
)

// LoginRequest POST /api/auth/login 请求体。
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse 登录成功响应。
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Client 认证接口客户端, 登录成功后自动写入 TokenStore。
type Client struct {
	baseURL string
	httpCli *http.Client
	store   *TokenStore
}

// NewClient 创建认证客户端。
func NewClient(baseURL string, timeout time.Duration, store *TokenStore) *Client {
	return &Client{
		baseURL: baseURL,
		httpCli: &http.Client{Timeout: timeout},
		store:   store,
	}
}

// Login 用户名密码登录。成功后凭证持久化到 TokenStore。
func (c *Client) Login(ctx context.Context, username, password string) error {
	const op = "Auth.Login"

	body, err := json.Marshal(LoginRequest{Username: username, Password: password})
	if err != nil {
		return apperrors.Wrap(err, op, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, op, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return apperrors.Wrap(err, op, "request failed")
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			return apperrors.Wrap(apperrors.ErrUnauthorized, op, "invalid credentials")
		}
		return apperrors.Wrap(apperrors.ErrInternal, op, fmt.Sprintf("login failed: status=%d body=%s", resp.StatusCode, string(data)))
	}

	var lr LoginResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return apperrors.Wrap(err, op, "decode response")
	}
	if lr.AccessToken == "" {
		return apperrors.Wrap(apperrors.ErrInternal, op, "empty access_token in response")
	}

	if err := c.store.Set(lr.AccessToken); err != nil {
		return err
	}
	logger.Info("auth: login ok", logger.FieldURL, c.baseURL)
	return nil
}
