// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
// .env 文件由 cmd 入口通过 godotenv 预加载。
package config

import (
	"time"

	"github.com/deepagent/sqlchat/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 后端 API
	APIBaseURL     string `env:"API_BASE_URL" default:"http://127.0.0.1:8000"`
	HTTPTimeoutSec int    `env:"HTTP_TIMEOUT_SEC" default:"30" min:"1"`

	// SSE 流
	// STREAM_IDLE_TIMEOUT_SEC=0 表示关闭空闲超时 (保留上游原始行为:
	// 一个永不结束的流会让消息一直处于 streaming 状态)。
	StreamIdleTimeoutSec int `env:"STREAM_IDLE_TIMEOUT_SEC" default:"300" min:"0"`

	// 认证
	TokenPath string `env:"TOKEN_PATH" default:""` // 为空时使用 ~/.sqlchat/token

	// 会话
	SessionTitleMaxRunes int `env:"SESSION_TITLE_MAX_RUNES" default:"32" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"LOG_DIR" default:".sqlchat/logs"`

	// mock-agent (本地开发后端)
	MockAgentPort     int    `env:"MOCK_AGENT_PORT" default:"8000" min:"1"`
	MockTokenDelayMS  int    `env:"MOCK_TOKEN_DELAY_MS" default:"20" min:"0"`
	MockPendingTTLSec int    `env:"MOCK_PENDING_TTL_SEC" default:"60" min:"1"`
	MockClaimedTTLSec int    `env:"MOCK_CLAIMED_TTL_SEC" default:"30" min:"1"`
	MockAuthEnabled   bool   `env:"MOCK_AUTH_ENABLED" default:"false"`
	MockAdminUsername string `env:"MOCK_ADMIN_USERNAME" default:"admin"`
	MockAdminPassword string `env:"MOCK_ADMIN_PASSWORD" default:"admin"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// HTTPTimeout 返回一次性请求超时。
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

// StreamIdleTimeout 返回流空闲超时, 0 表示关闭。
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSec) * time.Second
}
