// cmd/mock-agent — 本地开发用模拟查询 agent 后端。
package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"github.com/deepagent/sqlchat/internal/config"
	"github.com/deepagent/sqlchat/internal/mockagent"
	"github.com/deepagent/sqlchat/pkg/logger"
)

func main() {
	// .env 可选, 不存在时直接用环境变量/默认值
	_ = godotenv.Load()

	cfg := config.Load()
	logger.Init("production")
	logger.SetLevel(cfg.LogLevel)

	srv := mockagent.New(mockagent.Options{
		AuthEnabled:   cfg.MockAuthEnabled,
		AdminUsername: cfg.MockAdminUsername,
		AdminPassword: cfg.MockAdminPassword,
		TokenDelay:    time.Duration(cfg.MockTokenDelayMS) * time.Millisecond,
		PendingTTL:    time.Duration(cfg.MockPendingTTLSec) * time.Second,
		ClaimedTTL:    time.Duration(cfg.MockClaimedTTLSec) * time.Second,
	})

	addr := fmt.Sprintf(":%d", cfg.MockAgentPort)
	logger.Infow("mock-agent starting", logger.FieldPort, cfg.MockAgentPort, "auth_enabled", cfg.MockAuthEnabled)
	if err := srv.Run(addr); err != nil {
		logger.Fatal("mock-agent exited", logger.FieldError, err)
	}
}
