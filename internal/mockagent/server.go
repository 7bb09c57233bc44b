// Package mockagent is a local stand-in for the query-agent backend,
// used for development and end-to-end tests. It speaks the exact wire
// contract the client expects: turn initiation, SSE event stream,
// login, and the schema browser endpoints — with a scripted pipeline
// in place of a real intent→SQL→execution chain.
package mockagent

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/deepagent/sqlchat/pkg/logger"
)

// Options controls the server's behavior.
type Options struct {
	// AuthEnabled 为 false 时登录返回 "disabled" 哨兵 token, 所有请求放行
	AuthEnabled   bool
	AdminUsername string
	AdminPassword string

	// TokenDelay 模拟 token 逐帧输出的间隔
	TokenDelay time.Duration

	// PendingTTL / ClaimedTTL 对应后端 pending:/claimed: 键的过期窗口
	PendingTTL time.Duration
	ClaimedTTL time.Duration
}

// pendingTurn is one initiated-but-unclaimed (or claimed-and-running)
// turn, keyed by session id.
type pendingTurn struct {
	query     string
	createdAt time.Time
	claimed   bool
	claimedAt time.Time
}

// Server 模拟后端。
type Server struct {
	opts   Options
	engine *gin.Engine

	mu      sync.Mutex
	pending map[string]*pendingTurn
	tokens  map[string]struct{}
}

// New builds the server with all routes registered.
func New(opts Options) *Server {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 60 * time.Second
	}
	if opts.ClaimedTTL <= 0 {
		opts.ClaimedTTL = 30 * time.Second
	}

	s := &Server{
		opts:    opts,
		pending: make(map[string]*pendingTurn),
		tokens:  make(map[string]struct{}),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/auth/login", s.handleLogin)
	r.POST("/api/chat", s.requireAuth, s.handleChat)
	r.GET("/api/chat/stream/:session_id", s.requireStreamAuth, s.handleStream)
	r.GET("/api/schema", s.requireAuth, s.handleSchemaList)
	r.GET("/api/schema/:table", s.requireAuth, s.handleSchemaDetail)

	s.engine = r
	return s
}

// Handler exposes the gin engine for httptest servers.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error {
	logger.Info("mockagent: listening", logger.FieldAddr, addr)
	return s.engine.Run(addr)
}

// ========================================
// 认证
// ========================================

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "bad request"})
		return
	}

	if !s.opts.AuthEnabled {
		c.JSON(http.StatusOK, gin.H{"access_token": "disabled", "token_type": "bearer"})
		return
	}
	if req.Username != s.opts.AdminUsername || req.Password != s.opts.AdminPassword {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Unauthorized"})
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = struct{}{}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "bearer"})
}

func (s *Server) tokenValid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[token]
	return ok
}

// requireAuth 校验 Authorization header 中的 bearer token。
func (s *Server) requireAuth(c *gin.Context) {
	if !s.opts.AuthEnabled {
		c.Next()
		return
	}
	hdr := c.GetHeader("Authorization")
	token := strings.TrimPrefix(hdr, "Bearer ")
	if hdr == "" || token == hdr || !s.tokenValid(token) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Unauthorized"})
		return
	}
	c.Next()
}

// requireStreamAuth 校验查询参数中的 token (流通道无法携带 header)。
func (s *Server) requireStreamAuth(c *gin.Context) {
	if !s.opts.AuthEnabled {
		c.Next()
		return
	}
	if !s.tokenValid(c.Query("token")) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Unauthorized"})
		return
	}
	c.Next()
}

// ========================================
// turn 发起
// ========================================

func (s *Server) handleChat(c *gin.Context) {
	var req struct {
		Query     string `json:"query"`
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "empty query"})
		return
	}

	sid := req.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}

	s.mu.Lock()
	s.expireLocked()
	s.pending[sid] = &pendingTurn{query: req.Query, createdAt: time.Now()}
	s.mu.Unlock()

	logger.Info("mockagent: turn accepted", logger.FieldSessionID, sid)
	c.JSON(http.StatusOK, gin.H{
		"session_id": sid,
		"stream_url": "/api/chat/stream/" + sid,
	})
}

// claim moves a pending turn to claimed, one claim per initiation.
func (s *Server) claim(sid string) (*pendingTurn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	turn, ok := s.pending[sid]
	if !ok || turn.claimed {
		return nil, false
	}
	turn.claimed = true
	turn.claimedAt = time.Now()
	return turn, true
}

func (s *Server) release(sid string) {
	s.mu.Lock()
	delete(s.pending, sid)
	s.mu.Unlock()
}

// expireLocked drops entries past their TTL window, mirroring the
// pending/claimed key expiry of the real backend.
func (s *Server) expireLocked() {
	now := time.Now()
	for sid, turn := range s.pending {
		switch {
		case turn.claimed && now.Sub(turn.claimedAt) > s.opts.ClaimedTTL:
			delete(s.pending, sid)
		case !turn.claimed && now.Sub(turn.createdAt) > s.opts.PendingTTL:
			delete(s.pending, sid)
		}
	}
}
