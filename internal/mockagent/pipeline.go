// pipeline.go — scripted agent pipeline and the SSE stream handler.
package mockagent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deepagent/sqlchat/internal/agent"
	"github.com/deepagent/sqlchat/pkg/logger"
)

// handleStream claims the pending turn for the session and plays the
// scripted pipeline over SSE. A second claim for the same initiation
// gets 404, like a consumed pending: key.
func (s *Server) handleStream(c *gin.Context) {
	sid := c.Param("session_id")
	turn, ok := s.claim(sid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "no pending turn for session"})
		return
	}
	defer s.release(sid)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	for _, ev := range scriptFor(turn.query) {
		select {
		case <-c.Request.Context().Done():
			logger.Info("mockagent: stream client gone", logger.FieldSessionID, sid)
			return
		default:
		}
		if !s.writeEvent(c, ev) {
			return
		}
		if ev.Type == agent.EventToken && s.opts.TokenDelay > 0 {
			time.Sleep(s.opts.TokenDelay)
		}
	}
	logger.Info("mockagent: stream complete", logger.FieldSessionID, sid)
}

// writeEvent emits one JSON data frame.
func (s *Server) writeEvent(c *gin.Context, ev agent.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("mockagent: marshal event failed", logger.FieldError, err)
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

// scriptFor builds the canned event sequence for a query. The shapes
// follow the real pipeline: intent analysis, SQL generation, execution,
// result assembly, then a token-streamed natural-language answer.
func scriptFor(query string) []agent.Event {
	sql := "SELECT name FROM tables LIMIT 10"
	if strings.Contains(strings.ToLower(query), "count") {
		sql = "SELECT count(*) AS n FROM users"
	}

	events := []agent.Event{
		{Type: agent.EventThinking, Content: "Analyzing your question..."},
		{Type: agent.EventToolCall, Tool: "get_schema_context", Input: query},
		{Type: agent.EventSQL, Content: sql},
		{Type: agent.EventExecuting, Content: "Running query..."},
		{
			Type:     agent.EventResult,
			Columns:  []string{"name"},
			Rows:     []map[string]any{{"name": "users"}, {"name": "orders"}},
			RowCount: 2,
		},
	}
	for _, frag := range []string{"Found ", "2 matching ", "tables."} {
		events = append(events, agent.Event{Type: agent.EventToken, Content: frag})
	}
	return append(events, agent.Event{Type: agent.EventDone})
}

// ========================================
// schema 浏览
// ========================================

var sampleTables = []gin.H{
	{"name": "users", "display_name": "Users", "description": "Registered user accounts", "has_semantic": true},
	{"name": "orders", "display_name": "Orders", "description": "Customer orders", "has_semantic": true},
	{"name": "products", "display_name": "Products", "description": "Product catalog", "has_semantic": false},
}

func (s *Server) handleSchemaList(c *gin.Context) {
	c.JSON(http.StatusOK, sampleTables)
}

func (s *Server) handleSchemaDetail(c *gin.Context) {
	table := c.Param("table")
	for _, t := range sampleTables {
		if t["name"] != table {
			continue
		}
		c.JSON(http.StatusOK, gin.H{
			"table":        table,
			"display_name": t["display_name"],
			"description":  t["description"],
			"columns": []gin.H{
				{"name": "id", "type": "integer", "nullable": "NO", "display_name": "ID", "example_values": []string{"1", "2"}},
				{"name": "created_at", "type": "timestamp", "nullable": "NO", "display_name": "Created At", "example_values": []string{}},
			},
			"common_queries": []string{fmt.Sprintf("SELECT count(*) FROM %s", table)},
			"joins":          []string{},
		})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "unknown table"})
}
