// Package agent 定义 DeepAgent SSE 事件模型。
//
// 事件是封闭的 tagged union: type 判别字段 + 按变体可选的载荷字段。
// 未知 type 视为解码失败 (丢弃并记录), 不是崩溃。
package agent

import (
	"encoding/json"

	apperrors "github.com/deepagent/sqlchat/pkg/errors"
)

// EventType 事件判别值。
type EventType string

// ========================================
// 事件类型常量 (与后端 events.py 一一对应)
// ========================================

const (
	// 进度阶段
	EventPlan      EventType = "plan"      // 保留, 仅展示
	EventThinking  EventType = "thinking"  // 当前阶段文字说明
	EventToolCall  EventType = "tool_call" // agent 调用内部能力 (不渲染)
	EventSQL       EventType = "sql"       // 本阶段最终生成的查询文本
	EventExecuting EventType = "executing" // 查询执行中

	// 结果与回答
	EventResult EventType = "result" // 表格结果集
	EventAnswer EventType = "answer" // 保留, 仅展示
	EventToken  EventType = "token"  // 自然语言回答的增量片段

	// 终止
	EventError EventType = "error" // 后端失败 (终止或阶段局部)
	EventDone  EventType = "done"  // 显式结束信号
)

// validTypes 封闭集合 — Decode 拒绝集合外的 type。
var validTypes = map[EventType]struct{}{
	EventPlan:      {},
	EventThinking:  {},
	EventToolCall:  {},
	EventSQL:       {},
	EventExecuting: {},
	EventResult:    {},
	EventAnswer:    {},
	EventToken:     {},
	EventError:     {},
	EventDone:      {},
}

// Event 一条 SSE 帧解码后的事件。type 以外的字段按变体可选。
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`

	// tool_call
	Tool  string `json:"tool,omitempty"`
	Input string `json:"input,omitempty"`

	// result
	Columns  []string         `json:"columns,omitempty"`
	Rows     []map[string]any `json:"rows,omitempty"`
	RowCount int              `json:"row_count,omitempty"`
}

// Terminal 返回事件是否为显式结束信号。
//
// 注意: error 事件不终止流 — 只有 done 或传输层关闭
// 会翻转消息的 streaming 标志。
func (e Event) Terminal() bool { return e.Type == EventDone }

// Known 返回 t 是否属于封闭集合。
func Known(t EventType) bool {
	_, ok := validTypes[t]
	return ok
}

// Decode 将一条 SSE data 载荷解码为 Event。
//
// 失败情形 (均为 DecodeFailure, 调用方丢弃该帧):
//   - JSON 语法错误
//   - type 缺失或不在封闭集合内
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, apperrors.Wrap(err, "agent.Decode", "malformed frame")
	}
	if ev.Type == "" {
		return Event{}, apperrors.New("agent.Decode", "frame missing type")
	}
	if !Known(ev.Type) {
		return Event{}, apperrors.Newf("agent.Decode", "unknown event type %q", ev.Type)
	}
	return ev, nil
}
