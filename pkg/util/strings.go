package util

import "strings"

// FirstNonEmpty 返回第一个非空 (trim 后) 的字符串。
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// TruncateEllipsis 按 rune 截断 s 到 max 个字符, 截断时追加省略号。
//
// max <= 0 时原样返回。用于会话标题派生等显示场景,
// 按 rune 而非 byte 计数, 避免把多字节字符切成乱码。
func TruncateEllipsis(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
