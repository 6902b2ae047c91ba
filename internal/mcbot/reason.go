package mcbot

import (
	"encoding/json"
	"strings"
)

// FlattenReason 将踢出原因展平为纯文本
//
// 协议库给出的原因可能是纯字符串，也可能是嵌套的聊天组件
// （{"text": ..., "extra": [...]} 或 {"translate": ..., "with": [...]}），
// 统一展平后写入会话记录和广播事件。
func FlattenReason(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		// 不是合法 JSON，按纯文本处理
		return strings.TrimSpace(string(raw))
	}
	return strings.TrimSpace(flattenValue(v))
}

func flattenValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []interface{}:
		var b strings.Builder
		for _, item := range val {
			b.WriteString(flattenValue(item))
		}
		return b.String()
	case map[string]interface{}:
		var b strings.Builder
		if text, ok := val["text"].(string); ok {
			b.WriteString(text)
		}
		if translate, ok := val["translate"].(string); ok {
			b.WriteString(translate)
			if with, ok := val["with"].([]interface{}); ok && len(with) > 0 {
				parts := make([]string, 0, len(with))
				for _, w := range with {
					if s := flattenValue(w); s != "" {
						parts = append(parts, s)
					}
				}
				if len(parts) > 0 {
					b.WriteString(" [" + strings.Join(parts, ", ") + "]")
				}
			}
		}
		if extra, ok := val["extra"].([]interface{}); ok {
			for _, e := range extra {
				b.WriteString(flattenValue(e))
			}
		}
		return b.String()
	case float64, bool:
		data, _ := json.Marshal(val)
		return string(data)
	default:
		return ""
	}
}
