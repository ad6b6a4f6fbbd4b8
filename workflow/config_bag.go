package workflow

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ConfigBag 节点配置的开放 key-value 包，存储层以 JSON 保存，
// 读取时通过 DecodeNode 转成强类型的 NodeSpec
type ConfigBag struct {
	data map[string]any
}

// NewConfigBag 从 JSON 字节创建配置包, 非法的 JSON 当作空配置
func NewConfigBag(b []byte) *ConfigBag {
	bag := &ConfigBag{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &bag.data); err != nil || bag.data == nil {
			bag.data = make(map[string]any)
		}
	}
	return bag
}

// NewConfigBagFromMap 从 map 创建配置包
func NewConfigBagFromMap(m map[string]any) *ConfigBag {
	if m == nil {
		m = make(map[string]any)
	}
	return &ConfigBag{data: m}
}

// Get 获取值，支持嵌套路径
// 例如: Get("headers", "accept") 获取 headers.accept
func (c *ConfigBag) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}

	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// GetString 获取字符串值
func (c *ConfigBag) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetInt64 获取 int64 值, 字符串按开头的数字解析, 例如 "50" 和 "50ms" 都是 50
func (c *ConfigBag) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}

	switch v := val.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	case string:
		return parseLeadingInt(v)
	default:
		return 0, false
	}
}

// ToBytes 转换为 JSON 字节
func (c *ConfigBag) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

// parseLeadingInt 解析开头的整数部分, 例如 "50abc" 得到 50, "12.9" 得到 12,
// 开头没有数字时返回 false
func parseLeadingInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digitsStart := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digitsStart {
		return 0, false
	}
	i, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return i, true
}
