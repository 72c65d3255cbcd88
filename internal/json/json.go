// Package json 统一项目内的 JSON 编解码实现，底层为 bytedance/sonic，
// 行为与 encoding/json 保持一致（ConfigStd）。
package json

import (
	stdjson "encoding/json"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// RawMessage 为延迟解码的原始 JSON，与 encoding/json 类型兼容。
type RawMessage = stdjson.RawMessage

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid 报告 data 是否为合法 JSON。
func Valid(data []byte) bool {
	return api.Valid(data)
}
