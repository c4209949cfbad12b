package signal

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 中文说明：
// 模型被要求输出结构化 JSON，但输出形状不受信任。这里只校验“骨架”：
// action 必须存在，价格字段若出现必须是数字或可解析的字符串。
// 具体的数值范围与方向关系校验在 parser 里做。

const signalSchemaJSON = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action":       {"type": "string", "minLength": 1},
    "symbol":       {"type": ["string", "null"]},
    "instrument":   {"type": ["string", "null"]},
    "pair":         {"type": ["string", "null"]},
    "entry":        {"type": ["number", "string", "null"]},
    "entry_price":  {"type": ["number", "string", "null"]},
    "stop_loss":    {"type": ["number", "string", "null"]},
    "sl":           {"type": ["number", "string", "null"]},
    "take_profit":  {"type": ["number", "string", "null"]},
    "tp":           {"type": ["number", "string", "null"]},
    "risk_percent": {"type": ["number", "string", "null"]},
    "confidence":   {"type": ["number", "string", "null"]}
  }
}`

var signalSchema = jsonschema.MustCompileString("signal.schema.json", signalSchemaJSON)

func validateSignalJSON(block string) error {
	var doc any
	if err := json.Unmarshal([]byte(block), &doc); err != nil {
		return fmt.Errorf("json 解析失败: %w", err)
	}
	if err := signalSchema.Validate(doc); err != nil {
		return fmt.Errorf("signal json 不符合骨架: %w", err)
	}
	return nil
}
