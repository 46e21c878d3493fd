package plan

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadFile 从 JSON 文件加载调仓计划并做规范化校验。
func LoadFile(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: 读取计划文件失败: %w", err)
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("plan: 解析计划文件失败: %w", err)
	}

	if err := p.Normalize(); err != nil {
		return Plan{}, err
	}

	return p, nil
}

// Normalize 规范化计划中的动作取值，非法动作直接报错而不是静默跳过。
func (p *Plan) Normalize() error {
	if p.ID == "" {
		return fmt.Errorf("plan: 计划缺少 id")
	}

	for i, item := range p.Items {
		action, err := ParseAction(string(item.Action))
		if err != nil {
			return fmt.Errorf("plan: 计划项 %q 动作非法: %w", item.Symbol, err)
		}
		p.Items[i].Action = action
	}

	return nil
}
