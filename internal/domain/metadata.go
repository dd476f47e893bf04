package domain

import (
	"encoding/json"
	"fmt"
)

// 元数据按关注点分命名空间存放，避免不同来源的键互相覆盖。
const (
	MetadataKeyTPSL           = "tp_sl"
	MetadataKeyRecommendation = "recommendation"
)

// Metadata 是订单上的命名空间化元数据容器。
// 每个命名空间内是一个带 schema_version 的结构化子记录。
type Metadata map[string]json.RawMessage

// TPSLMetadata 保存止盈止损订单的重算依据。
type TPSLMetadata struct {
	SchemaVersion         int      `json:"schema_version"`
	TakeProfitPercent     *float64 `json:"tp_percent,omitempty"`
	StopLossPercent       *float64 `json:"sl_percent,omitempty"`
	ReferenceValue        string   `json:"reference_value,omitempty"`
	ParentFilledPrice     *float64 `json:"parent_filled_price,omitempty"`
	RecalculatedAtTrigger bool     `json:"recalculated_at_trigger"`
}

// TPSLSchemaVersion 是当前 TP_SL 子记录的版本号。
const TPSLSchemaVersion = 1

// RecommendationMetadata 记录订单的建议来源，用于追溯。
type RecommendationMetadata struct {
	SchemaVersion int    `json:"schema_version"`
	ExpertID      string `json:"expert_id"`
	UseCase       string `json:"use_case"`
	RuleName      string `json:"rule_name,omitempty"`
}

// Set 将结构化子记录写入指定命名空间。
func (m *Metadata) Set(namespace string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化元数据命名空间 %q 失败: %w", namespace, err)
	}
	if *m == nil {
		*m = make(Metadata, 1)
	}
	(*m)[namespace] = raw
	return nil
}

// Get 从指定命名空间解出结构化子记录，不存在时返回 false。
func (m Metadata) Get(namespace string, v interface{}) (bool, error) {
	raw, ok := m[namespace]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("解析元数据命名空间 %q 失败: %w", namespace, err)
	}
	return true, nil
}

// TPSL 返回 TP_SL 子记录，不存在时返回 nil。
func (m Metadata) TPSL() (*TPSLMetadata, error) {
	var meta TPSLMetadata
	ok, err := m.Get(MetadataKeyTPSL, &meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &meta, nil
}

// SetTPSL 写入 TP_SL 子记录并补齐版本号。
func (m *Metadata) SetTPSL(meta TPSLMetadata) error {
	if meta.SchemaVersion == 0 {
		meta.SchemaVersion = TPSLSchemaVersion
	}
	return m.Set(MetadataKeyTPSL, meta)
}

// Encode 将整个元数据容器序列化为 JSON，用于入库。
func (m Metadata) Encode() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// DecodeMetadata 从 JSON 恢复元数据容器。
func DecodeMetadata(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return Metadata{}, nil
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("解析订单元数据失败: %w", err)
	}
	return m, nil
}
