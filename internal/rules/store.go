package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore 从目录加载规则集，每个规则集一个 JSON 文件。
// 条件与动作参数以原始 JSON 保存，导出导入保持逐字往返。
type FileStore struct {
	dir string
}

// NewFileStore 构造规则集文件存储。
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Load 按名称加载并校验一个规则集。
func (s *FileStore) Load(name string) (Ruleset, error) {
	path := filepath.Join(s.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Ruleset{}, fmt.Errorf("读取规则集 %s 失败: %w", name, err)
	}

	var rs Ruleset
	if err := json.Unmarshal(data, &rs); err != nil {
		return Ruleset{}, fmt.Errorf("解析规则集 %s 失败: %w", name, err)
	}
	if rs.Name == "" {
		rs.Name = name
	}
	if err := rs.Validate(); err != nil {
		return Ruleset{}, fmt.Errorf("规则集 %s 校验失败: %w", name, err)
	}
	return rs, nil
}

// Save 将规则集原样写回文件。
func (s *FileStore) Save(rs Ruleset) error {
	if err := rs.Validate(); err != nil {
		return fmt.Errorf("规则集 %s 校验失败: %w", rs.Name, err)
	}
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化规则集 %s 失败: %w", rs.Name, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("创建规则集目录失败: %w", err)
	}
	path := filepath.Join(s.dir, rs.Name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("写入规则集 %s 失败: %w", rs.Name, err)
	}
	return nil
}

// List 返回目录下全部规则集名称。
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("读取规则集目录失败: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return names, nil
}
