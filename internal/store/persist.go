package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trade-narrator/inventory"
)

// readPositions 逐条解码持仓；整表无法解析时返回错误，单条解析失败的记录原样放入 rejected。
func readPositions(path string) (map[string]inventory.Position, map[string]json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var rows map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	positions := make(map[string]inventory.Position, len(rows))
	rejected := make(map[string]json.RawMessage)
	for asset, row := range rows {
		var p inventory.Position
		if err := json.Unmarshal(row, &p); err != nil {
			rejected[asset] = row
			continue
		}
		positions[asset] = p
	}
	return positions, rejected, nil
}

// readHistory 逐条解码历史；缺少 ID 的旧记录按资产与平仓时间补齐。
func readHistory(path string) ([]inventory.ClosedTrade, []json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	history := make([]inventory.ClosedTrade, 0, len(rows))
	var rejected []json.RawMessage
	for _, row := range rows {
		var t inventory.ClosedTrade
		if err := json.Unmarshal(row, &t); err != nil {
			rejected = append(rejected, row)
			continue
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("%s-%d", t.Asset, t.ClosedAt.UnixMilli())
		}
		history = append(history, t)
	}
	return history, rejected, nil
}

// rejectedPath 单条损坏记录的留存文件
func rejectedPath(path string, now time.Time) string {
	return fmt.Sprintf("%s.rejected-%d", path, now.Unix())
}

// writeJSON 先写临时文件并 fsync，再 rename 覆盖，磁盘上不会出现半写的表。
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// quarantine 保留损坏文件的副本，缺失文件直接忽略。
func quarantine(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("quarantine %s: %w", filepath.Base(path), err)
	}
	return nil
}
