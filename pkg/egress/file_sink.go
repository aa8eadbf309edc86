package egress

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FileSink 把诊断产物写入本地目录
// 文件命名：<rule>_<pid>_<kind>_20240318_153000_1.bin
type FileSink struct {
	dir   string
	mu    sync.Mutex
	index int
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create egress directory failed: %w", err)
	}
	return &FileSink{dir: dir, index: 1}, nil
}

func (s *FileSink) Write(ctx context.Context, meta Meta, r io.Reader) (string, error) {
	s.mu.Lock()
	idx := s.index
	s.index++
	s.mu.Unlock()

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("%s_%d_%s_%s_%d.bin", meta.Rule, meta.PID, meta.Kind, timestamp, idx)
	path := filepath.Join(s.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		logrus.Errorf("Failed to create artifact file: %v", err)
		return "", err
	}

	written, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// 残缺的产物文件没有价值，尽力清理
		_ = os.Remove(path)
		logrus.Errorf("Failed to write artifact file: %v", err)
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"rule":  meta.Rule,
		"pid":   meta.PID,
		"kind":  meta.Kind,
		"path":  path,
		"bytes": written,
	}).Info("artifact written")
	return path, nil
}
