package egress

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/diag_collect_engine/pkg/config"
)

// 测试产物写入和文件命名
func TestFileSinkWrite(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	meta := Meta{Rule: "high-cpu", PID: 1234, Kind: "dump", Action: "CollectDump"}
	ref, err := sink.Write(context.Background(), meta, strings.NewReader("dump-payload"))
	require.NoError(t, err)

	// 引用就是落盘路径
	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, "dump-payload", string(data))

	name := filepath.Base(ref)
	assert.True(t, strings.HasPrefix(name, "high-cpu_1234_dump_"), name)
	assert.True(t, strings.HasSuffix(name, ".bin"), name)
}

// 测试同一sink连续写入产生不同的文件
func TestFileSinkSequentialWrites(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	meta := Meta{Rule: "r", PID: 1, Kind: "trace"}
	ref1, err := sink.Write(context.Background(), meta, strings.NewReader("a"))
	require.NoError(t, err)
	ref2, err := sink.Write(context.Background(), meta, strings.NewReader("b"))
	require.NoError(t, err)

	assert.NotEqual(t, ref1, ref2)
}

// 测试registry按配置构建命名sink
func TestRegistryFromConfig(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(map[string]config.EgressConfig{
		"local":  {Type: "file", Directory: filepath.Join(dir, "a")},
		"backup": {Type: "file", Directory: filepath.Join(dir, "b")},
	})
	require.NoError(t, err)

	_, ok := reg.Get("local")
	assert.True(t, ok)
	_, ok = reg.Get("backup")
	assert.True(t, ok)
	_, ok = reg.Get("missing")
	assert.False(t, ok)
	assert.Len(t, reg.Names(), 2)

	// 未知类型在构建时报错
	_, err = NewRegistry(map[string]config.EgressConfig{
		"queue": {Type: "kafka", Directory: "x"},
	})
	assert.Error(t, err)
}
