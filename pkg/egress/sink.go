package egress

import (
	"context"
	"fmt"
	"io"

	"github.com/haolipeng/diag_collect_engine/pkg/config"
)

// Meta 描述一个待外发的诊断产物
type Meta struct {
	Rule   string
	PID    int
	Kind   string // dump / trace / metrics
	Action string
}

// Sink 是产物外发目的地的抽象
// 具体后端（对象存储、消息队列等）是外部协作方，这里只内置文件实现
type Sink interface {
	Write(ctx context.Context, meta Meta, r io.Reader) (ref string, err error)
}

// Registry 按名称持有配置的egress sink
type Registry struct {
	sinks map[string]Sink
}

// NewRegistry 根据配置构建所有命名sink
func NewRegistry(cfg map[string]config.EgressConfig) (*Registry, error) {
	r := &Registry{sinks: make(map[string]Sink)}
	for name, def := range cfg {
		switch def.Type {
		case "file":
			sink, err := NewFileSink(def.Directory)
			if err != nil {
				return nil, fmt.Errorf("egress %s: %w", name, err)
			}
			r.sinks[name] = sink
		default:
			return nil, fmt.Errorf("egress %s: unknown type %q", name, def.Type)
		}
	}
	return r, nil
}

// Get 按名称查找sink
func (r *Registry) Get(name string) (Sink, bool) {
	s, ok := r.sinks[name]
	return s, ok
}

// Names 返回所有已配置的sink名称
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		out = append(out, name)
	}
	return out
}
