package mcbot

import "fmt"

// Registry 协议驱动注册表
type Registry struct {
	dialers map[string]Dialer
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]Dialer)}
}

// Register 注册驱动
func (r *Registry) Register(d Dialer) {
	r.dialers[d.Name()] = d
}

// Get 获取驱动
func (r *Registry) Get(name string) (Dialer, error) {
	d, ok := r.dialers[name]
	if !ok {
		return nil, fmt.Errorf("no protocol driver registered for %q", name)
	}
	return d, nil
}

// List 列出所有驱动名
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.dialers))
	for name := range r.dialers {
		names = append(names, name)
	}
	return names
}
