package registry

import "sync"

// 进程级单例登记，例如全局唯一的播放仲裁器
type Registry struct {
	mu   sync.RWMutex
	objs map[string]interface{}
}

var global = New()

func New() *Registry {
	return &Registry{objs: make(map[string]interface{})}
}

func (r *Registry) Set(name string, obj interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objs[name] = obj
}

// SetOnce 只在 name 未注册时写入，返回最终登记的对象
func (r *Registry) SetOnce(name string, obj interface{}) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.objs[name]; ok {
		return v, false
	}
	r.objs[name] = obj
	return obj, true
}

func (r *Registry) Get(name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.objs[name]
	return v, ok
}

func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objs, name)
}

func Set(name string, obj interface{}) { global.Set(name, obj) }

func SetOnce(name string, obj interface{}) (interface{}, bool) { return global.SetOnce(name, obj) }

func Get(name string) (interface{}, bool) { return global.Get(name) }

func Delete(name string) { global.Delete(name) }

func MustGet(name string) interface{} {
	if v, ok := Get(name); ok {
		return v
	}
	panic("registry: object not found: " + name)
}

// Lookup 按类型取出对象
func Lookup[T any](name string) (T, bool) {
	var zero T
	v, ok := Get(name)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Provide 返回已登记的 T，不存在时用 build 创建并登记
func Provide[T any](name string, build func() T) T {
	if v, ok := Lookup[T](name); ok {
		return v
	}
	v, _ := SetOnce(name, build())
	return v.(T)
}
