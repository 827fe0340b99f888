package util

import "sync"

// SigHandler 信号回调，sender 为触发方，params 为附加参数
type SigHandler func(sender any, params ...any)

type sigEntry struct {
	id uint64
	fn SigHandler
}

// Signals 进程内的轻量事件总线
type Signals struct {
	mu     sync.RWMutex
	nextID uint64
	slots  map[string][]sigEntry
}

var defaultSignals = NewSignals()

// Sig 返回全局事件总线
func Sig() *Signals { return defaultSignals }

func NewSignals() *Signals {
	return &Signals{slots: make(map[string][]sigEntry)}
}

// Connect 订阅信号，返回的函数用于取消订阅
func (s *Signals) Connect(sig string, fn SigHandler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.slots[sig] = append(s.slots[sig], sigEntry{id: id, fn: fn})
	s.mu.Unlock()

	return func() { s.disconnect(sig, id) }
}

func (s *Signals) disconnect(sig string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.slots[sig]
	for i, e := range entries {
		if e.id == id {
			s.slots[sig] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.slots[sig]) == 0 {
		delete(s.slots, sig)
	}
}

// Emit 同步调用所有订阅者；回调内可以安全地再次 Connect/Emit
func (s *Signals) Emit(sig string, sender any, params ...any) {
	s.mu.RLock()
	entries := append([]sigEntry(nil), s.slots[sig]...)
	s.mu.RUnlock()

	for _, e := range entries {
		e.fn(sender, params...)
	}
}

// Clear 移除某个信号的全部订阅
func (s *Signals) Clear(sig string) {
	s.mu.Lock()
	delete(s.slots, sig)
	s.mu.Unlock()
}
