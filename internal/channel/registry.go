package channel

import (
	"sort"
	"sync"

	"github.com/nao1215/taskboard/internal/notification"
)

// Registry はチャネルごとの配信戦略を保持する。
type Registry struct {
	mu         sync.RWMutex
	strategies map[notification.Channel]Strategy
}

// NewRegistry は戦略を登録したRegistryを生成する。
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[notification.Channel]Strategy)}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register は戦略を登録する。同じチャネルの戦略は置き換えられる。
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Channel()] = s
}

// Get はチャネルの戦略を返す。
func (r *Registry) Get(ch notification.Channel) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[ch]
	return s, ok
}

// ByPriority は登録済みの戦略を優先度順に返す。
func (r *Registry) ByPriority() []Strategy {
	r.mu.RLock()
	list := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		list = append(list, s)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority() != list[j].Priority() {
			return list[i].Priority() < list[j].Priority()
		}
		return list[i].Channel() < list[j].Channel()
	})
	return list
}

// Channels は登録済みのチャネルを優先度順に返す。
func (r *Registry) Channels() []notification.Channel {
	strategies := r.ByPriority()
	channels := make([]notification.Channel, len(strategies))
	for i, s := range strategies {
		channels[i] = s.Channel()
	}
	return channels
}
