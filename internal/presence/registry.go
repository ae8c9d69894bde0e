// Package presence はユーザーごとのライブ接続を追跡するプレゼンスレジストリを提供する。
//
// ユーザーは1つ以上の接続を持つ間だけオンラインとみなされる。
// 同一ユーザーに対する変更は、ユーザーキーごとに割り当てられたシャードのロックで直列化される。
package presence

import (
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultShards はシャード数の既定値。
const DefaultShards = 32

// shard はユーザーキーの部分集合を保持する。
type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

// Registry はユーザーIDから接続IDの集合への対応を保持する。
// ゼロ値は使用できない。NewRegistryで生成すること。
type Registry struct {
	shards []*shard
}

// NewRegistry は指定したシャード数のRegistryを生成する。
// shardsが1未満の場合はDefaultShardsを使用する。
func NewRegistry(shards int) *Registry {
	if shards < 1 {
		shards = DefaultShards
	}
	r := &Registry{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[string]struct{})}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Join はユーザーに接続を追加する。
// この呼び出しでユーザーがオフラインからオンラインになった場合にtrueを返す。
// 同じ接続の再登録は何もしない。
func (r *Registry) Join(userID, connID string) (becameOnline bool) {
	if userID == "" || connID == "" {
		return false
	}
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		s.users[userID] = conns
	}
	if _, exists := conns[connID]; exists {
		return false
	}
	conns[connID] = struct{}{}
	return len(conns) == 1
}

// Leave はユーザーから接続を取り除く。
// 最後の接続が取り除かれユーザーがオフラインになった場合にtrueを返す。
// 未登録の接続に対しては何もしない。
func (r *Registry) Leave(userID, connID string) (becameOffline bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, exists := conns[connID]; !exists {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(s.users, userID)
		return true
	}
	return false
}

// IsOnline はユーザーが1つ以上の接続を持つかどうかを返す。
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// ConnectionsOf はユーザーの接続IDをソートして返す。
// 返されるスライスはスナップショットで、呼び出し側が変更してよい。
func (r *Registry) ConnectionsOf(userID string) []string {
	s := r.shardFor(userID)
	s.mu.RLock()
	conns := make([]string, 0, len(s.users[userID]))
	for id := range s.users[userID] {
		conns = append(conns, id)
	}
	s.mu.RUnlock()
	sort.Strings(conns)
	return conns
}

// OnlineUsers はオンラインのユーザーIDをソートして返す。
// シャードごとに順に読み取るため、全体として厳密な同時点のスナップショットではない。
func (r *Registry) OnlineUsers() []string {
	var users []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.users {
			users = append(users, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(users)
	return users
}

// ConnectionCount は全ユーザーの接続数の合計を返す。
func (r *Registry) ConnectionCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			total += len(conns)
		}
		s.mu.RUnlock()
	}
	return total
}
