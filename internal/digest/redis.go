package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/taskboard/internal/notification"
)

// RedisQueue はRedisに保持するQueue。複数プロセスで共有できる。
//
// キー構成:
//
//	<prefix>:<freq>:users        ダイジェスト待ちのユーザーID（SET）
//	<prefix>:<freq>:user:<id>    ユーザーの通知（LIST、JSON）
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue はRedisQueueを生成する。prefixが空の場合は"digest"を使用する。
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "digest"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) usersKey(freq notification.DigestFrequency) string {
	return fmt.Sprintf("%s:%s:users", q.prefix, freq)
}

func (q *RedisQueue) itemsKey(freq notification.DigestFrequency, userID string) string {
	return fmt.Sprintf("%s:%s:user:%s", q.prefix, freq, userID)
}

// Enqueue は通知を追加する。リストへの追加とユーザー集合への登録はMULTIで原子的に行う。
func (q *RedisQueue) Enqueue(ctx context.Context, freq notification.DigestFrequency, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("ダイジェスト項目のシリアライズに失敗: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, q.itemsKey(freq, item.UserID), raw)
		pipe.SAdd(ctx, q.usersKey(freq), item.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ダイジェスト項目の追加に失敗: %w", err)
	}
	return nil
}

// Users は通知が溜まっているユーザーIDをソートして返す。
func (q *RedisQueue) Users(ctx context.Context, freq notification.DigestFrequency) ([]string, error) {
	users, err := q.client.SMembers(ctx, q.usersKey(freq)).Result()
	if err != nil {
		return nil, fmt.Errorf("ダイジェスト対象ユーザーの取得に失敗: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// Drain はユーザーの通知を取り出して空にする。
// 取得・削除・集合からの除外をMULTIで行い、並行するEnqueueの項目を失わない。
func (q *RedisQueue) Drain(ctx context.Context, freq notification.DigestFrequency, userID string) ([]Item, error) {
	key := q.itemsKey(freq, userID)
	var rangeCmd *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		pipe.SRem(ctx, q.usersKey(freq), userID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ダイジェスト項目の取り出しに失敗: %w", err)
	}

	raws := rangeCmd.Val()
	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return items, fmt.Errorf("ダイジェスト項目のデシリアライズに失敗: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}
