package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Cache wraps a TaskStore with a Redis copy of the task list. Writes go to the
// backing store and evict the cached list; a Redis failure only costs a trip
// to the backing store.
//
// Every eviction bumps a generation counter. A list read from the backing
// store is only cached if the generation is unchanged since before the read,
// so a write that lands during the read never leaves its old list behind.
type Cache struct {
	base   TaskStore
	redis  *redis.Client
	ttl    time.Duration
	key    string
	genKey string
}

// storeIfCurrent sets KEYS[1] to ARGV[2] for ARGV[3] ms when the generation in
// KEYS[2] (missing reads as 0) still equals ARGV[1].
var storeIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// NewCache creates a caching TaskStore for the given board.
func NewCache(base TaskStore, client *redis.Client, boardID string, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	key := tasksCacheKey(boardID)
	return &Cache{base: base, redis: client, ttl: ttl, key: key, genKey: key + ":gen"}
}

func (c *Cache) List(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx); ok {
		return tasks, nil
	}
	gen, genOK := c.generation(ctx)
	tasks, err := c.base.List(ctx)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.storeTasks(ctx, tasks, gen)
	}
	return tasks, nil
}

// Get always reads the backing store: conflict checks need the stored version.
func (c *Cache) Get(ctx context.Context, id string) (domain.Task, error) {
	return c.base.Get(ctx, id)
}

func (c *Cache) Insert(ctx context.Context, t domain.Task) error {
	if err := c.base.Insert(ctx, t); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) Replace(ctx context.Context, next domain.Task, expected domain.Version) error {
	if err := c.base.Replace(ctx, next, expected); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) Delete(ctx context.Context, id string) (domain.Task, error) {
	t, err := c.base.Delete(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return t, nil
}

func (c *Cache) loadTasks(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, c.key).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, c.key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, c.key).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) generation(ctx context.Context) (string, bool) {
	if c.redis == nil {
		return "", false
	}
	gen, err := c.redis.Get(ctx, c.genKey).Result()
	switch {
	case err == redis.Nil:
		return "0", true
	case err != nil:
		return "", false
	}
	return gen, true
}

func (c *Cache) storeTasks(ctx context.Context, tasks []domain.Task, gen string) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = storeIfCurrent.Run(ctx, c.redis, []string{c.key, c.genKey}, gen, data, c.ttl.Milliseconds()).Err()
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey)
		pipe.Del(ctx, c.key)
		return nil
	})
}

func tasksCacheKey(boardID string) string {
	return "board:" + boardID + ":tasks"
}
