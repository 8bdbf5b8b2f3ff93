package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/mqy/junglevibe/store"
)

const counterWriteTimeout = 3 * time.Second

// Counter keeps one redis set of message ids per private room per local day instead of
// scanning the room, so recording a redelivered message twice counts it once. The key
// expires at the midnight that ends its day.
//
// It only sees messages recorded through Record, so it must be attached to the store
// before the first message is saved to agree with ScanAccountant.
type Counter struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewCounter(client redis.UniversalClient) *Counter {
	return &Counter{client: client, now: time.Now}
}

// NewRedisCounter connects to redisURL, e.g. redis://localhost:6379/0.
func NewRedisCounter(ctx context.Context, redisURL string) (*Counter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewCounter(client), nil
}

func (c *Counter) Close() error {
	return c.client.Close()
}

// counterKey names the counter of a room for the local day containing t.
func counterKey(roomId string, t time.Time) string {
	return fmt.Sprintf("quota:%s:%s", roomId, store.StartOfDay(t).Format("20060102"))
}

// Add counts one private message in the day of its timestamp, returning the day's count.
func (c *Counter) Add(ctx context.Context, m *store.Message) (int, error) {
	if m.Mode != store.ModeNormal {
		return 0, nil
	}

	t := time.UnixMilli(m.Time())
	key := counterKey(m.Room(), t)

	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, key, m.Id)
	pipe.ExpireAt(ctx, key, store.NextMidnight(t))
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

// Record is a store.Live observer; errors are logged since the message is already saved.
func (c *Counter) Record(m *store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), counterWriteTimeout)
	defer cancel()
	if _, err := c.Add(ctx, m); err != nil {
		glog.Errorf("quota: counter add error, room: %s, id: %s, err: %v", m.Room(), m.Id, err)
	}
}

func (c *Counter) CountToday(ctx context.Context, userId, counterpartId string) (int, error) {
	key := counterKey(store.RoomId(userId, counterpartId), c.now())
	n, err := c.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
