package claim

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/report-verify/internal/resilience"
)

// DefaultKeyPrefix namespaces claim keys.
const DefaultKeyPrefix = "report-verify:claim:"

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisClient is the subset of go-redis the locker uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisLocker holds claims as Redis keys set with NX and a PX expiry.
type RedisLocker struct {
	client  RedisClient
	prefix  string
	nowFunc func() time.Time
}

// NewRedisLocker creates a locker on client. An empty prefix uses
// DefaultKeyPrefix.
func NewRedisLocker(client RedisClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLocker{client: client, prefix: prefix, nowFunc: time.Now}
}

// Dial connects to the Redis server at url and checks it responds.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "claim: parse redis url")
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, eris.Wrap(err, "claim: ping redis")
	}
	return c, nil
}

func (r *RedisLocker) key(reportID string) string { return r.prefix + reportID }

func (r *RedisLocker) Acquire(ctx context.Context, reportID string, ttl time.Duration) (*Claim, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(reportID), token, ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(resilience.NewTransientError(err, 0), "claim: acquire %s", reportID)
	}
	if !ok {
		return nil, eris.Wrapf(ErrConcurrentClaimConflict, "claim: report %s", reportID)
	}
	return &Claim{ReportID: reportID, Token: token, ExpiresAt: r.nowFunc().Add(ttl)}, nil
}

func (r *RedisLocker) Release(ctx context.Context, c *Claim) error {
	if c == nil {
		return nil
	}
	n, err := r.client.Eval(ctx, releaseScript, []string{r.key(c.ReportID)}, c.Token).Int64()
	if err != nil {
		return eris.Wrapf(err, "claim: release %s", c.ReportID)
	}
	if n == 0 {
		zap.L().Debug("claim: already expired or taken over", zap.String("report_id", c.ReportID))
	}
	return nil
}
