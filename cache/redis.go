package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/types"
)

// RedisConfig Redis Store 配置
type RedisConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	// ClaimTTL claim 键的保护性过期时间：owner 进程崩溃后，
	// 同指纹的计算权在此时间后自动可再获取。
	ClaimTTL time.Duration `yaml:"claim_ttl" json:"claim_ttl"`
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		ClaimTTL:     2 * time.Minute,
	}
}

// redisStore 基于 Redis 的 Store 实现
//
// 条目为带 EX 的 JSON 值，过期由 Redis 负责。claim 语义建立在
// SET NX 之上：成功写入 claim 键者成为 owner；其余调用方订阅
// 结果频道成为 waiter。Publish/Fail 先比较值释放 claim 键再通过
// Pub/Sub 广播终态，因此跨进程的相同请求同样被合并。
type redisStore struct {
	client *redis.Client
	prefix string
	config RedisConfig
	logger *zap.Logger
	// ownerID 标识本进程持有的 claim，避免误删他人 claim
	ownerID string
}

// outcomePayload Pub/Sub 上的终态线格式
type outcomePayload struct {
	Response *types.TaskResponse `json:"response,omitempty"`
	Error    *types.Error        `json:"error,omitempty"`
}

// releaseClaimScript 比较值后删除：claim 键的值必须仍是本进程的
// ownerID 才允许删除。ClaimTTL 过期后计算权被他人接管时，
// 迟到的旧 owner 不得删除新 owner 的 claim。
var releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisStore 创建 Redis Store 并验证连接
func NewRedisStore(config RedisConfig, prefix string, logger *zap.Logger) (Store, error) {
	if prefix == "" {
		prefix = "nlpgate:"
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = 2 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis cache store initialized",
		zap.String("addr", config.Addr),
		zap.Duration("claim_ttl", config.ClaimTTL),
	)

	return &redisStore{
		client:  client,
		prefix:  prefix,
		config:  config,
		logger:  logger.With(zap.String("component", "cache")),
		ownerID: uuid.NewString(),
	}, nil
}

func (s *redisStore) entryKey(fp string) string   { return s.prefix + "entry:" + fp }
func (s *redisStore) claimKey(fp string) string   { return s.prefix + "claim:" + fp }
func (s *redisStore) resultChan(fp string) string { return s.prefix + "result:" + fp }

// Get 实现 Store.Get
func (s *redisStore) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	data, err := s.client.Get(ctx, s.entryKey(fingerprint)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, true, nil
}

// Claim 实现 Store.Claim
//
// 订阅先于复查：waiter 必须先完成订阅，再复查缓存与 claim 键，
// 否则会错过订阅前瞬间的 Publish。若复查发现 claim 已消失且无
// 缓存条目（owner 在两步之间终止），回到循环重新竞争计算权。
func (s *redisStore) Claim(ctx context.Context, fingerprint string) (*Claim, error) {
	for {
		ok, err := s.client.SetNX(ctx, s.claimKey(fingerprint), s.ownerID, s.config.ClaimTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis claim: %w", err)
		}
		if ok {
			return &Claim{Role: Owner}, nil
		}

		sub := s.client.Subscribe(ctx, s.resultChan(fingerprint))
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			return nil, fmt.Errorf("redis subscribe: %w", err)
		}

		// 复查 1：条目可能在订阅完成前已发布
		if entry, found, err := s.Get(ctx, fingerprint); err == nil && found {
			sub.Close()
			ch := make(chan Outcome, 1)
			ch <- Outcome{Response: entry.Response}
			close(ch)
			return &Claim{Role: Waiter, wait: ch}, nil
		}

		// 复查 2：owner 可能已 Fail 并删除 claim 键
		exists, err := s.client.Exists(ctx, s.claimKey(fingerprint)).Result()
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("redis claim recheck: %w", err)
		}
		if exists == 0 {
			sub.Close()
			continue
		}

		ch := make(chan Outcome, 1)
		go s.pump(ctx, sub, fingerprint, ch)
		return &Claim{Role: Waiter, wait: ch}, nil
	}
}

// pump 将 Pub/Sub 消息转为 Outcome 投递给单个 waiter
func (s *redisStore) pump(ctx context.Context, sub *redis.PubSub, fingerprint string, ch chan Outcome) {
	defer sub.Close()
	defer close(ch)

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			ch <- Outcome{Err: types.NewError(types.ErrInternal, "claim subscription closed")}
			return
		}
		var payload outcomePayload
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			ch <- Outcome{Err: types.NewError(types.ErrInternal, "malformed claim outcome").WithCause(err)}
			return
		}
		if payload.Error != nil {
			ch <- Outcome{Err: payload.Error}
			return
		}
		ch <- Outcome{Response: payload.Response}

	case <-ctx.Done():
		// waiter 超时离开不取消 owner 的计算
		ch <- Outcome{Err: ctx.Err()}
	}
}

// Publish 实现 Store.Publish
func (s *redisStore) Publish(ctx context.Context, fingerprint string, resp *types.TaskResponse, ttl time.Duration) error {
	now := time.Now()
	entry := &Entry{
		Response:  resp,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	entryData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	payload, err := json.Marshal(&outcomePayload{Response: resp})
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	// 先写条目再释放 claim：释放后赶到的请求要么命中条目，
	// 要么重新竞争计算权，不会卡在已广播完的频道上
	if err := s.client.Set(ctx, s.entryKey(fingerprint), entryData, ttl).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if err := s.releaseClaim(ctx, fingerprint); err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.resultChan(fingerprint), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	s.logger.Debug("published cache entry",
		zap.String("fingerprint", fingerprint),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// Fail 实现 Store.Fail
func (s *redisStore) Fail(ctx context.Context, fingerprint string, cause error) error {
	perr, ok := cause.(*types.Error)
	if !ok {
		perr = types.NewError(types.ErrInternal, cause.Error())
	}
	payload, err := json.Marshal(&outcomePayload{Error: perr})
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	// 先释放 claim 再广播：释放后赶到的请求重新竞争计算权，
	// 不会订阅到一个终态已广播完的频道
	if err := s.releaseClaim(ctx, fingerprint); err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.resultChan(fingerprint), payload).Err(); err != nil {
		return fmt.Errorf("redis fail: %w", err)
	}

	s.logger.Debug("failed claim released",
		zap.String("fingerprint", fingerprint),
		zap.String("cause", cause.Error()),
	)
	return nil
}

// releaseClaim 释放本进程持有的 claim，值不匹配时不删除
func (s *redisStore) releaseClaim(ctx context.Context, fingerprint string) error {
	if err := releaseClaimScript.Run(ctx, s.client, []string{s.claimKey(fingerprint)}, s.ownerID).Err(); err != nil {
		return fmt.Errorf("redis release claim: %w", err)
	}
	return nil
}

// Clear 实现 Store.Clear
func (s *redisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"entry:*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close 实现 Store.Close
func (s *redisStore) Close() error {
	return s.client.Close()
}
