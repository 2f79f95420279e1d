package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"SHProject/logger"
)

// PresenceConf 在线簿记配置。
type PresenceConf struct {
	NodeID string        // 参与 key 命名，多节点隔离
	TTL    time.Duration // 会话键 TTL，心跳续期兜底
}

func (c *PresenceConf) norm() {
	if c.NodeID == "" {
		c.NodeID = "default"
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
}

// 原子上线：写会话键并挂进用户索引。
// KEYS[1] = session key, KEYS[2] = user index zset
// ARGV[1] = platform, ARGV[2] = ttlSeconds, ARGV[3] = expireAtUnix
const luaOnline = `
redis.call("SET", KEYS[1], ARGV[1], "EX", tonumber(ARGV[2]))
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), KEYS[1])
redis.call("EXPIRE", KEYS[2], tonumber(ARGV[2]) * 2)
return 1
`

// 原子下线：删会话键并摘出索引。
const luaOffline = `
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], KEYS[1])
return 1
`

// RedisPresence 在线状态簿记。纯旁路：任何失败只记日志，
// 注册表自身的索引永远是权威。
type RedisPresence struct {
	conf          PresenceConf
	rdb           *redis.Client
	onlineScript  *redis.Script
	offlineScript *redis.Script
}

func NewRedisPresence(conf PresenceConf, rdb *redis.Client) *RedisPresence {
	conf.norm()
	return &RedisPresence{
		conf:          conf,
		rdb:           rdb,
		onlineScript:  redis.NewScript(luaOnline),
		offlineScript: redis.NewScript(luaOffline),
	}
}

func (p *RedisPresence) sessionKey(userID, sessionID string) string {
	return "sh:" + p.conf.NodeID + ":u:" + userID + ":s:" + sessionID
}

func (p *RedisPresence) userIndexKey(userID string) string {
	return "sh:" + p.conf.NodeID + ":uidx:" + userID
}

func (p *RedisPresence) Online(ctx context.Context, userID, sessionID, platform string) {
	ttl := int64(p.conf.TTL / time.Second)
	expAt := time.Now().Add(p.conf.TTL).Unix()
	keys := []string{p.sessionKey(userID, sessionID), p.userIndexKey(userID)}
	if err := p.onlineScript.Run(ctx, p.rdb, keys, platform, ttl, expAt).Err(); err != nil {
		logger.Warnf("[presence] online failed user=%s session=%s: %v", userID, sessionID, err)
	}
}

func (p *RedisPresence) Offline(ctx context.Context, userID, sessionID string) {
	keys := []string{p.sessionKey(userID, sessionID), p.userIndexKey(userID)}
	if err := p.offlineScript.Run(ctx, p.rdb, keys).Err(); err != nil {
		logger.Warnf("[presence] offline failed user=%s session=%s: %v", userID, sessionID, err)
	}
}

// Sessions 查询某用户未过期的在线会话键（运维排查用）。
func (p *RedisPresence) Sessions(ctx context.Context, userID string) ([]string, error) {
	min := strconv.FormatInt(time.Now().Unix(), 10)
	return p.rdb.ZRangeByScore(ctx, p.userIndexKey(userID), &redis.ZRangeBy{
		Min: min, Max: "+inf",
	}).Result()
}
