package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConf Redis 连接配置。
type RedisConf struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedis 建连并 ping 验活。调用方负责 Close。
func NewRedis(conf RedisConf) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
		PoolSize: conf.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.WithStack(err)
	}
	return rdb, nil
}
