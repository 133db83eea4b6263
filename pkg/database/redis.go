package database

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"pkm-engine/pkg/log"
)

// RDB 为 nil 表示未启用 Redis。
var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接，addr 为空时跳过。
func InitRedis(addr, password string, db int) {
	if addr == "" {
		log.Info("Redis not configured, using in-process job store and locks")
		return
	}
	RDB = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := RDB.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", err)
	}

	log.Info("Redis client connected successfully")
}
