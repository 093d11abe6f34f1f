package redis

import (
	"fmt"
	"time"
)

const (
	// CacheShopKeyPrefix 商铺缓存键前缀，完整键为 cache:shop:{id}。
	CacheShopKeyPrefix = "cache:shop:"
	// LockKeyPrefix 分布式锁统一前缀。
	LockKeyPrefix = "lock:"
	// idCounterPrefix 每日自增序列号前缀。
	idCounterPrefix = "icr:"
)

// CacheShopKey 商铺缓存键。
func CacheShopKey(shopID uint64) string {
	return fmt.Sprintf("%s%d", CacheShopKeyPrefix, shopID)
}

// LockKey 由锁名拼出实际存储键。
func LockKey(name string) string {
	return LockKeyPrefix + name
}

// ShopLockName 商铺缓存重建锁名，对应键 lock:shop:{id}。
func ShopLockName(shopID uint64) string {
	return fmt.Sprintf("shop:%d", shopID)
}

// OrderLockName 一人一单的用户锁名，对应键 lock:order:{userID}。
func OrderLockName(userID uint64) string {
	return fmt.Sprintf("order:%d", userID)
}

// IDCounterKey 按业务与 UTC 日期划分的序列号键，例如 icr:order:2024:05:01。
// 日期变化即换键，计数天然按天重置。
func IDCounterKey(keyPrefix string, now time.Time) string {
	return idCounterPrefix + keyPrefix + ":" + now.UTC().Format("2006:01:02")
}

// OrderReceiptKey 订单回执哈希。
func OrderReceiptKey(orderID uint64) string {
	return fmt.Sprintf("seckill:order:%d", orderID)
}

// RateLimitUserKey 按用户限流键。
func RateLimitUserKey(userID uint64) string {
	return fmt.Sprintf("rate_limit:seckill:user:%d", userID)
}

// RateLimitIPKey 无用户身份时按 IP 降级限流。
func RateLimitIPKey(ip string) string {
	return "rate_limit:seckill:ip:" + ip
}
