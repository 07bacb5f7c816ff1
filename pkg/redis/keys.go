package redis

import "fmt"

const (
	// PendingOrdersKey 待支付记录哈希：field=订单号，value=JSON。
	PendingOrdersKey = "payment:pending_orders"
	// ProcessedTxKey 已处理的链上交易集合。
	ProcessedTxKey = "payment:trc20:processed_txs"
	// ScanLogsKey 扫描日志有序集合，score 为时间戳。
	ScanLogsKey = "payment:trc20:scan_logs"
)

// AmountIndexKey 识别金额 -> 订单号的索引。
func AmountIndexKey(amount string) string {
	return fmt.Sprintf("payment:trc20:pending_amounts:%s", amount)
}

// LockKey 分布式锁键名。
func LockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

// RateLimitKey 按 scope + 客户端标识限流。
func RateLimitKey(scope, client string) string {
	return fmt.Sprintf("rate_limit:%s:%s", scope, client)
}
