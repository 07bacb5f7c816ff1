package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	processedTxTTL = 7 * 24 * time.Hour
	scanLogTTL     = 3 * 24 * time.Hour
)

// luaDelIfOwner 仅当金额索引仍指向该订单时删除。
const luaDelIfOwner = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// PendingPayment 一次进行中的支付会话。记录不存在即代表没有活跃支付。
type PendingPayment struct {
	OrderNo     string         `json:"order_no"`
	Provider    string         `json:"provider"`
	PaymentData map[string]any `json:"payment_data"`
	// IndexedAmount 在金额索引中登记的识别金额，便于清理
	IndexedAmount string    `json:"indexed_amount,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired 是否已超过支付窗口。
func (p PendingPayment) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// 扫描日志类型
const (
	ScanLogScan           = "scan"
	ScanLogError          = "error"
	ScanLogPaymentSuccess = "payment_success"
	ScanLogPaymentError   = "payment_error"
)

// ScanLog 扫描器每轮或每笔匹配写入的一条日志。
type ScanLog struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	Message    string    `json:"message,omitempty"`
	Scanned    int       `json:"scanned,omitempty"`
	Matched    int       `json:"matched,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	OrderNo    string    `json:"order_no,omitempty"`
	TxID       string    `json:"tx_id,omitempty"`
	Amount     string    `json:"amount,omitempty"`
}

// Store 跨进程共享的临时协调状态：待支付记录、金额索引、已处理交易、扫描日志。
type Store struct {
	rdb *rd.Client
	now func() time.Time
}

func NewStore(rdb *rd.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

// SetClock 替换时钟，测试用。
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Now 当前时间。
func (s *Store) Now() time.Time { return s.now() }

// Client 底层 redis 客户端。
func (s *Store) Client() *rd.Client { return s.rdb }

// SavePendingPayment 写入（覆盖）待支付记录。被覆盖的旧记录若占用了另一个识别金额，
// 且该金额仍归属本订单，则一并释放。
func (s *Store) SavePendingPayment(ctx context.Context, p PendingPayment) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	old, found, err := s.GetPendingPayment(ctx, p.OrderNo)
	if err != nil {
		found = false
	}
	if err := s.rdb.HSet(ctx, PendingOrdersKey, p.OrderNo, b).Err(); err != nil {
		return err
	}
	if found && old.IndexedAmount != "" && old.IndexedAmount != p.IndexedAmount {
		if _, err := s.ReleaseAmount(ctx, old.IndexedAmount, p.OrderNo); err != nil {
			return fmt.Errorf("release replaced amount %s: %w", old.IndexedAmount, err)
		}
	}
	return nil
}

// GetPendingPayment 读取待支付记录，found=false 表示不存在。
func (s *Store) GetPendingPayment(ctx context.Context, orderNo string) (PendingPayment, bool, error) {
	raw, err := s.rdb.HGet(ctx, PendingOrdersKey, orderNo).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return PendingPayment{}, false, nil
		}
		return PendingPayment{}, false, err
	}
	var p PendingPayment
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return PendingPayment{}, false, fmt.Errorf("decode pending payment %s: %w", orderNo, err)
	}
	return p, true, nil
}

// DeletePendingPayment 删除待支付记录。
func (s *Store) DeletePendingPayment(ctx context.Context, orderNo string) error {
	return s.rdb.HDel(ctx, PendingOrdersKey, orderNo).Err()
}

// ListPendingPayments 返回全部待支付记录，按创建时间倒序。损坏的记录会被跳过。
func (s *Store) ListPendingPayments(ctx context.Context) ([]PendingPayment, error) {
	m, err := s.rdb.HGetAll(ctx, PendingOrdersKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingPayment, 0, len(m))
	for _, raw := range m {
		var p PendingPayment
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ExpiredPendingPayments 返回已过期的待支付记录。
func (s *Store) ExpiredPendingPayments(ctx context.Context) ([]PendingPayment, error) {
	all, err := s.ListPendingPayments(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]PendingPayment, 0)
	for _, p := range all {
		if p.Expired(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ClaimAmount 原子占用识别金额，已被其他订单占用时返回 false。
func (s *Store) ClaimAmount(ctx context.Context, amount, orderNo string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, AmountIndexKey(amount), orderNo, ttl).Result()
}

// AmountOwner 查询识别金额当前归属的订单。
func (s *Store) AmountOwner(ctx context.Context, amount string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, AmountIndexKey(amount)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// ReleaseAmount 仅当金额仍归属 orderNo 时删除索引。
func (s *Store) ReleaseAmount(ctx context.Context, amount, orderNo string) (bool, error) {
	n, err := s.rdb.Eval(ctx, luaDelIfOwner, []string{AmountIndexKey(amount)}, orderNo).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClearPayment 清理订单的全部临时支付状态（待支付记录 + 金额索引）。
func (s *Store) ClearPayment(ctx context.Context, orderNo string) error {
	p, found, err := s.GetPendingPayment(ctx, orderNo)
	if err != nil {
		return err
	}
	if found && p.IndexedAmount != "" {
		if _, err := s.ReleaseAmount(ctx, p.IndexedAmount, orderNo); err != nil {
			return fmt.Errorf("release amount %s: %w", p.IndexedAmount, err)
		}
	}
	return s.DeletePendingPayment(ctx, orderNo)
}

// MarkTxProcessed 记录已处理的交易，首次写入返回 true。集合在最后一次写入后 7 天过期。
func (s *Store) MarkTxProcessed(ctx context.Context, txID string) (bool, error) {
	pipe := s.rdb.TxPipeline()
	added := pipe.SAdd(ctx, ProcessedTxKey, txID)
	pipe.Expire(ctx, ProcessedTxKey, processedTxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return added.Val() == 1, nil
}

// IsTxProcessed 交易是否已处理。
func (s *Store) IsTxProcessed(ctx context.Context, txID string) (bool, error) {
	return s.rdb.SIsMember(ctx, ProcessedTxKey, txID).Result()
}

// UnmarkTx 撤销处理标记，结算失败时调用，交易会在下一轮重新匹配。
func (s *Store) UnmarkTx(ctx context.Context, txID string) error {
	return s.rdb.SRem(ctx, ProcessedTxKey, txID).Err()
}

// AppendScanLog 追加扫描日志并清理 3 天前的记录。
func (s *Store) AppendScanLog(ctx context.Context, entry ScanLog) error {
	if entry.Time.IsZero() {
		entry.Time = s.now()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	cutoff := entry.Time.Add(-scanLogTTL).Unix()
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, ScanLogsKey, rd.Z{Score: float64(entry.Time.UnixMilli()) / 1000, Member: string(b)})
	pipe.ZRemRangeByScore(ctx, ScanLogsKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
	_, err = pipe.Exec(ctx)
	return err
}

// ScanLogs 按时间倒序分页读取扫描日志，同时返回总数。
func (s *Store) ScanLogs(ctx context.Context, limit, offset int64) ([]ScanLog, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	total, err := s.rdb.ZCard(ctx, ScanLogsKey).Result()
	if err != nil {
		return nil, 0, err
	}
	raws, err := s.rdb.ZRevRange(ctx, ScanLogsKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, 0, err
	}
	out := make([]ScanLog, 0, len(raws))
	for _, raw := range raws {
		var l ScanLog
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			continue
		}
		out = append(out, l)
	}
	return out, total, nil
}
