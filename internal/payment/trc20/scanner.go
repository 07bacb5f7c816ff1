package trc20

import (
	"context"
	"fmt"
	"time"

	redisstore "card_store/pkg/redis"

	"go.uber.org/zap"
)

func (p *Provider) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick 持有分布式锁时执行一轮扫描，多实例部署下同一时刻只有一个扫描器工作。
func (p *Provider) tick(ctx context.Context) {
	ok, err := p.lock.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("acquire scanner lock", zap.Error(err))
		}
		return
	}
	if !ok {
		p.log.Debug("scanner lock held by another instance")
		return
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := p.lock.Release(rctx); err != nil {
			p.log.Warn("release scanner lock", zap.Error(err))
		}
	}()

	start := time.Now()
	scanned, matched, err := p.ScanOnce(ctx)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Error("trc20 scan failed", zap.Error(err))
		p.appendLog(ctx, redisstore.ScanLog{Type: redisstore.ScanLogError, Message: err.Error(), DurationMs: elapsed.Milliseconds()})
		return
	}
	p.log.Debug("trc20 scan done", zap.Int("scanned", scanned), zap.Int("matched", matched), zap.Duration("duration", elapsed))
	p.appendLog(ctx, redisstore.ScanLog{
		Type:       redisstore.ScanLogScan,
		Scanned:    scanned,
		Matched:    matched,
		DurationMs: elapsed.Milliseconds(),
	})
}

// ScanOnce 拉取最近的入账并逐笔匹配待支付订单，返回扫描数与匹配数。
func (p *Provider) ScanOnce(ctx context.Context) (int, int, error) {
	transfers, err := p.ledger.IncomingTransfers(ctx, p.wallet, scanLimit)
	if err != nil {
		return 0, 0, err
	}

	matched := 0
	for _, t := range transfers {
		ok, err := p.processTransfer(ctx, t)
		if err != nil {
			p.log.Error("process transfer", zap.String("tx_id", t.TransactionID), zap.Error(err))
			p.appendLog(ctx, redisstore.ScanLog{
				Type:    redisstore.ScanLogPaymentError,
				Message: err.Error(),
				TxID:    t.TransactionID,
			})
			continue
		}
		if ok {
			matched++
		}
	}
	return len(transfers), matched, nil
}

// processTransfer 处理一笔入账。匹配到订单后先以 SADD 抢占交易ID再结算，
// 同一笔交易只会结算一个订单；结算出错时撤销标记，下一轮重试。
func (p *Provider) processTransfer(ctx context.Context, t Transfer) (bool, error) {
	if t.TransactionID == "" {
		return false, nil
	}
	if t.To != p.wallet || t.TokenInfo.Address != p.ledger.Contract() {
		return false, nil
	}
	processed, err := p.Store.IsTxProcessed(ctx, t.TransactionID)
	if err != nil {
		return false, err
	}
	if processed {
		return false, nil
	}

	amount, err := t.Amount()
	if err != nil {
		return false, err
	}
	key, ok := p.matchKey(amount)
	if !ok {
		return false, nil
	}
	orderNo, found, err := p.Store.AmountOwner(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	payload := map[string]any{
		"tx_id":          t.TransactionID,
		"amount":         key,
		"wallet_address": p.wallet,
		"from":           t.From,
		"block_time":     t.BlockTimestamp,
	}
	note := fmt.Sprintf("TRC20 支付成功，交易ID: %s，金额: %s USDT", t.TransactionID, key)
	claimed, err := p.Store.MarkTxProcessed(ctx, t.TransactionID)
	if err != nil {
		return false, fmt.Errorf("mark tx %s: %w", t.TransactionID, err)
	}
	if !claimed {
		return false, nil
	}

	settled, err := p.settler.CompletePayment(ctx, orderNo, ProviderID, payload, note)
	if err != nil {
		if uerr := p.Store.UnmarkTx(context.WithoutCancel(ctx), t.TransactionID); uerr != nil {
			p.log.Warn("unmark tx", zap.String("tx_id", t.TransactionID), zap.Error(uerr))
		}
		return false, fmt.Errorf("complete payment %s: %w", orderNo, err)
	}
	if !settled {
		return false, nil
	}

	p.log.Info("trc20 payment matched",
		zap.String("order_no", orderNo),
		zap.String("tx_id", t.TransactionID),
		zap.String("amount", key),
	)
	p.appendLog(ctx, redisstore.ScanLog{
		Type:    redisstore.ScanLogPaymentSuccess,
		OrderNo: orderNo,
		TxID:    t.TransactionID,
		Amount:  key,
	})
	return true, nil
}

func (p *Provider) appendLog(ctx context.Context, entry redisstore.ScanLog) {
	entry.Time = p.Store.Now()
	if err := p.Store.AppendScanLog(ctx, entry); err != nil {
		p.log.Warn("append scan log", zap.Error(err))
	}
}
