package trc20

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIBase = "https://api.trongrid.io"
	// USDTContract TRC20 USDT 合约地址
	USDTContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

	defaultDecimals = 6
)

// Transfer TronGrid 返回的一笔 TRC20 转账。
type Transfer struct {
	TransactionID  string    `json:"transaction_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Value          string    `json:"value"`
	BlockTimestamp int64     `json:"block_timestamp"`
	TokenInfo      TokenInfo `json:"token_info"`
}

type TokenInfo struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Amount 按代币精度换算后的金额。
func (t Transfer) Amount() (decimal.Decimal, error) {
	raw, err := decimal.NewFromString(t.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse value %q: %w", t.Value, err)
	}
	d := t.TokenInfo.Decimals
	if d <= 0 {
		d = defaultDecimals
	}
	return raw.Shift(int32(-d)), nil
}

type transfersResponse struct {
	Data    []Transfer `json:"data"`
	Success bool       `json:"success"`
	Error   string     `json:"error"`
}

// LedgerClient 查询钱包的 TRC20 入账。请求经过令牌桶限速，避免触发 TronGrid 的频率限制。
type LedgerClient struct {
	base     string
	apiKey   string
	contract string
	http     *http.Client
	limiter  *rate.Limiter
}

func NewLedgerClient(base, apiKey, contract string, timeout time.Duration) *LedgerClient {
	if base == "" {
		base = DefaultAPIBase
	}
	if contract == "" {
		contract = USDTContract
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LedgerClient{
		base:     strings.TrimRight(base, "/"),
		apiKey:   apiKey,
		contract: contract,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

// Contract 监听的代币合约。
func (c *LedgerClient) Contract() string { return c.contract }

// IncomingTransfers 最近 limit 笔转入 wallet 的代币转账。
func (c *LedgerClient) IncomingTransfers(ctx context.Context, wallet string, limit int) ([]Transfer, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("only_to", "true")
	q.Set("limit", fmt.Sprint(limit))
	q.Set("contract_address", c.contract)
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions/trc20?%s", c.base, url.PathEscape(wallet), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trongrid request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read trongrid response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trongrid status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out transfersResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode trongrid response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("trongrid error: %s", out.Error)
	}
	return out.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
