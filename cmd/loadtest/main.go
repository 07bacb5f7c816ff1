package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"card_store/internal/payment/trc20"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   []byte
	Err    error
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.Int("product", 1, "product id")
	methodID := flag.Int("method", 1, "payment method id (trc20_usdt)")
	nOrders := flag.Int("orders", 100, "orders placed for the same product")
	concurrency := flag.Int("c", 50, "max concurrency")
	rateLimit := flag.Bool("ratelimit", true, "hammer payment init for one order afterwards")

	// 链上探测：只读取钱包最近的入账，不访问服务
	inspect := flag.String("inspect", "", "wallet address to list recent TRC20 transfers for")
	apiKey := flag.String("api-key", "", "TronGrid api key")
	apiBase := flag.String("api-base", trc20.DefaultAPIBase, "TronGrid base url")
	flag.Parse()

	if *inspect != "" {
		if err := inspectWallet(*apiBase, *apiKey, *inspect); err != nil {
			fmt.Fprintln(os.Stderr, "inspect failed:", err)
			os.Exit(1)
		}
		return
	}

	client := &http.Client{Timeout: 10 * time.Second}

	// 1) 金额唯一性：同价商品并发下单并发起支付，识别金额不能重复
	fmt.Printf("start amount collision test: product=%d orders=%d concurrency=%d\n", *productID, *nOrders, *concurrency)
	orderNos := placeOrders(client, *baseURL, *productID, *methodID, *nOrders, *concurrency)
	fmt.Printf("placed %d orders\n", len(orderNos))

	results := runConcurrent(len(orderNos), *concurrency, func(i int) Result {
		return postJSON(client, *baseURL+"/api/v1/payment/init", map[string]string{"order_no": orderNos[i]})
	})
	printSummary("payment_init", results)
	checkAmounts(results)

	// 2) 限流：同一客户端对同一订单重复发起支付
	if *rateLimit && len(orderNos) > 0 {
		fmt.Println("\nstart rate limit test: same client, 100 requests, concurrency 50")
		results2 := runConcurrent(100, 50, func(int) Result {
			return postJSON(client, *baseURL+"/api/v1/payment/init", map[string]string{"order_no": orderNos[0]})
		})
		printSummary("rate_limit", results2)
	}
}

func placeOrders(client *http.Client, baseURL string, productID, methodID, n, concurrency int) []string {
	results := runConcurrent(n, concurrency, func(i int) Result {
		return postJSON(client, baseURL+"/api/v1/orders", map[string]any{
			"email":             fmt.Sprintf("load%d@example.com", i),
			"payment_method_id": methodID,
			"items":             []map[string]int{{"product_id": productID, "quantity": 1}},
		})
	})
	printSummary("place_order", results)

	var out []string
	for _, r := range results {
		if r.Err != nil || r.Status != http.StatusOK {
			continue
		}
		var env envelope
		var o struct {
			OrderNo string `json:"order_no"`
		}
		if json.Unmarshal(r.Body, &env) == nil && json.Unmarshal(env.Data, &o) == nil && o.OrderNo != "" {
			out = append(out, o.OrderNo)
		}
	}
	return out
}

// runConcurrent 以最多 concurrency 个并发执行 n 次 fn。
func runConcurrent(n, concurrency int, fn func(i int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func postJSON(client *http.Client, url string, body any) Result {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: data}
}

// checkAmounts 统计成功发起的支付中是否出现重复的识别金额。
func checkAmounts(results []Result) {
	seen := map[string]int{}
	for _, r := range results {
		if r.Err != nil || r.Status != http.StatusOK {
			continue
		}
		var env envelope
		var res struct {
			PaymentData map[string]any `json:"payment_data"`
		}
		if json.Unmarshal(r.Body, &env) != nil || json.Unmarshal(env.Data, &res) != nil {
			continue
		}
		if amount, ok := res.PaymentData["amount"].(string); ok {
			seen[amount]++
		}
	}
	dup := 0
	for amount, n := range seen {
		if n > 1 {
			dup++
			fmt.Printf("  duplicate amount %s -> %d orders\n", amount, n)
		}
	}
	fmt.Printf("[amounts] distinct=%d duplicated=%d\n", len(seen), dup)
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 404, 409, 429, 500, 502, 503} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func inspectWallet(apiBase, apiKey, wallet string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := trc20.NewLedgerClient(apiBase, apiKey, "", 30*time.Second)
	transfers, err := client.IncomingTransfers(ctx, wallet, 50)
	if err != nil {
		return err
	}
	fmt.Printf("%d recent transfers to %s\n", len(transfers), wallet)
	for _, t := range transfers {
		amount, err := t.Amount()
		if err != nil {
			fmt.Printf("  %s  invalid value %q\n", t.TransactionID, t.Value)
			continue
		}
		at := time.UnixMilli(t.BlockTimestamp).Format(time.RFC3339)
		fmt.Printf("  %s  %s  %s %s  from=%s\n", at, t.TransactionID, amount.String(), t.TokenInfo.Symbol, t.From)
	}
	return nil
}
