package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果与业务码，便于聚合统计。
type Result struct {
	Status int
	Code   int
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	voucherID := flag.Uint64("voucher", 1, "seckill voucher id")
	create := flag.Bool("create", true, "create the voucher before test")
	stock := flag.Int64("stock", 100, "voucher stock when -create")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for voucher endpoint")
	stockCheck := flag.Bool("check", true, "check stock and sold count after test")

	// 超卖测试参数：N 个用户并发抢同一张券
	nUsers := flag.Int("users", 1000, "distinct users")
	concurrency := flag.Int("c", 100, "max concurrency")
	// 一人一单测试：同一用户并发重复下单
	sameUser := flag.Int("same", 50, "concurrent requests from one user")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	if *create {
		now := time.Now().UTC()
		err := doPOST(client, *baseURL+"/api/voucher", map[string]any{
			"voucherId": *voucherID,
			"stock":     *stock,
			"beginTime": now.Add(-time.Minute).Format(time.RFC3339),
			"endTime":   now.Add(time.Hour).Format(time.RFC3339),
		}, map[string]string{"X-Admin-Token": *adminToken})
		if err != nil {
			panic(fmt.Sprintf("create voucher failed: %v", err))
		}
		fmt.Println("voucher created")
	}

	// 1) 不超卖测试：不同 user 并发
	fmt.Printf("start oversell test: voucher=%d users=%d concurrency=%d\n", *voucherID, *nUsers, *concurrency)
	results := run(*nUsers, *concurrency, func(idx int) Result {
		return seckillOnce(client, *baseURL, *voucherID, uint64(idx+1))
	})
	printSummary("oversell", results)

	// 2) 一人一单测试：同一个 user 并发抢，最多成功一次
	const userID = 10_000_001
	fmt.Printf("\nstart one-per-user test: user=%d requests=%d\n", userID, *sameUser)
	results2 := run(*sameUser, *sameUser, func(int) Result {
		return seckillOnce(client, *baseURL, *voucherID, userID)
	})
	printSummary("one_per_user", results2)

	if *stockCheck {
		left, sold, err := getVoucher(client, *baseURL, *voucherID)
		if err != nil {
			fmt.Println("stock check err:", err)
			return
		}
		fmt.Printf("\nfinal stock=%d sold=%d\n", left, sold)
		if *create && left+sold != *stock {
			fmt.Printf("MISMATCH: stock+sold=%d, expected %d\n", left+sold, *stock)
		}
	}
}

func run(total, concurrency int, fn func(idx int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
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

func seckillOnce(client *http.Client, baseURL string, voucherID, userID uint64) Result {
	url := fmt.Sprintf("%s/api/voucher-order/seckill/%d", baseURL, voucherID)
	req, _ := http.NewRequest(http.MethodPost, url, nil)
	req.Header.Set("X-User-ID", strconv.FormatUint(userID, 10))

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	var out struct {
		Code int `json:"code"`
	}
	body, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(body, &out)
	return Result{Status: resp.StatusCode, Code: out.Code}
}

// printSummary 聚合输出业务码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Code]++
	}
	codes := make([]int, 0, len(count))
	for c := range count {
		codes = append(codes, c)
	}
	sort.Ints(codes)

	fmt.Printf("[%s] code summary:\n", name)
	for _, c := range codes {
		fmt.Printf("  %d -> %d\n", c, count[c])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// doPOST 发送 POST 请求（支持附加请求头）。
func doPOST(client *http.Client, url string, body any, headers map[string]string) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(http.MethodPost, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// getVoucher 查询剩余库存与已售数量，用于压测后校验是否出现超卖。
func getVoucher(client *http.Client, baseURL string, voucherID uint64) (int64, int64, error) {
	url := fmt.Sprintf("%s/api/voucher/%d", baseURL, voucherID)
	resp, err := client.Get(url)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Code int `json:"code"`
		Data struct {
			Stock int64 `json:"stock"`
			Sold  int64 `json:"sold"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, 0, err
	}
	return out.Data.Stock, out.Data.Sold, nil
}
