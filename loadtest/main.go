package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"postingrelay/internal/channel"
	v1 "postingrelay/pkg/api/v1"
	"postingrelay/pkg/constraints"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Configuration
var (
	redisAddr   = flag.String("redis", "localhost:6379", "Redis address")
	stream      = flag.String("stream", "transaction-events", "Inbound stream the service consumes")
	total       = flag.Int("n", 10000, "Total events to publish")
	workers     = flag.Int("c", 16, "Concurrent publishers")
	dupRatio    = flag.Float64("dup", 0.2, "Share of events that replay an earlier transaction")
	skipHold    = flag.Float64("nohold", 0.01, "Share of events without a holdId")
	startTxID   = flag.Int64("start", time.Now().Unix()*1000, "First transaction id")
	publishWait = flag.Duration("timeout", 2*time.Second, "Per publish timeout")
)

// Metrics
var (
	sent       int64
	duplicates int64
	noHold     int64
	errs       int64
)

func main() {
	flag.Parse()

	fmt.Printf("🚀 Starting inbound load\n")
	fmt.Printf("   Stream: %s @ %s\n", *stream, *redisAddr)
	fmt.Printf("   Events: %d | Publishers: %d | Duplicates: %.0f%%\n", *total, *workers, *dupRatio*100)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Printf("redis unreachable: %v\n", err)
		os.Exit(1)
	}
	pub := channel.NewRedisStream(rdb, channel.RedisStreamOptions{Stream: *stream})

	reporterCtx, stopReporter := context.WithCancel(ctx)
	go report(reporterCtx)

	var nextTx atomic.Int64
	nextTx.Store(*startTxID)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last []byte
			for range jobs {
				payload := last
				switch {
				case last != nil && rand.Float64() < *dupRatio:
					atomic.AddInt64(&duplicates, 1)
				default:
					payload = newEvent(nextTx.Add(1), rand.Float64() >= *skipHold)
					last = payload
				}
				publish(ctx, pub, payload)
			}
		}()
	}

	start := time.Now()
loop:
	for i := 0; i < *total; i++ {
		select {
		case <-ctx.Done():
			break loop
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	stopReporter()

	elapsed := time.Since(start)
	fmt.Printf("✅ Done in %v: sent=%d duplicates=%d without_hold=%d errors=%d (%.0f msg/s)\n",
		elapsed.Round(time.Millisecond), atomic.LoadInt64(&sent), atomic.LoadInt64(&duplicates),
		atomic.LoadInt64(&noHold), atomic.LoadInt64(&errs), float64(atomic.LoadInt64(&sent))/elapsed.Seconds())
}

func newEvent(txID int64, withHold bool) []byte {
	issuer, merchant := rand.Int64N(1000)+1, rand.Int64N(1000)+1
	event := v1.TransactionAuthorizedEvent{
		TransactionID:     &txID,
		IssuerAccountID:   &issuer,
		MerchantAccountID: &merchant,
		Amount:            decimal.New(rand.Int64N(100000)+1, -2),
		Currency:          "EUR",
		Status:            "AUTHORIZED",
	}
	if withHold {
		hold := txID + 1
		event.HoldID = &hold
	} else {
		atomic.AddInt64(&noHold, 1)
	}
	payload, _ := json.Marshal(event)
	return payload
}

func publish(ctx context.Context, pub *channel.RedisStream, payload []byte) {
	var probe struct {
		TransactionID int64 `json:"transactionId"`
	}
	_ = json.Unmarshal(payload, &probe)

	ctx, cancel := context.WithTimeout(ctx, *publishWait)
	defer cancel()
	err := pub.Publish(ctx, strconv.FormatInt(probe.TransactionID, 10), string(payload), constraints.EventTransactionAuthorized)
	if err != nil {
		if atomic.AddInt64(&errs, 1) == 1 {
			fmt.Printf("publish error: %v\n", err)
		}
		return
	}
	atomic.AddInt64(&sent, 1)
}

func report(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var prev int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := atomic.LoadInt64(&sent)
			fmt.Printf("[%s] Sent: %d | Msgs/s: %d | Duplicates: %d | Errors: %d\n",
				time.Now().Format("15:04:05"), current, current-prev,
				atomic.LoadInt64(&duplicates), atomic.LoadInt64(&errs))
			prev = current
		}
	}
}
