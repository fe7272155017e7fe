package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"go.uber.org/zap"

	pagestore "github.com/relaydb/pagestore"
	"github.com/relaydb/pagestore/internal/broker"
	"github.com/relaydb/pagestore/internal/pkg/logging"
)

func main() {
	dir := flag.String("dir", "loadgen-data", "database directory")
	queues := flag.Int("queues", 4, "number of queues to spread messages across")
	messages := flag.Int("messages", 10000, "number of messages to store")
	dequeueRatio := flag.Float64("dequeue-ratio", 0.3, "fraction of enqueues immediately followed by a dequeue, to exercise pipeline cancellation")
	seed := flag.Int64("seed", time.Now().UnixNano(), "gofakeit seed")
	flag.Parse()

	logConf := logging.DefaultConfig()
	logConf.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger, err := logConf.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := pagestore.DefaultConfig(*dir)
	store, err := pagestore.Open(cfg)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	gen := gofakeit.New(*seed)

	queueKeys := make([]broker.QueueKey, *queues)
	for i := range queueKeys {
		queueKeys[i] = store.AddQueue()
	}

	var wg sync.WaitGroup
	var completed, failed int
	var mu sync.Mutex

	start := time.Now()
	for i := 0; i < *messages; i++ {
		queue := queueKeys[gen.IntRange(0, len(queueKeys)-1)]
		seq := broker.QueueSeq(i)
		body := []byte(gen.Sentence(gen.IntRange(3, 40)))

		u := store.CreateStoreUOW()
		key := store.NextMessageKey()
		u.Store(key, body)
		u.Enqueue(broker.QueueEntryRecord{Queue: queue, Seq: seq, Message: key})

		wg.Add(1)
		u.OnComplete(func(uowFailed bool) {
			defer wg.Done()
			mu.Lock()
			if uowFailed {
				failed++
			} else {
				completed++
			}
			mu.Unlock()
		})
		store.SubmitUOW(u)

		if gen.Float64() < *dequeueRatio {
			d := store.CreateStoreUOW()
			d.Dequeue(broker.QueueEntryRecord{Queue: queue, Seq: seq, Message: key})
			wg.Add(1)
			d.OnComplete(func(uowFailed bool) { wg.Done() })
			store.SubmitUOW(d)
		}
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Fprintf(os.Stdout, "stored %d messages across %d queues in %s (%d completed, %d failed)\n",
		*messages, *queues, elapsed, completed, failed)
	for _, q := range queueKeys {
		status, _ := store.GetQueueStatus(q)
		fmt.Fprintf(os.Stdout, "queue %d: %d entries [%d, %d]\n", q, status.EntryCount, status.FirstSeq, status.LastSeq)
	}
}
