package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	rkafka "relentless-harvester/internal/kafka"
	"relentless-harvester/internal/logger"
)

// commitCoordinator buffers finished scan requests per partition and commits them in
// offset order, so a long session never lets a later offset commit past an earlier one.
type commitCoordinator struct {
	reader     rkafka.MessageReader
	commitCh   <-chan kafka.Message
	nextOffset map[int]int64
	pending    map[int]map[int64]kafka.Message
	mu         sync.Mutex
}

func newCommitCoordinator(reader rkafka.MessageReader, commitCh <-chan kafka.Message) *commitCoordinator {
	return &commitCoordinator{
		reader:     reader,
		commitCh:   commitCh,
		nextOffset: make(map[int]int64),
		pending:    make(map[int]map[int64]kafka.Message),
	}
}

// run drains commitCh until it is closed or ctx ends, flushing what it can on exit.
func (c *commitCoordinator) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			c.flush(context.WithoutCancel(ctx))
			return
		case msg, ok := <-c.commitCh:
			if !ok {
				c.flush(ctx)
				return
			}
			c.enqueue(msg)
			c.drain(ctx, msg.Partition)
		}
	}
}

func (c *commitCoordinator) enqueue(msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := msg.Partition
	if c.pending[p] == nil {
		c.pending[p] = make(map[int64]kafka.Message)
	}
	c.pending[p][msg.Offset] = msg
	atomic.AddInt64(&workerCommitPending, 1)
	if _, exists := c.nextOffset[p]; !exists {
		c.nextOffset[p] = msg.Offset
	}
}

// track records a fetched message before it is processed, so the first offset of a
// partition is known even when a later message finishes first.
func (c *commitCoordinator) track(msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.nextOffset[msg.Partition]; !exists {
		c.nextOffset[msg.Partition] = msg.Offset
	}
}

// commitNext commits the next contiguous offset of partition. Caller holds c.mu; the lock
// is released around the commit call. A failed commit is re-queued and stops the drain.
func (c *commitCoordinator) commitNext(ctx context.Context, partition int, what string) bool {
	next := c.nextOffset[partition]
	m, ok := c.pending[partition][next]
	if !ok {
		return false
	}
	delete(c.pending[partition], next)
	atomic.AddInt64(&workerCommitPending, -1)
	c.mu.Unlock()
	start := time.Now()
	err := c.reader.CommitMessages(ctx, m)
	commitLatency.Observe(time.Since(start))
	c.mu.Lock()
	if err != nil {
		atomic.AddUint64(&workerCommitErrors, 1)
		log := logger.WithComponent("commit")
		log.Error().Err(err).Int("partition", partition).Int64("offset", next).Msg(what)
		c.pending[partition][next] = m
		atomic.AddInt64(&workerCommitPending, 1)
		return false
	}
	c.nextOffset[partition] = next + 1
	return true
}

func (c *commitCoordinator) drain(ctx context.Context, partition int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.commitNext(ctx, partition, "commit failed") {
	}
}

func (c *commitCoordinator) flush(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.pending {
		for c.commitNext(ctx, p, "commit flush failed") {
		}
	}
}
