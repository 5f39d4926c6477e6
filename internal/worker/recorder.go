package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	costChanSize   = 1000
	costBatchSize  = 64
	costFlushEvery = 2 * time.Second
	costDrainTime  = 30 * time.Second
)

// CostLedger is the persistence interface consumed by CostRecorder.
type CostLedger interface {
	Add(ctx context.Context, email string, cost float64) error
}

type costRecord struct {
	email string
	cost  float64
}

// CostRecorder buffers metered dollar amounts and batch-flushes them to
// the ledger so metering never stalls response bytes. Records are dropped
// if the channel is full (back-pressure on slow DB).
type CostRecorder struct {
	ch     chan costRecord
	ledger CostLedger
	gauge  func(n int) // queue length hook, may be nil
}

// NewCostRecorder creates a CostRecorder backed by ledger.
func NewCostRecorder(ledger CostLedger) *CostRecorder {
	return &CostRecorder{
		ch:     make(chan costRecord, costChanSize),
		ledger: ledger,
	}
}

// SetQueueGauge installs a callback invoked with the current queue length
// after every enqueue and flush.
func (c *CostRecorder) SetQueueGauge(fn func(n int)) { c.gauge = fn }

// Record enqueues a metered cost. It never blocks; drops on full channel.
func (c *CostRecorder) Record(email string, cost float64) {
	if cost <= 0 {
		return
	}
	select {
	case c.ch <- costRecord{email: email, cost: cost}:
	default:
		slog.Warn("cost record dropped, channel full", "email", email)
	}
	c.updateGauge()
}

func (c *CostRecorder) updateGauge() {
	if c.gauge != nil {
		c.gauge(len(c.ch))
	}
}

// Run processes records until ctx is cancelled, then drains remaining records.
func (c *CostRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(costFlushEvery)
	defer ticker.Stop()

	buf := make([]costRecord, 0, costBatchSize)

	for {
		select {
		case r := <-c.ch:
			buf = append(buf, r)
			if len(buf) >= costBatchSize {
				c.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				c.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining records with a timeout.
			c.drain(buf)
			return nil
		}
	}
}

func (c *CostRecorder) drain(buf []costRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), costDrainTime)
	defer cancel()

	for {
		select {
		case r := <-c.ch:
			buf = append(buf, r)
			if len(buf) >= costBatchSize {
				c.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				c.flush(ctx, buf)
			}
			return
		}
	}
}

// flush coalesces the batch per email before writing: the ledger upsert is
// additive, so one Add per email carries the batch's whole delta.
func (c *CostRecorder) flush(ctx context.Context, buf []costRecord) {
	totals := make(map[string]float64, len(buf))
	order := make([]string, 0, len(buf))
	for _, r := range buf {
		if _, seen := totals[r.email]; !seen {
			order = append(order, r.email)
		}
		totals[r.email] += r.cost
	}

	for _, email := range order {
		if err := c.ledger.Add(ctx, email, totals[email]); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "cost flush failed",
				slog.String("email", email),
				slog.Float64("cost", totals[email]),
				slog.String("error", err.Error()),
			)
		}
	}
	c.updateGauge()
}
