// Package audit writes the security event trail to ClickHouse. Recording is
// asynchronous: events are buffered in memory and flushed in batches, and a
// full buffer drops the event rather than stalling request handling.
package audit

import (
	"context"
	"time"

	"carpool-auth/internal/bucketing"
	"carpool-auth/internal/client"
	"carpool-auth/internal/model"
	"carpool-auth/internal/util"
)

const (
	bufferSize    = 1024
	flushSize     = 100
	flushInterval = 5 * time.Second
)

const insertStmt = `INSERT INTO security_events
	(event_bucket, event_date, event_time, event_type, user_id, phone, ip_address, details)`

type Recorder interface {
	Record(event model.SecurityEvent)
	Close()
}

type ClickHouseRecorder struct {
	client  *client.ClickHouseClient
	buckets *bucketing.Manager
	events  chan model.SecurityEvent
	done    chan struct{}
}

func NewClickHouseRecorder(ch *client.ClickHouseClient, buckets *bucketing.Manager) *ClickHouseRecorder {
	r := &ClickHouseRecorder{
		client:  ch,
		buckets: buckets,
		events:  make(chan model.SecurityEvent, bufferSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record buffers the event for the next flush. The bucket and date partition
// fields are filled here so callers only set the domain fields.
func (r *ClickHouseRecorder) Record(event model.SecurityEvent) {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	key := event.UserID
	if key == "" {
		key = event.Phone
	}
	event.EventBucket = r.buckets.EventBucket(key)
	event.EventDate = r.buckets.DateBucket(event.EventTime)

	select {
	case r.events <- event:
	default:
		util.Warn("Audit buffer full, dropping event",
			util.String("event_type", event.EventType))
	}
}

func (r *ClickHouseRecorder) run() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.SecurityEvent, 0, flushSize)
	for {
		select {
		case event, ok := <-r.events:
			if !ok {
				r.flush(batch)
				close(r.done)
				return
			}
			batch = append(batch, event)
			if len(batch) >= flushSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *ClickHouseRecorder) flush(events []model.SecurityEvent) {
	if len(events) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := r.client.Conn.PrepareBatch(ctx, insertStmt)
	if err != nil {
		util.Error("Failed to prepare audit batch", util.ErrorField(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			int32(e.EventBucket), e.EventDate, e.EventTime, e.EventType,
			e.UserID, e.Phone, e.IPAddress, e.Details,
		); err != nil {
			util.Error("Failed to append audit event", util.ErrorField(err))
			return
		}
	}

	if err := batch.Send(); err != nil {
		util.Error("Failed to flush audit batch",
			util.Int("events", len(events)),
			util.ErrorField(err))
		return
	}

	util.Debug("Audit batch flushed", util.Int("events", len(events)))
}

// Close flushes buffered events and stops the background writer.
func (r *ClickHouseRecorder) Close() {
	close(r.events)
	select {
	case <-r.done:
	case <-time.After(15 * time.Second):
		util.Warn("Timed out waiting for audit flush")
	}
}

// NoopRecorder stands in when ClickHouse is disabled.
type NoopRecorder struct{}

func (NoopRecorder) Record(model.SecurityEvent) {}
func (NoopRecorder) Close()                     {}
