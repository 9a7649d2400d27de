// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/redis/go-redis/v9"

	"github.com/stackroom/circulation/pkg/model"
)

// Store is the repository surface the worker applies messages through.
// LastAppliedID returns "" for an identifier never applied.
type Store interface {
	LastAppliedID(ctx context.Context, identifier model.Identifier) (string, error)
	ApplyBibliographic(ctx context.Context, collectionID string, data *model.BibliographicData, streamID string) error
	ApplyCirculation(ctx context.Context, collectionID string, data *model.CirculationData, streamID string) error
}

const (
	defaultBlock   = 5 * time.Second
	defaultBatch   = 32
	defaultGroup   = "apply"
	reclaimMinIdle = time.Minute
	maxDeliveries  = 5
)

// Worker consumes the apply stream through a consumer group. Workers
// scale horizontally; last-write-wins on stream IDs keeps concurrent
// application of the same identifier convergent.
type Worker struct {
	rdb      redis.Cmdable
	store    Store
	stream   string
	group    string
	consumer string

	block time.Duration
	batch int64
}

// NewWorker builds a worker. Consumer names must be unique per process
// within the group.
func NewWorker(rdb redis.Cmdable, prefix, consumer string, store Store) *Worker {
	return &Worker{
		rdb:      rdb,
		store:    store,
		stream:   StreamKey(prefix),
		group:    defaultGroup,
		consumer: consumer,
		block:    defaultBlock,
		batch:    defaultBatch,
	}
}

// Run consumes until the context is canceled. The in-flight batch
// drains before returning.
func (w *Worker) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	if err := w.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			logger.InfoContext(ctx, "apply worker stopping")
			return nil
		}

		if err := w.reclaim(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "failed to reclaim pending apply messages",
				"error", err)
		}

		msgs, err := w.readBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("failed to read apply stream: %w", err)
		}
		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) ensureGroup(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, w.stream, w.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create apply consumer group: %w", err)
	}
	return nil
}

func (w *Worker) readBatch(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.group,
		Consumer: w.consumer,
		Streams:  []string{w.stream, ">"},
		Count:    w.batch,
		Block:    w.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// reclaim takes over messages other consumers left pending. Messages
// that have been claimed too many times are dead-lettered: logged and
// acknowledged so they stop poisoning the group.
func (w *Worker) reclaim(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	claimed, _, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.stream,
		Group:    w.group,
		Consumer: w.consumer,
		MinIdle:  reclaimMinIdle,
		Start:    "0-0",
		Count:    w.batch,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	deliveries := w.deliveryCounts(ctx, claimed)
	for _, msg := range claimed {
		if deliveries[msg.ID] > maxDeliveries {
			logger.ErrorContext(ctx, "dead-lettering apply message",
				"stream_id", msg.ID,
				"deliveries", deliveries[msg.ID])
			if err := w.rdb.XAck(ctx, w.stream, w.group, msg.ID).Err(); err != nil {
				logger.ErrorContext(ctx, "failed to ack dead-lettered message",
					"stream_id", msg.ID,
					"error", err)
			}
			continue
		}
		w.handle(ctx, msg)
	}
	return nil
}

func (w *Worker) deliveryCounts(ctx context.Context, msgs []redis.XMessage) map[string]int64 {
	out := make(map[string]int64, len(msgs))
	pending, err := w.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   w.stream,
		Group:    w.group,
		Start:    "-",
		End:      "+",
		Count:    int64(len(msgs)),
		Consumer: w.consumer,
	}).Result()
	if err != nil {
		return out
	}
	for _, p := range pending {
		out[p.ID] = p.RetryCount
	}
	return out
}

// handle applies one message and acks on success. Failures are logged
// and left pending for redelivery.
func (w *Worker) handle(ctx context.Context, msg redis.XMessage) {
	logger := logging.FromContext(ctx)

	if err := w.apply(ctx, msg); err != nil {
		logger.ErrorContext(ctx, "failed to apply message",
			"stream_id", msg.ID,
			"error", err)
		return
	}
	if err := w.rdb.XAck(ctx, w.stream, w.group, msg.ID).Err(); err != nil {
		logger.ErrorContext(ctx, "failed to ack applied message",
			"stream_id", msg.ID,
			"error", err)
	}
}

func (w *Worker) apply(ctx context.Context, msg redis.XMessage) error {
	raw, ok := msg.Values[messageField].(string)
	if !ok {
		return fmt.Errorf("stream entry %s carries no message body", msg.ID)
	}
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return fmt.Errorf("failed to decode apply message %s: %w", msg.ID, err)
	}

	last, err := w.store.LastAppliedID(ctx, m.Identifier)
	if err != nil {
		return fmt.Errorf("failed to read last applied ID: %w", err)
	}
	// An older or duplicate message has nothing to add; ack and move on.
	if last != "" && CompareStreamIDs(msg.ID, last) <= 0 {
		return nil
	}

	switch m.Kind {
	case KindBibliographic:
		var data model.BibliographicData
		if err := json.Unmarshal(m.Payload, &data); err != nil {
			return fmt.Errorf("failed to decode bibliographic payload %s: %w", msg.ID, err)
		}
		return w.store.ApplyBibliographic(ctx, m.CollectionID, &data, msg.ID)
	case KindCirculation:
		var data model.CirculationData
		if err := json.Unmarshal(m.Payload, &data); err != nil {
			return fmt.Errorf("failed to decode circulation payload %s: %w", msg.ID, err)
		}
		return w.store.ApplyCirculation(ctx, m.CollectionID, &data, msg.ID)
	default:
		return fmt.Errorf("unknown apply message kind %q", m.Kind)
	}
}
