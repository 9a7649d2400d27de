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

// Package apply moves importer output into the repository through a
// Redis Stream. Dispatchers append; workers consume via a consumer
// group and apply with last-write-wins ordering on stream IDs.
package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/stackroom/circulation/pkg/model"
)

// Kind classifies a message's payload.
type Kind string

const (
	KindBibliographic = Kind("bibliographic")
	KindCirculation   = Kind("circulation")
)

// messageField is the single stream-entry field carrying the message.
const messageField = "data"

// StreamKey returns the apply stream's Redis key under a namespace
// prefix.
func StreamKey(prefix string) string {
	return prefix + "::apply::stream"
}

// Message is one unit of repository work.
type Message struct {
	Kind         Kind             `json:"kind"`
	CollectionID string           `json:"collection_id"`
	Identifier   model.Identifier `json:"identifier"`
	Payload      json.RawMessage  `json:"payload"`
}

// Dispatcher appends messages to the stream. The server-assigned
// stream ID doubles as the message's update number.
type Dispatcher struct {
	rdb    redis.Cmdable
	stream string
}

// NewDispatcher builds a dispatcher for the namespace prefix.
func NewDispatcher(rdb redis.Cmdable, prefix string) *Dispatcher {
	return &Dispatcher{rdb: rdb, stream: StreamKey(prefix)}
}

// DispatchBibliographic enqueues a bibliographic snapshot.
func (d *Dispatcher) DispatchBibliographic(ctx context.Context, collectionID string, data *model.BibliographicData) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode bibliographic payload: %w", err)
	}
	return d.dispatch(ctx, &Message{
		Kind:         KindBibliographic,
		CollectionID: collectionID,
		Identifier:   data.Identifier,
		Payload:      payload,
	})
}

// DispatchCirculation enqueues a circulation snapshot.
func (d *Dispatcher) DispatchCirculation(ctx context.Context, collectionID string, data *model.CirculationData) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode circulation payload: %w", err)
	}
	return d.dispatch(ctx, &Message{
		Kind:         KindCirculation,
		CollectionID: collectionID,
		Identifier:   data.Identifier,
		Payload:      payload,
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, m *Message) (string, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode apply message: %w", err)
	}
	id, err := d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		ID:     "*",
		Values: map[string]any{messageField: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to apply stream: %w", err)
	}
	return id, nil
}

// CompareStreamIDs orders two Redis stream IDs ("ms-seq"). An empty ID
// sorts before everything, so a fresh identifier always applies.
func CompareStreamIDs(a, b string) int {
	ams, aseq := splitStreamID(a)
	bms, bseq := splitStreamID(b)
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	}
	return 0
}

func splitStreamID(id string) (uint64, uint64) {
	if id == "" {
		return 0, 0
	}
	msPart, seqPart, _ := strings.Cut(id, "-")
	ms, _ := strconv.ParseUint(msPart, 10, 64)
	seq, _ := strconv.ParseUint(seqPart, 10, 64)
	return ms, seq
}
