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

package statestore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Upload session states.
const (
	StateInitial   = "initial"
	StateUploading = "uploading"
	StateCommit    = "commit"
)

const marcSessionClass = "MarcFileUploadSession"

// Upload is the per-file multipart bookkeeping inside a session
// document. Buffer holds serialized MARC records not yet big enough to
// upload as a part; the remaining fields are the work cursor a
// takeover needs to continue the file where the dead owner stopped.
type Upload struct {
	Buffer   string `json:"buffer"`
	UploadID string `json:"upload_id,omitempty"`
	Parts    []Part `json:"parts"`

	// LibraryID and Delta identify which artifact this file is; Since is
	// the delta window's lower bound.
	LibraryID string     `json:"library_id,omitempty"`
	Delta     bool       `json:"delta,omitempty"`
	Since     *time.Time `json:"since,omitempty"`

	// Offset is the number of works consumed into Parts and Buffer;
	// Records and Bytes are the running totals behind it.
	Offset  int   `json:"offset"`
	Records int   `json:"records"`
	Bytes   int64 `json:"bytes"`
}

// Part describes one uploaded multipart chunk.
type Part struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
}

// UploadState is a point-in-time snapshot of the session document, with
// file keys unescaped.
type UploadState struct {
	State        string
	UpdateNumber int64
	Uploads      map[string]*Upload
}

// MarcSession is a held MARC upload session lease. All mutations run
// through the fencing-token protocol, so each one bumps update_number
// and refreshes the lease.
type MarcSession struct {
	sess *Session
	key  string
}

// AcquireMarcSession takes the per-collection MARC upload session lease.
// ErrLockHeld means another exporter is running for the collection.
func AcquireMarcSession(ctx context.Context, c *Client, collectionID string, ttl time.Duration) (*MarcSession, error) {
	key := c.Key(marcSessionClass, collectionID)
	sess, err := c.Lease(key, ttl).Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &MarcSession{sess: sess, key: key}, nil
}

// UpdateNumber exposes the fencing token for logging.
func (m *MarcSession) UpdateNumber() int64 { return m.sess.UpdateNumber() }

// Release gives up the lease and deletes the session document.
func (m *MarcSession) Release(ctx context.Context) error {
	return m.sess.Release(ctx)
}

func uploadPath(fileKey string, rest ...string) string {
	segs := append([]string{"uploads", EscapePath(fileKey)}, rest...)
	return jsonPath(segs...)
}

// StartUpload creates the bookkeeping entry for a new file. The entry
// is write-once: a resuming exporter reuses the recorded one instead
// of starting over.
func (m *MarcSession) StartUpload(ctx context.Context, fileKey string, u *Upload) error {
	if u.Parts == nil {
		u.Parts = []Part{}
	}
	return m.sess.update(ctx, func(tx *redis.Tx, doc *leaseDoc) error {
		if _, ok := doc.Uploads[EscapePath(fileKey)]; ok {
			return fmt.Errorf("upload entry for %q already exists", fileKey)
		}
		return nil
	}, func(pipe redis.Pipeliner) error {
		arg, err := jsonArg(u)
		if err != nil {
			return err
		}
		pipe.JSONSet(ctx, m.key, uploadPath(fileKey), arg)
		return nil
	})
}

// BufferAppend is one file's batch: the serialized record bytes plus
// the work cursor after the batch.
type BufferAppend struct {
	Data    []byte
	Offset  int
	Records int
	Bytes   int64
}

// AppendBuffers appends record bytes to each file's buffer and commits
// the file's work cursor in the same transaction, so the recorded
// offset never gets ahead of or behind the recorded bytes. The result
// maps file key to the buffer length after the append, which the
// exporter compares to the part-size threshold.
func (m *MarcSession) AppendBuffers(ctx context.Context, updates map[string]*BufferAppend) (map[string]int, error) {
	if len(updates) == 0 {
		return map[string]int{}, nil
	}

	appendCmds := make(map[string]*redis.IntPointerSliceCmd, len(updates))

	err := m.sess.update(ctx, func(tx *redis.Tx, doc *leaseDoc) error {
		for fileKey := range updates {
			if _, ok := doc.Uploads[EscapePath(fileKey)]; !ok {
				return fmt.Errorf("no upload entry for %q", fileKey)
			}
		}
		return nil
	}, func(pipe redis.Pipeliner) error {
		for fileKey, up := range updates {
			arg, err := jsonArg(string(up.Data))
			if err != nil {
				return err
			}
			appendCmds[fileKey] = pipe.JSONStrAppend(ctx, m.key, uploadPath(fileKey, "buffer"), arg)
			pipe.JSONSet(ctx, m.key, uploadPath(fileKey, "offset"), strconv.Itoa(up.Offset))
			pipe.JSONSet(ctx, m.key, uploadPath(fileKey, "records"), strconv.Itoa(up.Records))
			pipe.JSONSet(ctx, m.key, uploadPath(fileKey, "bytes"), strconv.FormatInt(up.Bytes, 10))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lengths := make(map[string]int, len(updates))
	for fileKey, cmd := range appendCmds {
		ns, err := cmd.Result()
		if err != nil || len(ns) == 0 || ns[0] == nil {
			return nil, fmt.Errorf("append result for %q missing: %w", fileKey, err)
		}
		lengths[fileKey] = int(*ns[0])
	}
	return lengths, nil
}

// SetUploadID records the multipart upload id for a file. The id is
// write-once: setting it again is an error.
func (m *MarcSession) SetUploadID(ctx context.Context, fileKey, uploadID string) error {
	return m.sess.update(ctx, func(tx *redis.Tx, doc *leaseDoc) error {
		u, ok := doc.Uploads[EscapePath(fileKey)]
		if !ok {
			return fmt.Errorf("no upload entry for %q", fileKey)
		}
		if u.UploadID != "" {
			return fmt.Errorf("upload id for %q already set", fileKey)
		}
		return nil
	}, func(pipe redis.Pipeliner) error {
		arg, err := jsonArg(uploadID)
		if err != nil {
			return err
		}
		pipe.JSONSetMode(ctx, m.key, uploadPath(fileKey, "upload_id"), arg, "NX")
		return nil
	})
}

// AddPartAndClearBuffer records an uploaded part and empties the file's
// buffer in one transaction.
func (m *MarcSession) AddPartAndClearBuffer(ctx context.Context, fileKey string, part Part) error {
	return m.sess.update(ctx, func(tx *redis.Tx, doc *leaseDoc) error {
		if _, ok := doc.Uploads[EscapePath(fileKey)]; !ok {
			return fmt.Errorf("no upload entry for %q", fileKey)
		}
		return nil
	}, func(pipe redis.Pipeliner) error {
		arg, err := jsonArg(part)
		if err != nil {
			return err
		}
		pipe.JSONArrAppend(ctx, m.key, uploadPath(fileKey, "parts"), arg)
		pipe.JSONSet(ctx, m.key, uploadPath(fileKey, "buffer"), `""`)
		return nil
	})
}

// SetState transitions the session's lifecycle state.
func (m *MarcSession) SetState(ctx context.Context, state string) error {
	return m.sess.Update(ctx, func(pipe redis.Pipeliner) error {
		arg, err := jsonArg(state)
		if err != nil {
			return err
		}
		pipe.JSONSet(ctx, m.key, "$.state", arg)
		return nil
	})
}

// RemoveUpload drops one file's entry, after its multipart upload was
// completed or aborted.
func (m *MarcSession) RemoveUpload(ctx context.Context, fileKey string) error {
	return m.sess.Update(ctx, func(pipe redis.Pipeliner) error {
		pipe.JSONDel(ctx, m.key, uploadPath(fileKey))
		return nil
	})
}

// State reads the current session document. Ownership is verified so a
// session that lost its lease reads ErrLockNotHeld instead of another
// owner's state. Reads do not consume an update_number.
func (m *MarcSession) State(ctx context.Context) (*UploadState, error) {
	doc, err := m.sess.read(ctx)
	if err != nil {
		return nil, err
	}
	uploads := make(map[string]*Upload, len(doc.Uploads))
	for esc, u := range doc.Uploads {
		key, err := UnescapePath(esc)
		if err != nil {
			return nil, fmt.Errorf("corrupt upload key: %w", err)
		}
		uploads[key] = u
	}
	return &UploadState{State: doc.State, UpdateNumber: doc.UpdateNumber, Uploads: uploads}, nil
}
