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

package objstore

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	objects map[string][]byte
	uploads map[string]map[int32][]byte
	seq     int

	lastContentType string
	aborted         []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: map[string][]byte{},
		uploads: map[string]map[int32][]byte{},
	}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.lastContentType = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.seq++
	id := fmt.Sprintf("upload-%d", f.seq)
	f.uploads[id] = map[int32][]byte{}
	f.lastContentType = aws.ToString(in.ContentType)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	id := aws.ToString(in.UploadId)
	parts, ok := f.uploads[id]
	if !ok {
		return nil, fmt.Errorf("no such upload %q", id)
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	n := aws.ToInt32(in.PartNumber)
	parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	id := aws.ToString(in.UploadId)
	parts, ok := f.uploads[id]
	if !ok {
		return nil, fmt.Errorf("no such upload %q", id)
	}
	var data []byte
	for _, p := range in.MultipartUpload.Parts {
		data = append(data, parts[aws.ToInt32(p.PartNumber)]...)
	}
	f.objects[aws.ToString(in.Key)] = data
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	id := aws.ToString(in.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, fmt.Errorf("no such upload %q", id)
	}
	delete(f.uploads, id)
	f.aborted = append(f.aborted, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestS3Store_PutDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeS3()
	store := NewS3StoreWithAPI(api, &Config{Bucket: "files"})

	if err := store.Put(ctx, "a/b.mrc", "application/marc", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if got, want := string(api.objects["a/b.mrc"]), "payload"; got != want {
		t.Errorf("expected object %q, got %q", want, got)
	}
	if got, want := api.lastContentType, "application/marc"; got != want {
		t.Errorf("expected content type %q, got %q", want, got)
	}

	if err := store.Delete(ctx, "a/b.mrc"); err != nil {
		t.Fatal(err)
	}
	if _, ok := api.objects["a/b.mrc"]; ok {
		t.Error("object survived delete")
	}
}

func TestS3Store_MultipartLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeS3()
	store := NewS3StoreWithAPI(api, &Config{Bucket: "files"})

	id, err := store.CreateMultipart(ctx, "big.mrc", "application/marc")
	if err != nil {
		t.Fatal(err)
	}

	var parts []Part
	for i, chunk := range []string{"first-", "second-", "third"} {
		n := int32(i + 1)
		etag, err := store.UploadPart(ctx, "big.mrc", id, n, []byte(chunk))
		if err != nil {
			t.Fatal(err)
		}
		parts = append(parts, Part{Number: n, ETag: etag})
	}

	if err := store.CompleteMultipart(ctx, "big.mrc", id, parts); err != nil {
		t.Fatal(err)
	}
	if got, want := string(api.objects["big.mrc"]), "first-second-third"; got != want {
		t.Errorf("expected assembled object %q, got %q", want, got)
	}
}

func TestS3Store_AbortMultipart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeS3()
	store := NewS3StoreWithAPI(api, &Config{Bucket: "files"})

	id, err := store.CreateMultipart(ctx, "big.mrc", "application/marc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.UploadPart(ctx, "big.mrc", id, 1, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := store.AbortMultipart(ctx, "big.mrc", id); err != nil {
		t.Fatal(err)
	}
	if got, want := len(api.aborted), 1; got != want {
		t.Errorf("expected %d aborts, got %d", want, got)
	}
	if _, ok := api.objects["big.mrc"]; ok {
		t.Error("aborted upload produced an object")
	}
}

func TestS3Store_URL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "aws",
			cfg:  Config{Bucket: "files", Region: "us-east-1"},
			want: "https://files.s3.us-east-1.amazonaws.com/a/b.mrc",
		},
		{
			name: "endpoint",
			cfg:  Config{Bucket: "files", Endpoint: "http://minio:9000/"},
			want: "http://minio:9000/files/a/b.mrc",
		},
		{
			name: "public_base",
			cfg:  Config{Bucket: "files", PublicBaseURL: "https://cdn.example.com/"},
			want: "https://cdn.example.com/a/b.mrc",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := tc.cfg
			store := NewS3StoreWithAPI(newFakeS3(), &cfg)
			if got, want := store.URL("a/b.mrc"), tc.want; got != want {
				t.Errorf("expected URL %q, got %q", want, got)
			}
		})
	}
}
