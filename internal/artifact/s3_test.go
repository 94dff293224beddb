// Copyright 2025 The Soliplex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artifact

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soliplex/ingester/pkg/errors"
)

// fakeS3 is an in-memory S3Client.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key := range f.objects {
		if strings.HasPrefix(key, *in.Prefix) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
		}
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, *id.Key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func newTestS3(t *testing.T) (*S3, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	s, err := NewS3(fake, "artifacts", "default")
	require.NoError(t, err)
	return s, fake
}

func TestS3_RoundTrip(t *testing.T) {
	s, fake := newTestS3(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testHash, KindRaw, []byte("payload")))

	// Keys mirror the filesystem layout.
	_, ok := fake.objects["default/aa/"+testHash+"/raw"]
	assert.True(t, ok)

	data, err := s.Get(ctx, testHash, KindRaw)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	exists, err := s.Exists(ctx, testHash, KindRaw)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Exists(ctx, testHash, KindChunks)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestS3_GetMissing(t *testing.T) {
	s, _ := newTestS3(t)
	_, err := s.Get(context.Background(), testHash, KindRaw)
	assert.True(t, errors.IsNotFound(err))
}

func TestS3_DeleteAllFor(t *testing.T) {
	s, fake := newTestS3(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testHash, KindRaw, []byte("a")))
	require.NoError(t, s.Put(ctx, testHash, KindChunks, []byte("b")))
	// Another hash survives the sweep.
	other := "sha256-" + strings.Repeat("b", 64)
	require.NoError(t, s.Put(ctx, other, KindRaw, []byte("c")))

	n, err := s.DeleteAllFor(ctx, testHash)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Len(t, fake.objects, 1)
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(newFakeS3(), "", "default")
	var ve *errors.ValidationError
	assert.ErrorAs(t, err, &ve)
}
