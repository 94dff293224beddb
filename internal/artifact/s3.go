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
	stderrors "errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/soliplex/ingester/pkg/errors"
)

// S3Client is the subset of the S3 API the backend calls. Satisfied by
// *s3.Client; tests substitute a fake.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3 stores artifacts in an S3-compatible bucket under
// <storageRoot>/<shard>/<hash>/<kind>, mirroring the filesystem layout.
type S3 struct {
	client      S3Client
	bucket      string
	storageRoot string
}

// NewS3 wraps an existing client.
func NewS3(client S3Client, bucket, storageRoot string) (*S3, error) {
	if bucket == "" {
		return nil, &errors.ValidationError{Field: "s3_bucket", Message: "bucket name is required"}
	}
	if storageRoot == "" {
		storageRoot = "default"
	}
	return &S3{client: client, bucket: bucket, storageRoot: storageRoot}, nil
}

// NewS3FromEnv builds a client from the default AWS credential chain.
// endpoint overrides the service URL for MinIO-style deployments.
func NewS3FromEnv(ctx context.Context, bucket, storageRoot, endpoint string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3(client, bucket, storageRoot)
}

func (s *S3) key(hash string, kind Kind) string {
	return path.Join(s.storageRoot, shard(hash), hash, string(kind))
}

func (s *S3) prefix(hash string) string {
	return path.Join(s.storageRoot, shard(hash), hash) + "/"
}

func (s *S3) Put(ctx context.Context, hash string, kind Kind, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash, kind)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("putting artifact object: %w", err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, hash string, kind Kind) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash, kind)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if stderrors.As(err, &nsk) {
			return nil, &errors.NotFoundError{Resource: "artifact", ID: hash + "/" + string(kind)}
		}
		return nil, fmt.Errorf("getting artifact object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading artifact object: %w", err)
	}
	return data, nil
}

func (s *S3) Exists(ctx context.Context, hash string, kind Kind) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash, kind)),
	})
	if err != nil {
		var nf *types.NotFound
		if stderrors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("heading artifact object: %w", err)
	}
	return true, nil
}

func (s *S3) DeleteAllFor(ctx context.Context, hash string) (int64, error) {
	var deleted int64
	var token *string
	for {
		list, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix(hash)),
			ContinuationToken: token,
		})
		if err != nil {
			return deleted, fmt.Errorf("listing artifact objects: %w", err)
		}
		if len(list.Contents) > 0 {
			ids := make([]types.ObjectIdentifier, 0, len(list.Contents))
			for _, obj := range list.Contents {
				ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
			}
			if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			}); err != nil {
				return deleted, fmt.Errorf("deleting artifact objects: %w", err)
			}
			deleted += int64(len(ids))
		}
		if list.IsTruncated == nil || !*list.IsTruncated {
			return deleted, nil
		}
		token = list.NextContinuationToken
	}
}
