/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package caseflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/blnkfinance/caseflow/config"
	redlock "github.com/blnkfinance/caseflow/internal/lock"
	"github.com/blnkfinance/caseflow/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type objectUploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

func newS3Uploader(ctx context.Context, cnf config.ArchiveConfig) (objectUploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cnf.S3Region)}
	if cnf.AwsAccessKeyId != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cnf.AwsAccessKeyId, cnf.AwsSecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cnf.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cnf.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Archiver periodically exports terminal messages past retention and deletes them.
type Archiver struct {
	*periodicTask
}

func NewArchiver(c *Caseflow) *Archiver {
	interval := time.Duration(c.cnf.Archive.IntervalMin) * time.Minute
	if interval <= 0 {
		interval = defaultArchiveInterval
	}
	return &Archiver{
		periodicTask: newPeriodicTask("archiver", interval, func(ctx context.Context) {
			_, _ = c.ArchiveMessages(ctx)
		}),
	}
}

// ArchiveMessages uploads one batch of PROCESSED and UNPROCESSABLE messages
// older than the retention window to S3 as JSON lines, then deletes them.
// Messages are only deleted after the upload succeeds.
func (c *Caseflow) ArchiveMessages(ctx context.Context) (int, error) {
	archived := 0
	locker := redlock.NewLocker(c.redis, "caseflow:archive", "")
	err := locker.RunExclusive(ctx, 15*time.Minute, func(ctx context.Context) error {
		var err error
		archived, err = c.archiveBatch(ctx)
		return err
	})
	if errors.Is(err, redlock.ErrLockHeld) {
		logrus.Info("Archive already running elsewhere")
		return 0, nil
	}
	if err != nil {
		logrus.WithError(err).Error("Archiving messages failed")
		return archived, err
	}
	return archived, nil
}

func (c *Caseflow) archiveBatch(ctx context.Context) (int, error) {
	cnf := c.cnf.Archive
	if cnf.S3BucketName == "" {
		return 0, errors.New("archive bucket is not configured")
	}

	retention := cnf.RetentionDays
	if retention <= 0 {
		retention = 90
	}
	batch := cnf.BatchSize
	if batch <= 0 {
		batch = 500
	}

	now := c.now().UTC()
	messages, err := c.datasource.GetArchivableMessages(ctx, now.AddDate(0, 0, -retention), batch)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	body, ids, err := encodeArchive(messages)
	if err != nil {
		return 0, err
	}

	if c.archive == nil {
		uploader, err := newS3Uploader(ctx, cnf)
		if err != nil {
			return 0, err
		}
		c.archive = uploader
	}

	prefix := cnf.Prefix
	if prefix == "" {
		prefix = config.DEFAULT_ARCHIVE_PREFIX
	}
	key := fmt.Sprintf("%s/%s/%s.jsonl", prefix, now.Format("2006/01/02"), uuid.NewString())

	_, err = c.archive.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(cnf.S3BucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return 0, fmt.Errorf("uploading archive %s: %w", key, err)
	}

	deleted, err := c.datasource.DeleteMessages(ctx, ids)
	if err != nil {
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"archived": len(ids),
		"deleted":  deleted,
	}).Info("Messages archived")
	return int(deleted), nil
}

func encodeArchive(messages []*model.Message) ([]byte, []string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		if err := enc.Encode(msg); err != nil {
			return nil, nil, err
		}
		ids = append(ids, msg.MessageID)
	}
	return buf.Bytes(), ids, nil
}
