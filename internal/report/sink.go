package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// SinkMetadata identifies the report behind a rendered artefact.
type SinkMetadata struct {
	Owner       string
	Name        string
	ReportID    uuid.UUID
	GeneratedAt time.Time
}

// Sink writes rendered Markdown somewhere durable.
type Sink interface {
	WriteReport(ctx context.Context, markdown string, meta SinkMetadata) error
}

// FSSink writes two artefacts per report under its base directory:
// {base}/{owner}/{name}/latest.md, overwritten each run, and the immutable
// {base}/{owner}/{name}/{date}-{report_id}.md. Both writes go through a temp
// file and rename so a reader never observes a partial file.
type FSSink struct {
	base string
}

func NewFSSink(base string) (*FSSink, error) {
	if base == "" {
		return nil, fmt.Errorf("report sink base path required")
	}
	return &FSSink{base: base}, nil
}

func (s *FSSink) WriteReport(ctx context.Context, markdown string, meta SinkMetadata) error {
	dir := filepath.Join(s.base, meta.Owner, meta.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	dated := fmt.Sprintf("%s-%s.md", meta.GeneratedAt.UTC().Format(dateLayout), meta.ReportID)
	if err := atomicWrite(filepath.Join(dir, dated), []byte(markdown)); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, "latest.md"), []byte(markdown))
}

// atomicWrite lands content via a temp file in the target directory; rename
// within one filesystem is atomic.
func atomicWrite(dest string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".report-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// S3Sink archives the immutable artefact to object storage under
// s3://<bucket>/<prefix>/<owner>/<name>/<date>-<report_id>.md. There is no
// latest object; S3 consumers list by prefix.
type S3Sink struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Sink{bucket: bucket, prefix: prefix, uploader: manager.NewUploader(client)}, nil
}

func (s *S3Sink) WriteReport(ctx context.Context, markdown string, meta SinkMetadata) error {
	key := path.Join(s.prefix, meta.Owner, meta.Name,
		fmt.Sprintf("%s-%s.md", meta.GeneratedAt.UTC().Format(dateLayout), meta.ReportID))
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(markdown)),
		ContentType: aws.String("text/markdown"),
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// MultiSink fans a report out to several sinks; the first failure stops the
// fan-out.
type MultiSink []Sink

func (m MultiSink) WriteReport(ctx context.Context, markdown string, meta SinkMetadata) error {
	for _, sink := range m {
		if err := sink.WriteReport(ctx, markdown, meta); err != nil {
			return err
		}
	}
	return nil
}
