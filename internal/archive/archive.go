// Package archive implements the nightly archival of closed-trade
// reflections to S3-compatible object storage (SPEC_FULL.md's domain-stack
// addition: the teacher's go.mod declares aws-sdk-go-v2/config,
// /credentials, /service/s3 and /feature/s3/manager as direct requires, but
// no retrieved source file in the pack exercises them — this package is the
// first concrete home for that dependency, following the SDK's standard v2
// config-loading idiom and manager.Uploader (the SDK's recommended upload
// helper over raw PutObject) since there is no teacher call site to ground
// the usage shape on). Scheduled by a robfig/cron "@every"/daily entry, the
// natural fit for a fixed wall-clock cadence (unlike the elapsed-aware
// Decision/Reflection loops in internal/scheduler).
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// ReflectionSource supplies the rows to archive. Implemented directly by
// *reflection.Store, whose ClosedSince returns the domain.TradeReflection
// rows the archiver only serializes.
type ReflectionSource interface {
	ClosedSince(since time.Time) ([]domain.TradeReflection, error)
}

// Config configures the nightly uploader.
type Config struct {
	Bucket    string
	Prefix    string // object key prefix, e.g. "reflections/"
	Endpoint  string // non-empty for R2 or any S3-compatible endpoint
	Region    string
	AccessKey string
	SecretKey string
	Schedule  string // not read by New; the cron expression is Start's argument
}

// Uploader archives closed trade reflections to object storage on a cron
// schedule.
type Uploader struct {
	uploader *manager.Uploader
	source   ReflectionSource
	bucket   string
	prefix   string
	log      zerolog.Logger
	cron     *cron.Cron
}

// New builds an Uploader from Config. The AWS SDK v2 config is loaded with
// static credentials and, when Endpoint is set, the S3 client's BaseEndpoint
// points at the S3-compatible endpoint (R2, MinIO, etc) with path-style
// addressing.
func New(ctx context.Context, cfg Config, source ReflectionSource, log zerolog.Logger) (*Uploader, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		uploader: manager.NewUploader(client),
		source:   source,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		log:      log.With().Str("component", "archive").Logger(),
		cron:     cron.New(),
	}, nil
}

// Start registers the nightly upload job on schedule (default "@daily") and
// starts the cron runner.
func (u *Uploader) Start(schedule string) error {
	if schedule == "" {
		schedule = "@daily"
	}
	_, err := u.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := u.RunOnce(ctx, time.Now().Add(-24*time.Hour)); err != nil {
			u.log.Error().Err(err).Msg("nightly archive upload failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register archive schedule %q: %w", schedule, err)
	}
	u.cron.Start()
	return nil
}

// Stop stops the cron runner, waiting for an in-flight job to finish.
func (u *Uploader) Stop() {
	ctx := u.cron.Stop()
	<-ctx.Done()
}

// RunOnce archives every reflection closed since `since` as one
// newline-delimited-JSON object keyed by date.
func (u *Uploader) RunOnce(ctx context.Context, since time.Time) error {
	rows, err := u.source.ClosedSince(since)
	if err != nil {
		return fmt.Errorf("failed to load reflections since %s: %w", since, err)
	}
	if len(rows) == 0 {
		u.log.Info().Msg("no closed reflections to archive")
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode reflection %s: %w", r.DecisionID, err)
		}
	}

	key := fmt.Sprintf("%s%s.ndjson", u.prefix, time.Now().UTC().Format("2006-01-02"))
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive object %s: %w", key, err)
	}

	u.log.Info().Str("key", key).Int("rows", len(rows)).Msg("archived closed reflections")
	return nil
}
