package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/trusterr"
)

// UploadConfig names the S3-compatible bucket an Envelope is optionally
// pushed to after it is written locally. Grounded on the teacher's
// internal/reliability.R2BackupService (bucket/checksum/timestamped
// object naming), rewritten against the real aws-sdk-go-v2 client instead
// of the teacher's own R2Client wrapper, whose implementation isn't part
// of this retrieval pack — see DESIGN.md.
type UploadConfig struct {
	Bucket   string
	Region   string // "auto" for R2
	Endpoint string // R2-style custom endpoint; empty uses AWS's default resolver
}

// Enabled reports whether off-box upload is configured at all.
func (c UploadConfig) Enabled() bool { return c.Bucket != "" }

// Uploader pushes backup envelopes to an S3-compatible bucket.
type Uploader struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

// NewUploader builds an Uploader from static credentials, resolving a
// custom endpoint (R2's account-scoped URL) when cfg.Endpoint is set and
// otherwise falling back to AWS's own region-based resolution.
func NewUploader(ctx context.Context, cfg UploadConfig, accessKeyID, secretAccessKey string, log zerolog.Logger) (*Uploader, error) {
	if !cfg.Enabled() {
		return nil, trusterr.Validation("backup.NewUploader", "no bucket configured")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, trusterr.Persistence("backup.NewUploader", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		log:    log.With().Str("component", "backup_upload").Logger(),
	}, nil
}

// Upload pushes env's JSON encoding as a timestamped, checksum-suffixed
// object, mirroring the teacher's per-backup object naming.
func (u *Uploader) Upload(ctx context.Context, env *Envelope) (string, error) {
	var buf bytes.Buffer
	if err := WriteTo(&buf, env); err != nil {
		return "", trusterr.Persistence("backup.Upload", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	checksum := hex.EncodeToString(sum[:8])
	key := fmt.Sprintf("trust-backup-%s-%s.json", env.ExportedAt.Format("20060102T150405Z"), checksum)

	uploader := manager.NewUploader(u.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", trusterr.Persistence("backup.Upload", err)
	}

	u.log.Info().Str("bucket", u.bucket).Str("key", key).Int("bytes", buf.Len()).Msg("uploaded backup envelope")
	return key, nil
}

// List returns every backup object's key and last-modified time, newest
// first, for operator inspection and retention decisions.
func (u *Uploader) List(ctx context.Context) ([]ObjectInfo, error) {
	pages := s3.NewListObjectsV2Paginator(u.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(u.bucket),
		Prefix: aws.String("trust-backup-"),
	})
	infos := make([]ObjectInfo, 0)
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, trusterr.Persistence("backup.List", err)
		}
		for _, obj := range out.Contents {
			var modified time.Time
			if obj.LastModified != nil {
				modified = *obj.LastModified
			}
			infos = append(infos, ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size), LastModified: modified})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].LastModified.After(infos[j].LastModified) })
	return infos, nil
}

// ObjectInfo describes one uploaded backup object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}
