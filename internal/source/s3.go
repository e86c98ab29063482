// Package source fetches audio referenced by URL instead of uploaded inline.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	// ErrInvalidURL is returned for URLs that do not name an S3 object.
	ErrInvalidURL = errors.New("source: not an s3 object url")
	// ErrTooLarge is returned when the object exceeds the size limit.
	ErrTooLarge = errors.New("source: object exceeds size limit")
)

// ObjectGetter is the subset of the S3 client used by S3Fetcher.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// Location identifies an S3 object.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Key
}

// ParseS3URL accepts s3://bucket/key as well as virtual-hosted and
// path-style https URLs on amazonaws.com.
func ParseS3URL(raw string) (Location, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	var loc Location
	switch strings.ToLower(u.Scheme) {
	case "s3":
		loc = Location{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
	case "https", "http":
		host := strings.ToLower(u.Hostname())
		if !strings.HasSuffix(host, ".amazonaws.com") {
			return Location{}, fmt.Errorf("%w: %s", ErrInvalidURL, raw)
		}
		labels := strings.Split(strings.TrimSuffix(host, ".amazonaws.com"), ".")
		p := strings.TrimPrefix(u.Path, "/")
		if isS3Label(labels[0]) {
			// Path style: s3.region.amazonaws.com/bucket/key
			bucket, key, _ := strings.Cut(p, "/")
			loc = Location{Bucket: bucket, Key: key}
		} else {
			// Virtual-hosted style: bucket.s3.region.amazonaws.com/key
			idx := -1
			for i, label := range labels {
				if isS3Label(label) {
					idx = i
					break
				}
			}
			if idx <= 0 {
				return Location{}, fmt.Errorf("%w: %s", ErrInvalidURL, raw)
			}
			loc = Location{Bucket: strings.Join(labels[:idx], "."), Key: p}
		}
	default:
		return Location{}, fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}

	if loc.Bucket == "" || loc.Key == "" || strings.HasSuffix(loc.Key, "/") {
		return Location{}, fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}
	return loc, nil
}

func isS3Label(label string) bool {
	return label == "s3" || strings.HasPrefix(label, "s3-")
}

// Object is a downloaded audio payload.
type Object struct {
	Data     []byte
	Filename string
}

// S3Fetcher downloads objects up to a size limit.
type S3Fetcher struct {
	client   ObjectGetter
	maxBytes int64
	log      *slog.Logger
}

// NewS3Fetcher builds a fetcher from the default AWS credential chain. A
// non-empty endpoint targets an S3-compatible service with path-style addressing.
func NewS3Fetcher(ctx context.Context, region, endpoint string, maxBytes int64, logger *slog.Logger) (*S3Fetcher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("source: load aws config: %w", err)
	}
	var opts []func(*awss3.Options)
	if endpoint != "" {
		opts = append(opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return NewS3FetcherWithClient(awss3.NewFromConfig(awsCfg, opts...), maxBytes, logger), nil
}

// NewS3FetcherWithClient wraps an existing client. maxBytes <= 0 disables the limit.
func NewS3FetcherWithClient(client ObjectGetter, maxBytes int64, logger *slog.Logger) *S3Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Fetcher{
		client:   client,
		maxBytes: maxBytes,
		log:      logger.With("component", "source.s3"),
	}
}

// Fetch downloads the object named by rawURL.
func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string) (Object, error) {
	loc, err := ParseS3URL(rawURL)
	if err != nil {
		return Object{}, err
	}

	out, err := f.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return Object{}, fmt.Errorf("source: get %s: %w", loc, err)
	}
	defer out.Body.Close()

	if f.maxBytes > 0 && out.ContentLength != nil && *out.ContentLength > f.maxBytes {
		return Object{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, loc, *out.ContentLength)
	}

	reader := io.Reader(out.Body)
	if f.maxBytes > 0 {
		reader = io.LimitReader(out.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return Object{}, fmt.Errorf("source: read %s: %w", loc, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return Object{}, fmt.Errorf("%w: %s", ErrTooLarge, loc)
	}

	f.log.Debug("fetched object", "location", loc.String(), "bytes", len(data))
	return Object{Data: data, Filename: path.Base(loc.Key)}, nil
}
