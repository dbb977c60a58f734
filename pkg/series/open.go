package series

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/orneryd/mpedm/pkg/arraystore"
)

// OpenOptions controls how Open resolves an input.
type OpenOptions struct {
	// Dataset inside an array container; defaults to ValuesDataset.
	Dataset string
	// Sheet inside a workbook; defaults to the first sheet.
	Sheet string
	S3    S3Options
	// TempDir receives downloaded objects; defaults to os.TempDir().
	TempDir string
	Logger  *slog.Logger
}

// S3Options configures access to s3:// inputs.
type S3Options struct {
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// Open loads a frame from a local path or an s3://bucket/key URI. The
// format follows the extension: .csv and .txt are delimited text, .xlsx is
// a workbook, anything else is read as an array container directory.
func Open(ctx context.Context, uri string, opts OpenOptions) (*Frame, error) {
	if uri == "" {
		return nil, fmt.Errorf("no input path given")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path := uri
	if strings.HasPrefix(uri, "s3://") {
		local, err := fetchS3(ctx, uri, opts)
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(filepath.Dir(local))
		path = local
		logger.Info("downloaded input", "uri", uri, "path", path)
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input %s: %w", uri, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return LoadCSV(f)
	case ".xlsx":
		return LoadXLSX(path, opts.Sheet)
	default:
		store, err := arraystore.Open(arraystore.Options{Path: path, ReadOnly: true, Logger: logger})
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return LoadArray(store, opts.Dataset)
	}
}

// fetchS3 downloads a single-object input into a fresh temp directory and
// returns the local file path. Array containers are directories and can not
// be fetched this way.
func fetchS3(ctx context.Context, uri string, opts OpenOptions) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", uri, err)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", fmt.Errorf("s3 uri %s needs a bucket and a key", uri)
	}

	region := opts.S3.Region
	if region == "" {
		region = "us-east-1"
	}
	var cfgOpts []func(*awsconfig.LoadOptions) error
	cfgOpts = append(cfgOpts, awsconfig.WithRegion(region))
	if opts.S3.AccessKeyID != "" && opts.S3.SecretAccessKey != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.S3.AccessKeyID, opts.S3.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.S3.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.S3.Endpoint)
			o.UsePathStyle = opts.S3.UsePathStyle
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Opts...)

	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("S3 get object failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	dir, err := os.MkdirTemp(opts.TempDir, "mpedm-input-*")
	if err != nil {
		return "", err
	}
	local := filepath.Join(dir, filepath.Base(key))
	f, err := os.Create(local)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.RemoveAll(dir)
		return "", fmt.Errorf("S3 read body failed: %w", err)
	}
	if err := f.Close(); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return local, nil
}
