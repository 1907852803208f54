package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"repovault/pkg/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const Kind = "s3"

// Adapter 实现了 storage.Store 接口
// 目录只是 key 前缀的约定，S3 本身没有目录。
type Adapter struct {
	client *s3.Client
	bucket string
	prefix string // 所有 key 的公共前缀，可以为空
}

// Config 用于初始化 Adapter
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewAdapter 初始化 S3 客户端 (适配 AWS SDK v2 最新规范)
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	// 1. 加载基础配置 (仅包含 Region 和 Credentials)
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	// 2. 创建 S3 客户端时，注入特定于 S3 的配置
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// 如果指定了 Endpoint (比如 MinIO 的 localhost:9000)，则覆盖默认值
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO 必须强制使用 Path Style
		o.UsePathStyle = true
	})

	// 3. 确保 Bucket 存在
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &cfg.Bucket}); err != nil {
		if _, cerr := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &cfg.Bucket}); cerr != nil {
			var owned *s3types.BucketAlreadyOwnedByYou
			if !errors.As(cerr, &owned) {
				return nil, classify(fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, cerr))
			}
		}
		slog.Info("s3 bucket ready", "bucket", cfg.Bucket)
	}

	return &Adapter{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *Adapter) Kind() string   { return Kind }
func (s *Adapter) String() string { return Kind + "://" + s.bucket + "/" + s.prefix }

// objectKey 把逻辑 key 映射为桶内 key
func (s *Adapter) objectKey(key string) (string, error) {
	key, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	return storage.JoinKey(s.prefix, key), nil
}

// logicalKey 是 objectKey 的逆运算
func (s *Adapter) logicalKey(objKey string) string {
	objKey = strings.TrimSuffix(objKey, "/")
	if s.prefix == "" {
		return objKey
	}
	return strings.TrimPrefix(strings.TrimPrefix(objKey, s.prefix), "/")
}

// classify 把网络故障、限流和 5xx 标记为可重试
func classify(err error) error {
	if err == nil {
		return nil
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		if code >= 500 || code == http.StatusTooManyRequests {
			return storage.Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return storage.Transient(err)
	}
	return err
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return true
	}
	var re *awshttp.ResponseError
	// 兼容性：某些 S3 实现只返回 generic 404
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusPreconditionFailed
}

// List 使用 Delimiter "/" 只列出直接子节点，CommonPrefixes 即子目录
func (s *Adapter) List(ctx context.Context, key string) ([]storage.Descriptor, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	prefix := objKey
	if prefix != "" {
		prefix += "/"
	}

	var out []storage.Descriptor
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify(fmt.Errorf("s3 list failed: %w", err))
		}
		for _, cp := range page.CommonPrefixes {
			k := s.logicalKey(aws.ToString(cp.Prefix))
			out = append(out, storage.Descriptor{Key: k, Name: storage.BaseName(k), IsDir: true})
		}
		for _, obj := range page.Contents {
			k := s.logicalKey(aws.ToString(obj.Key))
			if k == key {
				continue
			}
			out = append(out, storage.Descriptor{
				Key:     k,
				Name:    storage.BaseName(k),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	if len(out) == 0 && key != "" {
		// 空前缀：可能是一个对象 (没有子节点)，也可能不存在
		if _, err := s.Get(ctx, key); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Get 使用 HeadObject；对象不存在时再检查是否是一个 "目录" 前缀
func (s *Adapter) Get(ctx context.Context, key string) (storage.Descriptor, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return storage.Descriptor{}, err
	}
	if objKey != "" {
		resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objKey),
		})
		if err == nil {
			return storage.Descriptor{
				Key:     key,
				Name:    storage.BaseName(key),
				Size:    aws.ToInt64(resp.ContentLength),
				ModTime: aws.ToTime(resp.LastModified),
			}, nil
		}
		if !isNotFound(err) {
			return storage.Descriptor{}, classify(fmt.Errorf("s3 head failed: %w", err))
		}
	}

	prefix := objKey
	if prefix != "" {
		prefix += "/"
	}
	resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return storage.Descriptor{}, classify(fmt.Errorf("s3 list failed: %w", err))
	}
	if aws.ToInt32(resp.KeyCount) == 0 && key != "" {
		return storage.Descriptor{}, storage.ErrNotFound
	}
	return storage.Descriptor{Key: key, Name: storage.BaseName(key), IsDir: true}, nil
}

// Open 下载对象
func (s *Adapter) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.getObject(ctx, key, nil)
}

// OpenRange 使用 HTTP Range 请求，只拉取需要的字节
func (s *Adapter) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if length <= 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	return s.getObject(ctx, key, &rng)
}

func (s *Adapter) getObject(ctx context.Context, key string, rng *string) (io.ReadCloser, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
		Range:  rng,
	})
	if err != nil {
		// 将 AWS 的 NoSuchKey 错误映射为我们自己的 ErrNotFound
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, classify(fmt.Errorf("s3 get failed: %w", err))
	}
	return resp.Body, nil
}

// PutBytes 使用条件写 (If-None-Match: *)，已存在的 key 不会被覆盖
func (s *Adapter) PutBytes(ctx context.Context, data []byte, key string) (string, error) {
	if key == "" {
		key = storage.NewKey()
	}
	key, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	objKey, err := s.objectKey(key)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return "", fmt.Errorf("%w: %s", storage.ErrKeyExists, key)
		}
		return "", classify(fmt.Errorf("s3 put failed: %w", err))
	}
	return key, nil
}

func (s *Adapter) PutTree(ctx context.Context, dir string, key string, contentsOnly bool) (string, error) {
	return storage.PutTreeWith(ctx, s, dir, key, contentsOnly,
		func(ctx context.Context, data []byte, key string) error {
			_, err := s.PutBytes(ctx, data, key)
			return err
		})
}

// Delete 删除对象本身以及它下面的所有 key (目录语义)
func (s *Adapter) Delete(ctx context.Context, key string) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: refusing to delete backend root", storage.ErrInvalidKey)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	}); err != nil && !isNotFound(err) {
		return classify(fmt.Errorf("s3 delete failed: %w", err))
	}

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(objKey + "/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return classify(fmt.Errorf("s3 list failed: %w", err))
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return classify(fmt.Errorf("s3 batch delete failed: %w", err))
		}
	}
	return nil
}
