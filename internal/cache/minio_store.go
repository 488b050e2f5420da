package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig 描述对象存储后端的连接参数。
type MinioConfig struct {
	// Endpoint 为 MinIO/S3 服务地址（如 "localhost:9000"）。
	Endpoint string
	// Bucket 为存放缓存对象的桶，必填。
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Prefix 为所有对象名的可选前缀，便于多实例共用一个桶。
	Prefix string
	// Client 为预先构建的客户端；提供时忽略 Endpoint/AccessKey/SecretKey。
	Client *minio.Client
}

func (c *MinioConfig) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Client != nil {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when client is not provided")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("access key is required when client is not provided")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret key is required when client is not provided")
	}
	return nil
}

// minioStore 将正文与响应头分别存为 {prefix}{key} 与 {prefix}{key}.json 两个对象。
// PutObject 返回即视为远端已确认写入。
type minioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStore 构建对象存储后端。
func NewMinioStore(cfg MinioConfig) (Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid minio config: %w", err)
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
	}

	return &minioStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
	}, nil
}

func (s *minioStore) Stat(ctx context.Context, key string) (Metadata, bool, error) {
	name, err := s.objectName(key)
	if err != nil {
		return Metadata{}, false, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, fmt.Errorf("minio: %w", err)
	}
	return Metadata{Size: info.Size, ModTime: info.LastModified}, true, nil
}

func (s *minioStore) GetHeaders(ctx context.Context, key string) (http.Header, bool, error) {
	name, err := s.objectName(key)
	if err != nil {
		return nil, false, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name+headersSuffix, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("minio: %w", err)
	}
	defer obj.Close()

	// GetObject 是惰性的，不存在的对象要到首次读取时才报错。
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("minio: %w", err)
	}

	var header http.Header
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, false, &ParseError{Key: key, Err: err}
	}
	if header == nil {
		header = http.Header{}
	}
	return header, true, nil
}

func (s *minioStore) GetResponseStream(ctx context.Context, key string) (io.ReadCloser, bool, error) {
	name, err := s.objectName(key)
	if err != nil {
		return nil, false, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("minio: %w", err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("minio: %w", err)
	}
	return obj, true, nil
}

func (s *minioStore) SetHeaders(ctx context.Context, key string, header http.Header) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, name+headersSuffix, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("minio: %w", err)
	}
	return nil
}

func (s *minioStore) SetResponseStream(ctx context.Context, key string, body io.Reader) error {
	defer closeReader(body)
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	// 长度未知时 minio-go 走分片上传，任一分片失败会中止整个上传，不会留下半截对象。
	_, err = s.client.PutObject(ctx, s.bucket, name, body, -1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("minio: %w", err)
	}
	return nil
}

func (s *minioStore) objectName(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return s.prefix + key, nil
}

// normalizePrefix 统一使用正斜杠，非空前缀以 "/" 结尾。
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.ReplaceAll(prefix, `\`, "/"), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return true
	}
	return false
}
