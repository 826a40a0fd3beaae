package storage

import (
	"bytes"
	"context"
	"fmt"
	"sci-core/internal/config"
	"sci-core/internal/model"
	"sci-core/pkg/log"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type minioImageStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMinIOImageStore 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOImageStore(ctx context.Context, cfg config.MinIOConfig) (ImageStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}
	log.Infof("MinIO 图片存储就绪, bucket=%s", cfg.BucketName)

	expiry := time.Duration(cfg.PresignExpiryMinutes) * time.Minute
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &minioImageStore{client: client, bucket: cfg.BucketName, expiry: expiry}, nil
}

// objectKey 形如 sessions/{sessionID}/{uuid}.png
func objectKey(sessionID, mimeType string) string {
	ext := ""
	if mt := mimetype.Lookup(mimeType); mt != nil {
		ext = mt.Extension()
	}
	return fmt.Sprintf("sessions/%s/%s%s", sessionID, uuid.NewString(), ext)
}

// Put 上传图片并生成预签名下载地址；历史中不再保存图片字节。
func (s *minioImageStore) Put(ctx context.Context, sessionID string, data []byte, mimeType string) (*model.ImageRef, error) {
	key := objectKey(sessionID, mimeType)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("上传图片到 MinIO 失败: %w", err)
	}

	presignedURL, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return nil, fmt.Errorf("生成预签名 URL 失败: %w", err)
	}
	return &model.ImageRef{MIMEType: mimeType, Size: len(data), ObjectKey: key, URL: presignedURL.String()}, nil
}
