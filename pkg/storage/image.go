// Package storage 保存用户随提问上传的图片。
package storage

import (
	"context"
	"errors"
	"fmt"
	"sci-core/internal/model"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrUnsupportedImage = errors.New("unsupported image type")
	ErrImageTooLarge    = errors.New("image too large")
	ErrEmptyImage       = errors.New("empty image")
)

// 模型端普遍支持的图片格式。
var allowedImageTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// DetectImage 根据内容嗅探图片类型，并校验大小与格式。maxBytes <= 0 表示不限制大小。
func DetectImage(data []byte, maxBytes int64) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds limit %d", ErrImageTooLarge, len(data), maxBytes)
	}
	mt := mimetype.Detect(data)
	for _, allowed := range allowedImageTypes {
		if mt.Is(allowed) {
			return allowed, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, mt.String())
}

// ImageStore 保存一张图片并返回可以写入会话历史的引用。
type ImageStore interface {
	Put(ctx context.Context, sessionID string, data []byte, mimeType string) (*model.ImageRef, error)
}

type inlineImageStore struct{}

// NewInlineImageStore 返回把图片字节直接内联进会话历史的存储。
func NewInlineImageStore() ImageStore {
	return inlineImageStore{}
}

func (inlineImageStore) Put(_ context.Context, _ string, data []byte, mimeType string) (*model.ImageRef, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &model.ImageRef{MIMEType: mimeType, Size: len(data), Data: buf}, nil
}
