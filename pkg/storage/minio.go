// Package storage 提供了与对象存储服务（如 MinIO）交互的功能，用于归档已入库的源文档。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"pdf-rag-go/internal/config"
	"pdf-rag-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const objectPrefix = "documents"

// Archive 把源文档按文档名保存到 MinIO 存储桶。
type Archive struct {
	client *minio.Client
	bucket string
}

// NewArchive 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewArchive(ctx context.Context, cfg config.MinIOConfig) (*Archive, error) {
	// 1. 初始化 MinIO 客户端
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", cfg.BucketName)
	}
	return &Archive{client: client, bucket: cfg.BucketName}, nil
}

// ObjectName 返回文档在存储桶中的对象名。
func ObjectName(documentName string) string {
	return path.Join(objectPrefix, documentName)
}

// Archive 上传源文档，同名文档会被覆盖。
func (a *Archive) Archive(ctx context.Context, documentName string, data []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, ObjectName(documentName), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/pdf"})
	if err != nil {
		return fmt.Errorf("上传源文档失败: %w", err)
	}
	log.Infof("源文档已归档: %s/%s", a.bucket, ObjectName(documentName))
	return nil
}

// Remove 删除归档的源文档，对象不存在时不报错。
func (a *Archive) Remove(ctx context.Context, documentName string) error {
	if err := a.client.RemoveObject(ctx, a.bucket, ObjectName(documentName), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除归档文档失败: %w", err)
	}
	return nil
}

// PresignedURL generates a presigned download URL for an archived document.
func (a *Archive) PresignedURL(ctx context.Context, documentName string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("inline; filename=%q", documentName))
	presignedURL, err := a.client.PresignedGetObject(ctx, a.bucket, ObjectName(documentName), expiry, params)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}
