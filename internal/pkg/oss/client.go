package oss

import (
	"bytes"
	"fmt"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/magdee/audio_go_server/config"
)

type Client struct {
	client     *oss.Client
	bucket     *oss.Bucket
	bucketName string
	cdnDomain  string
}

func NewClient(cfg *config.OSSConfig) (*Client, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OSS client: %w", err)
	}

	bucket, err := client.Bucket(cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	return &Client{
		client:     client,
		bucket:     bucket,
		bucketName: cfg.BucketName,
		cdnDomain:  cfg.CDNDomain,
	}, nil
}

// UploadAudio 上传转换完成的音频文件
func (c *Client) UploadAudio(bookID string, data []byte, format string) (string, error) {
	objectKey := fmt.Sprintf("audio/%s/%d.%s", bookID, time.Now().Unix(), format)

	contentType := "audio/mpeg"
	if format != "mp3" {
		contentType = "application/octet-stream"
	}

	err := c.bucket.PutObject(objectKey, bytes.NewReader(data), oss.ContentType(contentType))
	if err != nil {
		return "", fmt.Errorf("failed to upload audio: %w", err)
	}

	return c.GetURL(objectKey), nil
}

// DeleteAudio 删除一个音频对象，对象不存在不算错误
func (c *Client) DeleteAudio(objectKey string) error {
	if err := c.bucket.DeleteObject(objectKey); err != nil {
		return fmt.Errorf("failed to delete audio: %w", err)
	}
	return nil
}

// GetURL 拼出对象的访问地址，配置了 CDN 时优先用 CDN 域名
func (c *Client) GetURL(objectKey string) string {
	if c.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", c.cdnDomain, objectKey)
	}
	return fmt.Sprintf("https://%s.%s/%s", c.bucketName, endpointHost(c.client.Config.Endpoint), objectKey)
}

func endpointHost(endpoint string) string {
	host := endpoint
	for _, prefix := range []string{"https://", "http://"} {
		if len(host) > len(prefix) && host[:len(prefix)] == prefix {
			host = host[len(prefix):]
		}
	}
	return host
}
