package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"pdf-rag-go/internal/config"
)

// TikaExtractor 调用 Apache Tika 服务器提取文本。
type TikaExtractor struct {
	serverURL string
	client    *http.Client
}

// NewTikaExtractor 创建一个新的 Tika 提取器实例。
func NewTikaExtractor(cfg config.TikaConfig) *TikaExtractor {
	return &TikaExtractor{
		serverURL: strings.TrimSuffix(cfg.ServerURL, "/"),
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

// ExtractText 根据文件后缀推断 MIME 类型，并调用 Tika 提取文本。
func (e *TikaExtractor) ExtractText(ctx context.Context, fileName string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, e.serverURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: 创建请求失败: %v", ErrExtract, err)
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Content-Type", detectMimeType(fileName))

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: 调用 Tika 失败: %v", ErrExtract, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: Tika 返回错误 [%d]: %s", ErrExtract, resp.StatusCode, string(body))
	}

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return "", fmt.Errorf("%w: 读取 Tika 响应失败: %v", ErrExtract, err)
	}
	return nonEmpty(buf.String())
}

// detectMimeType 根据文件扩展名判断 Content-Type
func detectMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	if mimeType := mime.TypeByExtension(strings.ToLower(ext)); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}
