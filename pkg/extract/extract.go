// Package extract 负责把原始文档字节转换为纯文本。
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"pdf-rag-go/internal/config"

	"github.com/ledongthuc/pdf"
)

// ErrExtract 表示文档字节无法读取或不是可识别的文档。
var ErrExtract = errors.New("extract error")

// Extractor 把文档字节提取为纯文本，单次调用失败不重试。
type Extractor interface {
	ExtractText(ctx context.Context, fileName string, data []byte) (string, error)
}

// New 根据配置选择提取器实现。
func New(cfg config.ExtractorConfig, tikaCfg config.TikaConfig) (Extractor, error) {
	switch cfg.Type {
	case "", "pdf":
		return PDFExtractor{}, nil
	case "tika":
		if tikaCfg.ServerURL == "" {
			return nil, errors.New("extractor.type=tika 时必须配置 tika.server_url")
		}
		return NewTikaExtractor(tikaCfg), nil
	default:
		return nil, fmt.Errorf("不支持的提取器类型: %q", cfg.Type)
	}
}

// PDFExtractor 在进程内解析 PDF。
type PDFExtractor struct{}

// ExtractText 解析 PDF 字节并返回全部页面的纯文本。
func (PDFExtractor) ExtractText(_ context.Context, _ string, data []byte) (text string, err error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: 文件内容为空", ErrExtract)
	}
	// pdf 库在遇到损坏的文件时可能 panic
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: 解析 PDF 失败: %v", ErrExtract, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: 打开 PDF 失败: %v", ErrExtract, err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: 读取 PDF 文本失败: %v", ErrExtract, err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("%w: 读取 PDF 文本失败: %v", ErrExtract, err)
	}
	return nonEmpty(buf.String())
}

func nonEmpty(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: 提取的文本内容为空", ErrExtract)
	}
	return text, nil
}
