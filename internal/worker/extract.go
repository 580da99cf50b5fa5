package worker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

var whitespacePattern = regexp.MustCompile(`[ \t]+`)

// ExtractText 从 PDF 中提取全部正文文本。
// 没有任何可提取文本的 PDF（纯扫描件等）视为提取失败。
func ExtractText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	totalPages := r.NumPage()

	var sb strings.Builder
	for pageIndex := 1; pageIndex <= totalPages; pageIndex++ {
		p := r.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}

		text, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("failed to extract text from page %d: %w", pageIndex, err)
		}

		sb.WriteString(text)
		sb.WriteString("\n")
	}

	cleaned := cleanText(sb.String())
	if cleaned == "" {
		return "", fmt.Errorf("no extractable text in pdf")
	}
	return cleaned, nil
}

// cleanText 压缩空白，去掉空行
func cleanText(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(whitespacePattern.ReplaceAllString(line, " "))
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// CountWords 朗读时长估算用
func CountWords(text string) int {
	return len(strings.Fields(text))
}
