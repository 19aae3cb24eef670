// internal/render/template.go
// 範本渲染 - {{ Name }} 形式的佔位符替換

package render

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sendy/internal/models"
)

// InlineImageCID 內嵌圖片的 Content-ID
const InlineImageCID = "inline-image"

var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Content 渲染後的主旨與內文
type Content struct {
	Subject string
	HTML    string
}

// Renderer 依收件人產生最終內容，必須是純函式
type Renderer interface {
	Render(recipient models.Recipient) (Content, error)
}

// Template 以佔位符替換產生個人化內容
type Template struct {
	Subject string
	HTML    string

	// ImageSrc 取代 {{IMAGE_SRC}} 的值
	ImageSrc string

	// Now 用於 {{Year}}，nil 時使用 time.Now
	Now func() time.Time
}

// Render 實作 Renderer
func (t Template) Render(recipient models.Recipient) (Content, error) {
	vars := t.variables(recipient)
	return Content{
		Subject: Substitute(t.Subject, vars),
		HTML:    Substitute(t.HTML, vars),
	}, nil
}

// variables 建立佔位符對照表，key 一律小寫
func (t Template) variables(recipient models.Recipient) map[string]string {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}

	return map[string]string{
		"name":      recipient.Name,
		"email":     recipient.Email,
		"year":      strconv.Itoa(now().Year()),
		"image_src": t.ImageSrc,
	}
}

// Final 已完成的內容，所有收件人共用
type Final Content

// Render 實作 Renderer
func (f Final) Render(models.Recipient) (Content, error) {
	return Content(f), nil
}

// Substitute 替換佔位符，名稱不分大小寫，未知的佔位符替換為空字串
func Substitute(text string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		m := placeholderPattern.FindStringSubmatch(token)
		return vars[strings.ToLower(m[1])]
	})
}

// Placeholders 列出範本中出現的佔位符名稱 (依出現順序，不重複)
func Placeholders(text string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	return names
}

// ImageSource 依 INLINE_IMAGE_URL 決定 {{IMAGE_SRC}} 的值
// http(s) 網址直接引用，本機檔案以 cid 內嵌
func ImageSource(imageURL string) string {
	if imageURL == "" {
		return ""
	}
	if strings.HasPrefix(imageURL, "http") {
		return imageURL
	}
	return "cid:" + InlineImageCID
}

// LoadTemplate 讀取 HTML 範本檔案
func LoadTemplate(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("template file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read template: %w", err)
	}
	return string(data), nil
}

// RenderError 單一收件人的內容產生失敗
type RenderError struct {
	Recipient string
	Err       error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render failed for %s: %v", e.Recipient, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}
