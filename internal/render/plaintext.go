// internal/render/plaintext.go
// 由 HTML 產生純文字內容

package render

import (
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy     *bluemonday.Policy
	strictPolicyOnce sync.Once

	// 區塊元素結尾視為斷字位置，避免相鄰段落文字黏在一起
	blockBoundary = regexp.MustCompile(`(?i)<\s*(br|hr|/p|/div|/h[1-6]|/li|/tr|/td|/th|/table|/blockquote)[^>]*>`)
)

func policy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// PlainText 移除所有標籤、還原實體字元並壓縮空白
func PlainText(htmlBody string) string {
	spaced := blockBoundary.ReplaceAllStringFunc(htmlBody, func(tag string) string {
		return tag + " "
	})
	stripped := html.UnescapeString(policy().Sanitize(spaced))
	return strings.Join(strings.Fields(stripped), " ")
}
