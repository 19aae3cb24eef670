// internal/models/mail.go
// 郵件資料模型 - 收件人與外寄郵件

package models

import (
	"fmt"
	"strings"
)

// Recipient 收件人 (由上游解析並驗證)
type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Domain 回傳電子郵件網域 (小寫)
func (r Recipient) Domain() string {
	at := strings.LastIndex(r.Email, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(r.Email[at+1:])
}

// String 以 "Name <email>" 格式輸出
func (r Recipient) String() string {
	if r.Name == "" {
		return r.Email
	}
	return fmt.Sprintf("%s <%s>", r.Name, r.Email)
}

// Attachment 附件
// ContentID 不為空時會以 inline 方式嵌入，供 HTML 以 cid: 引用
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id,omitempty"`
	Content     []byte `json:"content"`
}

// Inline 是否為內嵌附件
func (a Attachment) Inline() bool {
	return a.ContentID != ""
}

// OutboundMessage 外寄郵件，每次發送嘗試都會重新建立
type OutboundMessage struct {
	FromName    string
	FromEmail   string
	To          Recipient
	Subject     string
	HTML        string
	Text        string
	ReplyTo     string
	Headers     map[string]string
	Attachments []Attachment
}

// From 回傳寄件者顯示格式
func (m *OutboundMessage) From() string {
	return Recipient{Name: m.FromName, Email: m.FromEmail}.String()
}
