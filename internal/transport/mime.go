// internal/transport/mime.go
// 將外寄郵件組成 MIME 格式

package transport

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"sendy/internal/models"
)

// BuildMIME 產生 multipart 郵件內容，回傳內容與 Message-ID (含角括號)
func BuildMIME(msg *models.OutboundMessage, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: msg.FromName, Address: msg.FromEmail}})
	h.SetAddressList("To", []*mail.Address{{Name: msg.To.Name, Address: msg.To.Email}})
	if msg.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: msg.ReplyTo}})
	}
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("failed to generate message id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read message id: %w", err)
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, msg.Headers[k])
	}

	h.SetContentType("multipart/mixed", nil)

	var buf bytes.Buffer
	root, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create mail writer: %w", err)
	}

	var inline, attached []models.Attachment
	for _, att := range msg.Attachments {
		if att.Inline() {
			inline = append(inline, att)
		} else {
			attached = append(attached, att)
		}
	}

	if err := writeBody(root, msg, inline); err != nil {
		return nil, "", err
	}
	for _, att := range attached {
		if err := writeAttachment(root, att, "attachment"); err != nil {
			return nil, "", err
		}
	}

	if err := root.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close mail writer: %w", err)
	}

	return buf.Bytes(), "<" + messageID + ">", nil
}

// writeBody 寫入 text/html 內文，有內嵌圖片時與圖片一起包在 multipart/related 中
func writeBody(parent *message.Writer, msg *models.OutboundMessage, inline []models.Attachment) error {
	container := parent
	if len(inline) > 0 {
		var rh message.Header
		rh.SetContentType("multipart/related", map[string]string{"type": "multipart/alternative"})
		related, err := parent.CreatePart(rh)
		if err != nil {
			return fmt.Errorf("failed to create related part: %w", err)
		}
		container = related
	}

	var ah message.Header
	ah.SetContentType("multipart/alternative", nil)
	alt, err := container.CreatePart(ah)
	if err != nil {
		return fmt.Errorf("failed to create alternative part: %w", err)
	}
	if err := writeTextPart(alt, "text/plain", msg.Text); err != nil {
		return err
	}
	if err := writeTextPart(alt, "text/html", msg.HTML); err != nil {
		return err
	}
	if err := alt.Close(); err != nil {
		return fmt.Errorf("failed to close alternative part: %w", err)
	}

	if container == parent {
		return nil
	}
	for _, att := range inline {
		if err := writeAttachment(container, att, "inline"); err != nil {
			return err
		}
	}
	if err := container.Close(); err != nil {
		return fmt.Errorf("failed to close related part: %w", err)
	}
	return nil
}

func writeTextPart(parent *message.Writer, contentType, body string) error {
	var th message.Header
	th.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	th.SetContentDisposition("inline", nil)
	th.Set("Content-Transfer-Encoding", "quoted-printable")

	w, err := parent.CreatePart(th)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

// writeAttachment 寫入附件，disposition 為 inline 時附上 Content-ID 供 cid: 引用
func writeAttachment(parent *message.Writer, att models.Attachment, disposition string) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var ph message.Header
	ph.SetContentType(contentType, nil)
	var params map[string]string
	if att.Filename != "" {
		params = map[string]string{"filename": att.Filename}
	}
	ph.SetContentDisposition(disposition, params)
	ph.Set("Content-Transfer-Encoding", "base64")
	if att.Inline() {
		ph.Set("Content-ID", "<"+att.ContentID+">")
	}

	w, err := parent.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create attachment %s: %w", att.Filename, err)
	}
	if _, err := w.Write(att.Content); err != nil {
		w.Close()
		return fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
	}
	return w.Close()
}
