// internal/transport/graph.go
// Microsoft Graph API 傳輸 - 以應用程式權限代表寄件者發送

package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"sendy/internal/models"
	"sendy/pkg/microsoft"
)

const defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// GraphCandidate Graph API 候選設定
type GraphCandidate struct {
	oauth   *microsoft.OAuthService
	sender  string
	baseURL string
}

// NewGraphCandidate 建立 Graph API 候選設定
func NewGraphCandidate(oauth *microsoft.OAuthService, sender string) *GraphCandidate {
	return &GraphCandidate{oauth: oauth, sender: sender, baseURL: defaultGraphBaseURL}
}

// WithBaseURL 覆寫 Graph API 位址 (測試使用)
func (c *GraphCandidate) WithBaseURL(baseURL string) *GraphCandidate {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Endpoint 實作 Candidate
func (c *GraphCandidate) Endpoint() string {
	return "graph " + c.sender
}

// Open 取得 Access Token 作為存活檢查
func (c *GraphCandidate) Open(ctx context.Context) (Transport, error) {
	if !c.oauth.IsConfigured() {
		return nil, errors.New("Microsoft OAuth not configured")
	}
	if _, err := c.oauth.GetAccessToken(ctx); err != nil {
		return nil, err
	}
	return &GraphTransport{
		oauth:      c.oauth,
		sender:     c.sender,
		baseURL:    c.baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// GraphTransport Graph API 傳輸
type GraphTransport struct {
	oauth      *microsoft.OAuthService
	sender     string
	baseURL    string
	httpClient *http.Client
}

// GraphMailRequest Graph API 郵件請求結構
type GraphMailRequest struct {
	Message         GraphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

// GraphMessage Graph API 郵件訊息結構
type GraphMessage struct {
	Subject                string            `json:"subject"`
	Body                   GraphBody         `json:"body"`
	ToRecipients           []GraphRecipient  `json:"toRecipients"`
	ReplyTo                []GraphRecipient  `json:"replyTo,omitempty"`
	InternetMessageHeaders []GraphHeader     `json:"internetMessageHeaders,omitempty"`
	Attachments            []GraphAttachment `json:"attachments,omitempty"`
}

// GraphBody Graph API 郵件內容結構
type GraphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// GraphRecipient Graph API 收件人結構
type GraphRecipient struct {
	EmailAddress GraphEmailAddress `json:"emailAddress"`
}

// GraphEmailAddress Graph API 電子郵件地址結構
type GraphEmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// GraphHeader 自訂標頭 (Graph 只接受 X- 開頭)
type GraphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// GraphAttachment Graph API 附件結構
type GraphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	ContentID    string `json:"contentId,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
}

// GraphErrorResponse Graph API 錯誤回應
type GraphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Name 實作 Transport
func (t *GraphTransport) Name() string {
	return "graph"
}

// Send 實作 Transport
func (t *GraphTransport) Send(ctx context.Context, msg *models.OutboundMessage) (*SendResult, error) {
	accessToken, err := t.oauth.GetAccessToken(ctx)
	if err != nil {
		return nil, &SendError{Transport: t.Name(), Err: fmt.Errorf("failed to get access token: %w", err)}
	}

	jsonBody, err := json.Marshal(buildGraphRequest(msg))
	if err != nil {
		return nil, &SendError{Transport: t.Name(), Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	graphURL := fmt.Sprintf("%s/users/%s/sendMail", t.baseURL, url.PathEscape(t.sender))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &SendError{Transport: t.Name(), Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &SendError{Transport: t.Name(), Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	// 202 Accepted 表示成功
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)

		var errResp GraphErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &SendError{Transport: t.Name(), Err: fmt.Errorf("Graph API error (%s): %s", errResp.Error.Code, errResp.Error.Message)}
		}
		return nil, &SendError{Transport: t.Name(), Err: fmt.Errorf("Graph API request failed with status %d: %s", resp.StatusCode, string(body))}
	}

	// Graph 不回傳 Message-ID，以 request-id 作為追蹤代號
	return &SendResult{
		MessageID: resp.Header.Get("request-id"),
		Response:  fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
	}, nil
}

// Close 實作 Transport
func (t *GraphTransport) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}

// buildGraphRequest 建立 Graph API 請求結構
func buildGraphRequest(msg *models.OutboundMessage) *GraphMailRequest {
	message := GraphMessage{
		Subject: msg.Subject,
		Body: GraphBody{
			ContentType: "html",
			Content:     msg.HTML,
		},
		ToRecipients: []GraphRecipient{
			{EmailAddress: GraphEmailAddress{Name: msg.To.Name, Address: msg.To.Email}},
		},
	}

	if msg.ReplyTo != "" {
		message.ReplyTo = []GraphRecipient{{EmailAddress: GraphEmailAddress{Address: msg.ReplyTo}}}
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		if strings.HasPrefix(strings.ToLower(k), "x-") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		message.InternetMessageHeaders = append(message.InternetMessageHeaders, GraphHeader{Name: k, Value: msg.Headers[k]})
	}

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		message.Attachments = append(message.Attachments, GraphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  contentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
			ContentID:    att.ContentID,
			IsInline:     att.Inline(),
		})
	}

	return &GraphMailRequest{Message: message, SaveToSentItems: true}
}
