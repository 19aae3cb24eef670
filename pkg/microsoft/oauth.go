// pkg/microsoft/oauth.go
// Microsoft OAuth 2.0 Token 取得與快取 (client credentials)

package microsoft

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultAuthority = "https://login.microsoftonline.com"

// OAuthService Microsoft OAuth 2.0 服務
type OAuthService struct {
	tenantID     string
	clientID     string
	clientSecret string

	authority  string
	httpClient *http.Client

	accessToken string
	expiresAt   time.Time
	mu          sync.RWMutex
}

// tokenResponse OAuth 2.0 Token 回應
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewOAuthService 建立 OAuth 服務
func NewOAuthService(tenantID, clientID, clientSecret string) *OAuthService {
	return &OAuthService{
		tenantID:     tenantID,
		clientID:     clientID,
		clientSecret: clientSecret,
		authority:    defaultAuthority,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// WithAuthority 覆寫授權端點 (測試或主權雲使用)
func (s *OAuthService) WithAuthority(authority string) *OAuthService {
	s.authority = strings.TrimRight(authority, "/")
	return s
}

// IsConfigured 檢查 OAuth 是否已設定
func (s *OAuthService) IsConfigured() bool {
	return s.tenantID != "" && s.clientID != "" && s.clientSecret != ""
}

// GetAccessToken 取得 Access Token (帶快取)
func (s *OAuthService) GetAccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	// 檢查快取是否有效 (提前 60 秒更新)
	if s.accessToken != "" && time.Now().Add(60*time.Second).Before(s.expiresAt) {
		token := s.accessToken
		s.mu.RUnlock()
		return token, nil
	}
	s.mu.RUnlock()

	return s.refreshToken(ctx)
}

// refreshToken 刷新 Access Token
func (s *OAuthService) refreshToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check: 可能其他 goroutine 已經更新
	if s.accessToken != "" && time.Now().Add(60*time.Second).Before(s.expiresAt) {
		return s.accessToken, nil
	}

	tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", s.authority, s.tenantID)

	data := url.Values{}
	data.Set("client_id", s.clientID)
	data.Set("client_secret", s.clientSecret)
	data.Set("scope", "https://graph.microsoft.com/.default")
	data.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status: %d", resp.StatusCode)
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	s.accessToken = tokenResp.AccessToken
	s.expiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)

	return s.accessToken, nil
}
