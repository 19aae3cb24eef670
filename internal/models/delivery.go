// internal/models/delivery.go
// 發送結果與活動紀錄格式

package models

import "time"

// DeliveryStatus 單一收件人的最終狀態
type DeliveryStatus string

const (
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// DeliveryOutcome 單一收件人的最終發送結果 (只記錄最後一次嘗試)
type DeliveryOutcome struct {
	Recipient Recipient
	Success   bool
	Attempt   int
	MessageID string
	Response  string
	Error     string
	Timestamp time.Time
}

// LogEntry 活動紀錄檔中的一筆資料
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Recipient Recipient      `json:"recipient"`
	Status    DeliveryStatus `json:"status"`
	Attempt   int            `json:"attempt"`
	MessageID *string        `json:"messageId"`
	Error     *string        `json:"error"`
	Response  *string        `json:"response"`
}

// NewLogEntry 將發送結果轉換為紀錄格式，空字串欄位輸出為 null
func NewLogEntry(o DeliveryOutcome) LogEntry {
	status := DeliveryStatusFailed
	if o.Success {
		status = DeliveryStatusSuccess
	}

	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return LogEntry{
		Timestamp: ts.UTC(),
		Recipient: o.Recipient,
		Status:    status,
		Attempt:   o.Attempt,
		MessageID: nullable(o.MessageID),
		Error:     nullable(o.Error),
		Response:  nullable(o.Response),
	}
}

// Succeeded 是否發送成功
func (e LogEntry) Succeeded() bool {
	return e.Status == DeliveryStatusSuccess
}

// ErrorText 回傳錯誤訊息 (無則為空字串)
func (e LogEntry) ErrorText() string {
	if e.Error == nil {
		return ""
	}
	return *e.Error
}

// MessageIDText 回傳 Message-ID (無則為空字串)
func (e LogEntry) MessageIDText() string {
	if e.MessageID == nil {
		return ""
	}
	return *e.MessageID
}

// Summary 活動統計
type Summary struct {
	Total       int    `json:"total"`
	Successful  int    `json:"successful"`
	Failed      int    `json:"failed"`
	RetriesUsed int    `json:"retriesUsed"`
	SuccessRate string `json:"successRate"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
