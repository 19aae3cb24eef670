// internal/campaignlog/export.go
// 紀錄匯出與執行報告

package campaignlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"sendy/internal/models"
)

// ErrEmptyLog 紀錄中尚無任何資料
var ErrEmptyLog = errors.New("no logs to export")

var csvHeader = []string{"Timestamp", "Name", "Email", "Status", "Attempt", "MessageID", "Error"}

// ExportCSV 將活動紀錄輸出為 CSV
func (s *Store) ExportCSV(campaignID string, w io.Writer) error {
	entries, err := s.ReadAll(campaignID)
	if err != nil {
		return err
	}
	return WriteCSV(w, entries)
}

// WriteCSV 將紀錄寫成 CSV
func WriteCSV(w io.Writer, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return ErrEmptyLog
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			e.Timestamp.Format(time.RFC3339Nano),
			e.Recipient.Name,
			e.Recipient.Email,
			string(e.Status),
			strconv.Itoa(e.Attempt),
			e.MessageIDText(),
			e.ErrorText(),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// FailedRecipient 報告中的失敗收件人
type FailedRecipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Error string `json:"error"`
}

// Report 單次執行報告
type Report struct {
	CampaignID   string            `json:"campaignId"`
	Summary      models.Summary    `json:"summary"`
	Duration     string            `json:"duration"`
	FailedEmails []FailedRecipient `json:"failedEmails"`
}

// SessionReport 產生執行報告
func (s *Store) SessionReport(campaignID string, started, finished time.Time) (*Report, error) {
	entries, err := s.ReadAll(campaignID)
	if err != nil {
		return nil, err
	}

	failed := FilterFailed(entries)
	report := &Report{
		CampaignID:   campaignID,
		Summary:      Summarize(entries),
		Duration:     fmt.Sprintf("%.2f seconds", finished.Sub(started).Seconds()),
		FailedEmails: make([]FailedRecipient, 0, len(failed)),
	}
	for _, e := range failed {
		report.FailedEmails = append(report.FailedEmails, FailedRecipient{
			Name:  e.Recipient.Name,
			Email: e.Recipient.Email,
			Error: e.ErrorText(),
		})
	}
	return report, nil
}
