// internal/recipients/parser.go
// 收件人名單解析 - CSV 轉為驗證過的收件人列表

package recipients

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"sendy/internal/models"
)

// ErrNoRecipients 名單中沒有任何有效收件人
var ErrNoRecipients = errors.New("no valid recipients found")

var validate = validator.New()

// SkippedRow 被略過的資料列
type SkippedRow struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Result 解析結果
type Result struct {
	Recipients []models.Recipient `json:"recipients"`
	Skipped    []SkippedRow       `json:"skipped,omitempty"`
}

// ParseCSV 解析含 Name 與 Email 欄位的 CSV (欄位名稱不分大小寫)
// 無效的資料列會被略過並記錄在 Skipped；完全沒有有效收件人時回傳 ErrNoRecipients
func ParseCSV(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, ErrNoRecipients
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	nameCol, emailCol := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))) {
		case "name":
			nameCol = i
		case "email":
			emailCol = i
		}
	}
	if nameCol < 0 || emailCol < 0 {
		return nil, fmt.Errorf("CSV must contain Name and Email columns, got %v", header)
	}

	result := &Result{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("error reading CSV line %d: %w", line, err)
		}

		recipient := models.Recipient{
			Name:  field(record, nameCol),
			Email: field(record, emailCol),
		}
		if err := Validate(recipient); err != nil {
			result.Skipped = append(result.Skipped, SkippedRow{Line: line, Reason: err.Error()})
			continue
		}
		result.Recipients = append(result.Recipients, recipient)
	}

	if len(result.Recipients) == 0 {
		return result, ErrNoRecipients
	}
	return result, nil
}

// Validate 檢查收件人欄位
func Validate(r models.Recipient) error {
	if r.Name == "" || r.Email == "" {
		name, email := r.Name, r.Email
		if name == "" {
			name = "missing"
		}
		if email == "" {
			email = "missing"
		}
		return fmt.Errorf("missing required fields (Name: %s, Email: %s)", name, email)
	}
	if err := validate.Var(r.Email, "email"); err != nil {
		return fmt.Errorf("invalid email format: %s", r.Email)
	}
	return nil
}

// Statistics 名單統計
type Statistics struct {
	TotalRecipients int            `json:"totalRecipients"`
	UniqueDomains   int            `json:"uniqueDomains"`
	DomainBreakdown map[string]int `json:"domainBreakdown"`
}

// Stats 依網域統計收件人
func Stats(list []models.Recipient) Statistics {
	domains := make(map[string]int)
	for _, r := range list {
		domains[r.Domain()]++
	}
	return Statistics{
		TotalRecipients: len(list),
		UniqueDomains:   len(domains),
		DomainBreakdown: domains,
	}
}

// Domains 回傳排序後的不重複網域
func Domains(list []models.Recipient) []string {
	stats := Stats(list)
	out := make([]string, 0, len(stats.DomainBreakdown))
	for d := range stats.DomainBreakdown {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func field(record []string, idx int) string {
	if idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
