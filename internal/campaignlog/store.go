// internal/campaignlog/store.go
// 活動紀錄儲存 - 每個活動一個 JSON 檔案，依序附加發送結果
//
// 每次 Append 都會讀取整個檔案、附加一筆、再整份寫回 (暫存檔 + rename)。
// 一個活動的總 I/O 因此為 O(n²)，適用於數百至數千位收件人的規模。
// 同一活動只允許一個寫入者 (執行該活動的發送引擎)。

package campaignlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"sendy/internal/models"
)

var (
	// ErrCampaignNotFound 找不到活動紀錄檔
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrInvalidCampaignID 活動 ID 含有不允許的字元
	ErrInvalidCampaignID = errors.New("invalid campaign id")

	campaignIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// PersistenceError 讀寫紀錄檔失敗
type PersistenceError struct {
	CampaignID string
	Op         string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("campaign log %s %s failed: %v", e.CampaignID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store 檔案型活動紀錄
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore 建立紀錄儲存，必要時建立目錄
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir 回傳紀錄目錄
func (s *Store) Dir() string {
	return s.dir
}

// ValidateID 檢查活動 ID 是否可安全作為檔名
func ValidateID(campaignID string) error {
	if !campaignIDPattern.MatchString(campaignID) {
		return fmt.Errorf("%w: %q", ErrInvalidCampaignID, campaignID)
	}
	return nil
}

// Create 建立空白紀錄 (已存在則不變動)
func (s *Store) Create(campaignID string) error {
	if err := ValidateID(campaignID); err != nil {
		return err
	}

	lock := s.lockFor(campaignID)
	lock.Lock()
	defer lock.Unlock()

	_, err := os.Stat(s.path(campaignID))
	switch {
	case err == nil:
		return nil
	case !os.IsNotExist(err):
		return &PersistenceError{CampaignID: campaignID, Op: "stat", Err: err}
	}
	return s.write(campaignID, []models.LogEntry{})
}

// Append 附加一筆發送結果
func (s *Store) Append(campaignID string, outcome models.DeliveryOutcome) error {
	if err := ValidateID(campaignID); err != nil {
		return err
	}

	lock := s.lockFor(campaignID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.read(campaignID)
	if err != nil && !errors.Is(err, ErrCampaignNotFound) {
		return err
	}

	entries = append(entries, models.NewLogEntry(outcome))
	return s.write(campaignID, entries)
}

// ReadAll 讀取完整紀錄 (依附加順序)
func (s *Store) ReadAll(campaignID string) ([]models.LogEntry, error) {
	if err := ValidateID(campaignID); err != nil {
		return nil, err
	}

	lock := s.lockFor(campaignID)
	lock.Lock()
	defer lock.Unlock()

	return s.read(campaignID)
}

// Summarize 計算活動統計
func (s *Store) Summarize(campaignID string) (models.Summary, error) {
	entries, err := s.ReadAll(campaignID)
	if err != nil {
		return models.Summary{}, err
	}
	return Summarize(entries), nil
}

// Failed 回傳失敗的紀錄
func (s *Store) Failed(campaignID string) ([]models.LogEntry, error) {
	entries, err := s.ReadAll(campaignID)
	if err != nil {
		return nil, err
	}
	return FilterFailed(entries), nil
}

// Summarize 由紀錄計算統計，成功率格式為 "xx.xx%"，無紀錄時為 "0%"
func Summarize(entries []models.LogEntry) models.Summary {
	summary := models.Summary{Total: len(entries), SuccessRate: "0%"}
	for _, e := range entries {
		if e.Succeeded() {
			summary.Successful++
		} else {
			summary.Failed++
		}
		if e.Attempt > 1 {
			summary.RetriesUsed++
		}
	}
	if summary.Total > 0 {
		rate := float64(summary.Successful) / float64(summary.Total) * 100
		summary.SuccessRate = fmt.Sprintf("%.2f%%", rate)
	}
	return summary
}

// FilterFailed 篩選失敗紀錄
func FilterFailed(entries []models.LogEntry) []models.LogEntry {
	failed := make([]models.LogEntry, 0)
	for _, e := range entries {
		if !e.Succeeded() {
			failed = append(failed, e)
		}
	}
	return failed
}

func (s *Store) path(campaignID string) string {
	return filepath.Join(s.dir, campaignID+".json")
}

func (s *Store) lockFor(campaignID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[campaignID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[campaignID] = lock
	}
	return lock
}

// read 呼叫端需持有該活動的鎖
func (s *Store) read(campaignID string) ([]models.LogEntry, error) {
	data, err := os.ReadFile(s.path(campaignID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCampaignNotFound
		}
		return nil, &PersistenceError{CampaignID: campaignID, Op: "read", Err: err}
	}

	entries := make([]models.LogEntry, 0)
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &PersistenceError{CampaignID: campaignID, Op: "decode", Err: err}
	}
	return entries, nil
}

// write 呼叫端需持有該活動的鎖
func (s *Store) write(campaignID string, entries []models.LogEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return &PersistenceError{CampaignID: campaignID, Op: "encode", Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, campaignID+".*.tmp")
	if err != nil {
		return &PersistenceError{CampaignID: campaignID, Op: "write", Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{CampaignID: campaignID, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{CampaignID: campaignID, Op: "write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{CampaignID: campaignID, Op: "write", Err: err}
	}
	if err := os.Rename(tmpName, s.path(campaignID)); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{CampaignID: campaignID, Op: "write", Err: err}
	}
	return nil
}
