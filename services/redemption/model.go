package redemption

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

var (
	StatusSuccess Status = "SUCCESS"
	StatusSkipped Status = "SKIPPED"
	StatusFailed  Status = "FAILED"
)

func (s Status) String() string {
	switch s {
	case StatusSuccess, StatusSkipped, StatusFailed:
		return string(s)
	default:
		return ""
	}
}

// State is a step of the per-item protocol.
type State string

var (
	StateCheckIdentity  State = "CHECK_IDENTITY"
	StateFetchChallenge State = "FETCH_CHALLENGE"
	StateSolveChallenge State = "SOLVE_CHALLENGE"
	StateSubmit         State = "SUBMIT"
)

// Item is one account to redeem for.
type Item struct {
	FID  string `json:"fid"`
	Name string `json:"name,omitempty"`
}

type Result struct {
	FID        string `json:"fid"`
	Nickname   string `json:"nickname,omitempty"`
	Status     Status `json:"status"`
	Reason     string `json:"reason"`
	RawError   string `json:"raw_error,omitempty"`
	Attempts   int    `json:"attempts"`
	Challenges int    `json:"challenges"`
}

// Summary counts results by status.
type Summary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			s.Success++
		case StatusSkipped:
			s.Skipped++
		default:
			s.Failed++
		}
	}
	return s
}

// RedemptionHistory is one credited (fid, code) pair.
type RedemptionHistory struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement:false" json:"id,string"`
	FID        string    `gorm:"column:fid;size:64;not null;uniqueIndex:idx_redemption_fid_code,priority:1" json:"fid"`
	Code       string    `gorm:"column:code;size:20;not null;uniqueIndex:idx_redemption_fid_code,priority:2;index:idx_redemption_code" json:"code"`
	RedeemedAt time.Time `gorm:"column:redeemed_at;not null" json:"redeemed_at"`
}

func (RedemptionHistory) TableName() string {
	return "redemption_histories"
}

type JobStatus string

var (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) String() string {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed:
		return string(s)
	default:
		return ""
	}
}

// RedemptionJob is the audit row of one batch run.
type RedemptionJob struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at" json:"updated_at"`
	Code        string         `gorm:"column:code;size:20;index" json:"code"`
	Status      JobStatus      `gorm:"column:status;size:16" json:"status"`
	Total       int            `gorm:"column:total" json:"total"`
	Succeeded   int            `gorm:"column:succeeded" json:"succeeded"`
	Skipped     int            `gorm:"column:skipped" json:"skipped"`
	Failed      int            `gorm:"column:failed" json:"failed"`
	Processed   int            `gorm:"column:processed" json:"processed"`
	Items       datatypes.JSON `gorm:"column:items" json:"-"`
	Results     datatypes.JSON `gorm:"column:results" json:"results,omitempty"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (RedemptionJob) TableName() string {
	return "redemption_jobs"
}
