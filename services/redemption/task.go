package redemption

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"giftcode-redeemer/pkg/taskname"
)

type BatchTaskPayload struct {
	JobID string `json:"job_id"`
	Code  string `json:"code"`
}

type BatchTaskConfig struct {
	Queue     string
	Retention time.Duration
	// Timeout bounds one delivery. An interrupted delivery keeps its finished
	// items and the retry resumes with the rest.
	Timeout time.Duration
}

func NewBatchTask(p BatchTaskPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.GiftCodeRedeemBatch, payload), nil
}

// BatchTaskOptions are the enqueue options for the task of jobID.
func BatchTaskOptions(jobID string, cfg BatchTaskConfig) []asynq.Option {
	opts := []asynq.Option{
		asynq.TaskID(jobID),
		asynq.MaxRetry(10),
	}
	if cfg.Queue != "" {
		opts = append(opts, asynq.Queue(cfg.Queue))
	}
	if cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(cfg.Retention))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, asynq.Timeout(cfg.Timeout))
	}
	return opts
}
