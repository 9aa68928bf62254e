package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	redisc "github.com/mx-space/newsletter/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

var ErrNotFound = errors.New("task not found")

// Task is one recorded background run, kept in Redis for a week.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    TaskStatus      `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const (
	keyPrefix = "nl:task:"
	keyIndex  = "nl:tasks:index:" // sorted set per type: score=created_at, member=task_id
	taskTTL   = 7 * 24 * time.Hour
)

// Service records task runs in Redis.
type Service struct {
	rc  *redisc.Client
	now func() time.Time
}

func NewService(rc *redisc.Client) *Service {
	return &Service{rc: rc, now: time.Now}
}

func (s *Service) taskKey(id string) string { return keyPrefix + id }

// Start records a running task of taskType.
func (s *Service) Start(ctx context.Context, taskType string, payload interface{}) (*Task, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	now := s.now()
	task := &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Payload:   payloadBytes,
		Status:    TaskRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}

	pipe := s.rc.Raw().TxPipeline()
	pipe.Set(ctx, s.taskKey(task.ID), data, taskTTL)
	pipe.ZAdd(ctx, keyIndex+taskType, redis.Z{
		Score:  float64(task.CreatedAt.UnixMilli()),
		Member: task.ID,
	})
	_, err = pipe.Exec(ctx)
	return task, err
}

// Finish stores the result of a task; runErr marks it failed.
func (s *Service) Finish(ctx context.Context, id string, result interface{}, runErr error) error {
	task, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	task.Status = TaskCompleted
	task.UpdatedAt = s.now()
	if runErr != nil {
		task.Status = TaskFailed
		task.Error = runErr.Error()
	}
	if result != nil {
		if task.Result, err = json.Marshal(result); err != nil {
			return err
		}
	}

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.rc.Raw().Set(ctx, s.taskKey(id), data, taskTTL).Err()
}

// GetByID retrieves a task by its ID.
func (s *Service) GetByID(ctx context.Context, id string) (*Task, error) {
	data, err := s.rc.Raw().Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var task Task
	return &task, json.Unmarshal(data, &task)
}

// List returns tasks of taskType, newest first. Index entries whose task has
// expired are dropped along the way.
func (s *Service) List(ctx context.Context, taskType string, page, size int) ([]*Task, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	index := keyIndex + taskType
	total, err := s.rc.Raw().ZCard(ctx, index).Result()
	if err != nil {
		return nil, 0, err
	}
	start := int64((page - 1) * size)
	ids, err := s.rc.Raw().ZRevRange(ctx, index, start, start+int64(size)-1).Result()
	if err != nil {
		return nil, 0, err
	}

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.rc.Raw().ZRem(ctx, index, id)
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	return tasks, total, nil
}

// Prune drops index entries older than before; the task bodies expire on their own.
func (s *Service) Prune(ctx context.Context, taskType string, before time.Time) (int64, error) {
	return s.rc.Raw().ZRemRangeByScore(ctx, keyIndex+taskType, "-inf", "("+strconv.FormatInt(before.UnixMilli(), 10)).Result()
}
