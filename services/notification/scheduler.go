package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"donation-reconciler/pkg/task"
	"donation-reconciler/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler runs an automatic attempt for a receipt after delay. Scheduling the
// same (receipt, attempt) twice runs it once.
type Scheduler interface {
	Schedule(ctx context.Context, receiptID string, attempt int, delay time.Duration) error
}

type sendPayload struct {
	ReceiptID string `json:"receipt_id"`
	Attempt   int    `json:"attempt"`
}

func taskID(receiptID string, attempt int) string {
	return fmt.Sprintf("%s:%d", receiptID, attempt)
}

// AsynqScheduler enqueues receipt:email:send tasks. Retries are scheduled by
// the dispatcher itself, so asynq never retries a task.
type AsynqScheduler struct {
	enqueuer task.Enqueuer
}

func NewAsynqScheduler(enqueuer task.Enqueuer) *AsynqScheduler {
	return &AsynqScheduler{enqueuer: enqueuer}
}

func (s *AsynqScheduler) Schedule(ctx context.Context, receiptID string, attempt int, delay time.Duration) error {
	payload, err := json.Marshal(sendPayload{ReceiptID: receiptID, Attempt: attempt})
	if err != nil {
		return err
	}

	_, err = s.enqueuer.Enqueue(ctx,
		asynq.NewTask(taskname.ReceiptEmailSend, payload),
		asynq.Queue(task.QueueNotifications),
		asynq.TaskID(taskID(receiptID, attempt)),
		asynq.MaxRetry(0),
		asynq.ProcessIn(delay),
	)
	return err
}

type scheduledFunc func(ctx context.Context, receiptID string, attempt int)

// LocalScheduler runs attempts on in-process timers. Used when no Redis is
// configured and by the operator CLI.
type LocalScheduler struct {
	mu      sync.Mutex
	handler scheduledFunc
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
}

func NewLocalScheduler() *LocalScheduler {
	return &LocalScheduler{timers: make(map[string]*time.Timer)}
}

func (s *LocalScheduler) Bind(handler scheduledFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *LocalScheduler) Schedule(_ context.Context, receiptID string, attempt int, delay time.Duration) error {
	key := taskID(receiptID, attempt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[key]; ok {
		return nil
	}

	s.wg.Add(1)
	s.timers[key] = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.timers, key)
		handler := s.handler
		s.mu.Unlock()

		if handler == nil {
			zap.L().Warn("[Notification] no handler bound, dropping scheduled attempt", zap.String("task_id", key))
			return
		}
		handler(context.Background(), receiptID, attempt)
	})
	return nil
}

// Pending reports how many attempts are waiting on a timer.
func (s *LocalScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels attempts that have not started and returns how many were dropped.
func (s *LocalScheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for key, t := range s.timers {
		if t.Stop() {
			dropped++
			s.wg.Done()
		}
		delete(s.timers, key)
	}
	return dropped
}

// Wait blocks until every started or pending attempt has finished.
func (s *LocalScheduler) Wait() {
	s.wg.Wait()
}

type SchedulerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Enqueuer  task.Enqueuer `optional:"true"`
}

// ProvideScheduler uses asynq when a client is wired, in-process timers otherwise.
func ProvideScheduler(p SchedulerParams) Scheduler {
	if p.Enqueuer != nil {
		return NewAsynqScheduler(p.Enqueuer)
	}

	zap.L().Info("[Notification] no task queue configured, retries run in-process")
	local := NewLocalScheduler()
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if n := local.Stop(); n > 0 {
				zap.L().Warn("[Notification] dropped pending email attempts on shutdown", zap.Int("count", n))
			}
			return nil
		},
	})
	return local
}
