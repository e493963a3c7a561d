package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-store/internal/config"
	"github.com/chirino/conversation-store/internal/metrics"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/google/uuid"
)

// VectorCleaner removes embeddings from an external vector index. The engine
// only enqueues and dispatches cleanup work; the index itself lives outside
// this service.
type VectorCleaner interface {
	Enabled() bool
	DeleteByConversationGroupID(ctx context.Context, groupID uuid.UUID) error
	DeleteByEntryID(ctx context.Context, entryID uuid.UUID) error
}

// TaskProcessor polls for ready tasks and executes them.
type TaskProcessor struct {
	store      registrystore.ConversationStore
	cleaner    VectorCleaner
	interval   time.Duration
	retryDelay time.Duration
	batchSize  int
}

// NewTaskProcessor creates a background task processor. cleaner may be nil
// when no vector index is attached.
func NewTaskProcessor(store registrystore.ConversationStore, cleaner VectorCleaner, cfg *config.Config) *TaskProcessor {
	p := &TaskProcessor{
		store:      store,
		cleaner:    cleaner,
		interval:   10 * time.Second,
		retryDelay: 10 * time.Minute,
		batchSize:  50,
	}
	if cfg != nil {
		if cfg.TaskPollInterval > 0 {
			p.interval = cfg.TaskPollInterval
		}
		if cfg.TaskBatchSize > 0 {
			p.batchSize = cfg.TaskBatchSize
		}
	}
	return p
}

// Start begins the periodic task processing loop. Returns when ctx is cancelled.
func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processBatch(ctx)
		}
	}
}

func (p *TaskProcessor) processBatch(ctx context.Context) {
	tasks, err := p.store.ClaimReadyTasks(ctx, p.batchSize)
	if err != nil {
		log.Error("TaskProcessor: claim tasks failed", "err", err)
		return
	}
	for _, task := range tasks {
		if err := p.executeTask(ctx, task.TaskType, task.TaskBody); err != nil {
			log.Error("TaskProcessor: task failed", "taskId", task.ID, "type", task.TaskType, "err", err)
			p.observe(task.TaskType, "failure")
			if fErr := p.store.FailTask(ctx, task.ID, err.Error(), p.retryDelay); fErr != nil {
				log.Error("TaskProcessor: fail task record failed", "taskId", task.ID, "err", fErr)
			}
		} else {
			p.observe(task.TaskType, "success")
			if dErr := p.store.DeleteTask(ctx, task.ID); dErr != nil {
				log.Error("TaskProcessor: delete task failed", "taskId", task.ID, "err", dErr)
			}
		}
	}
}

func (p *TaskProcessor) observe(taskType, result string) {
	if metrics.TasksProcessedTotal != nil {
		metrics.TasksProcessedTotal.WithLabelValues(taskType, result).Inc()
	}
}

func (p *TaskProcessor) executeTask(ctx context.Context, taskType string, body map[string]any) error {
	switch taskType {
	case "vector_store_delete":
		return p.executeVectorStoreDelete(ctx, body)
	case "vector_entry_delete":
		return p.executeVectorEntryDelete(ctx, body)
	default:
		return fmt.Errorf("unknown task type: %s", taskType)
	}
}

func (p *TaskProcessor) executeVectorStoreDelete(ctx context.Context, body map[string]any) error {
	if p.cleaner == nil || !p.cleaner.Enabled() {
		return nil // skip silently, no vector index attached
	}
	groupID, err := uuidFromBody(body, "conversationGroupId")
	if err != nil {
		return err
	}
	return p.cleaner.DeleteByConversationGroupID(ctx, groupID)
}

func (p *TaskProcessor) executeVectorEntryDelete(ctx context.Context, body map[string]any) error {
	if p.cleaner == nil || !p.cleaner.Enabled() {
		return nil
	}
	entryID, err := uuidFromBody(body, "entryId")
	if err != nil {
		return err
	}
	return p.cleaner.DeleteByEntryID(ctx, entryID)
}

func uuidFromBody(body map[string]any, key string) (uuid.UUID, error) {
	raw, ok := body[key].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("missing or invalid %s in task body", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return id, nil
}
