package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-store/internal/model"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type taskDoc struct {
	ID           string         `bson:"_id"`
	TaskName     *string        `bson:"task_name,omitempty"`
	TaskType     string         `bson:"task_type"`
	TaskBody     map[string]any `bson:"task_body"`
	CreatedAt    time.Time      `bson:"created_at"`
	RetryAt      time.Time      `bson:"retry_at"`
	ProcessingAt *time.Time     `bson:"processing_at,omitempty"`
	LastError    *string        `bson:"last_error,omitempty"`
	RetryCount   int            `bson:"retry_count"`
}

func taskDocToModel(d taskDoc) model.Task {
	return model.Task{
		ID:           strToUUID(d.ID),
		TaskName:     d.TaskName,
		TaskType:     d.TaskType,
		TaskBody:     d.TaskBody,
		CreatedAt:    d.CreatedAt,
		RetryAt:      d.RetryAt,
		ProcessingAt: d.ProcessingAt,
		LastError:    d.LastError,
		RetryCount:   d.RetryCount,
	}
}

func (s *Store) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error {
	now := time.Now()
	doc := taskDoc{
		ID:        uuidToStr(uuid.New()),
		TaskType:  taskType,
		TaskBody:  taskBody,
		CreatedAt: now,
		RetryAt:   now,
	}
	if _, err := s.tasks().InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *Store) CreateNamedTask(ctx context.Context, taskName string, taskType string, taskBody map[string]interface{}) error {
	now := time.Now()
	// $setOnInsert with upsert dedupes on task_name; an already-queued named
	// task is a no-op.
	_, err := s.tasks().UpdateOne(ctx,
		bson.M{"task_name": taskName},
		bson.M{"$setOnInsert": bson.M{
			"_id":         uuidToStr(uuid.New()),
			"task_type":   taskType,
			"task_body":   taskBody,
			"created_at":  now,
			"retry_at":    now,
			"retry_count": 0,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *Store) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	claimTTL := s.cfg.TaskClaimTTL
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}

	now := time.Now()
	staleBefore := now.Add(-claimTTL)
	retryAt := now.Add(claimTTL)

	// Claim one at a time with FindOneAndUpdate; each update is atomic so
	// concurrent claimers never grab the same task.
	var tasks []model.Task
	for i := 0; i < limit; i++ {
		filter := bson.M{
			"retry_at": bson.M{"$lte": now},
			"$or": bson.A{
				bson.M{"processing_at": bson.M{"$exists": false}},
				bson.M{"processing_at": nil},
				bson.M{"processing_at": bson.M{"$lt": staleBefore}},
			},
		}
		update := bson.M{"$set": bson.M{"processing_at": now, "retry_at": retryAt}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "retry_at", Value: 1}, {Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc taskDoc
		err := s.tasks().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			return nil, fmt.Errorf("failed to claim tasks: %w", err)
		}
		tasks = append(tasks, taskDocToModel(doc))
	}
	return tasks, nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.tasks().DeleteOne(ctx, bson.M{"_id": uuidToStr(taskID)})
	return err
}

func (s *Store) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	_, err := s.tasks().UpdateByID(ctx, uuidToStr(taskID), bson.M{
		"$inc": bson.M{"retry_count": 1},
		"$set": bson.M{
			"retry_at":      time.Now().Add(retryDelay),
			"last_error":    errMsg,
			"processing_at": nil,
		},
	})
	return err
}

// --- Eviction ---

func (s *Store) FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	filter := bson.M{"deleted_at": bson.M{"$exists": true, "$lt": cutoff}}
	opts := options.Find().SetProjection(bson.M{"_id": 1}).SetLimit(int64(limit))
	cur, err := s.groups().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find evictable groups: %w", err)
	}
	var docs []groupDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode evictable groups: %w", err)
	}
	ids := make([]uuid.UUID, len(docs))
	for i, d := range docs {
		ids[i] = strToUUID(d.ID)
	}
	return ids, nil
}

func (s *Store) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.groups().CountDocuments(ctx, bson.M{"deleted_at": bson.M{"$exists": true, "$lt": cutoff}})
}

func (s *Store) HardDeleteConversationGroups(ctx context.Context, groupIDs []uuid.UUID) error {
	if len(groupIDs) == 0 {
		return nil
	}
	ids := make([]string, len(groupIDs))
	for i, id := range groupIDs {
		ids[i] = uuidToStr(id)
	}

	// Dependents go first; there are no cascading deletes.
	if _, err := s.entries().DeleteMany(ctx, bson.M{"conversation_group_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	if _, err := s.memberships().DeleteMany(ctx, bson.M{"conversation_group_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("failed to delete memberships: %w", err)
	}
	if _, err := s.transfers().DeleteMany(ctx, bson.M{"conversation_group_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("failed to delete ownership transfers: %w", err)
	}
	if _, err := s.conversations().DeleteMany(ctx, bson.M{"conversation_group_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("failed to delete conversations: %w", err)
	}
	if _, err := s.groups().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("failed to delete conversation groups: %w", err)
	}
	return nil
}

// EvictSupersededEpochs deletes memory entries whose epoch has been superseded
// by a newer one for the same (conversation, clientId) pair, once the stale
// epoch's newest entry is older than the cutoff. A vector cleanup task is
// enqueued per deleted entry.
func (s *Store) EvictSupersededEpochs(ctx context.Context, cutoff time.Time) (int64, error) {
	cur, err := s.entries().Find(ctx, bson.M{
		"channel":   string(model.ChannelMemory),
		"client_id": bson.M{"$exists": true, "$ne": nil},
		"epoch":     bson.M{"$exists": true, "$ne": nil},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find memory entries: %w", err)
	}
	var docs []entryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return 0, fmt.Errorf("failed to decode memory entries: %w", err)
	}

	type pairKey struct {
		conversationID string
		clientID       string
	}
	type epochKey struct {
		pairKey
		epoch int64
	}

	latest := map[pairKey]int64{}
	newest := map[epochKey]time.Time{}
	for _, d := range docs {
		if d.ClientID == nil || d.Epoch == nil {
			continue
		}
		pk := pairKey{d.ConversationID, *d.ClientID}
		if e, ok := latest[pk]; !ok || *d.Epoch > e {
			latest[pk] = *d.Epoch
		}
		ek := epochKey{pk, *d.Epoch}
		if t, ok := newest[ek]; !ok || d.CreatedAt.After(t) {
			newest[ek] = d.CreatedAt
		}
	}

	var staleIDs []string
	for _, d := range docs {
		if d.ClientID == nil || d.Epoch == nil {
			continue
		}
		pk := pairKey{d.ConversationID, *d.ClientID}
		if *d.Epoch >= latest[pk] {
			continue
		}
		if !newest[epochKey{pk, *d.Epoch}].Before(cutoff) {
			continue
		}
		staleIDs = append(staleIDs, d.ID)
		body := map[string]interface{}{
			"entryId":             d.ID,
			"conversationGroupId": d.ConversationGroupID,
		}
		if err := s.CreateTask(ctx, "vector_entry_delete", body); err != nil {
			log.Error("Failed to enqueue vector cleanup task", "err", err, "entryId", d.ID)
		}
	}
	if len(staleIDs) == 0 {
		return 0, nil
	}

	result, err := s.entries().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": staleIDs}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete superseded entries: %w", err)
	}
	return result.DeletedCount, nil
}
