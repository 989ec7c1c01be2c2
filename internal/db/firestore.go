package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clipfarm/manager-go/internal/utils"
	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	clipsCollection      = "clips"
	logsCollection       = "logs"
	settingsCollection   = "settings"
	postsCollection      = "posts"
	heartbeatsCollection = "worker_heartbeats"
)

// FirestoreStore keeps clips, posts and logs as Firestore documents.
// Queries filtering on status or platform and ordering by created_at need composite indexes.
type FirestoreStore struct {
	client *firestore.Client
	now    func() time.Time
}

type firestoreClip struct {
	Filename     string     `firestore:"filename"`
	VideoPath    string     `firestore:"video_path"`
	CaptionPath  string     `firestore:"caption_path"`
	Caption      string     `firestore:"caption"`
	Platform     string     `firestore:"platform"`
	Status       string     `firestore:"status"`
	StartTime    float64    `firestore:"start_time"`
	EndTime      float64    `firestore:"end_time"`
	Reason       string     `firestore:"reason"`
	StorageURL   string     `firestore:"storage_url"`
	ErrorMessage string     `firestore:"error_message"`
	CreatedAt    time.Time  `firestore:"created_at"`
	PostedAt     *time.Time `firestore:"posted_at"`
}

func (fc firestoreClip) toClip(id string) Clip {
	return Clip{
		ID:           id,
		Filename:     fc.Filename,
		VideoPath:    fc.VideoPath,
		CaptionPath:  fc.CaptionPath,
		Caption:      fc.Caption,
		Platform:     fc.Platform,
		Status:       fc.Status,
		StartTime:    fc.StartTime,
		EndTime:      fc.EndTime,
		Reason:       fc.Reason,
		StorageURL:   fc.StorageURL,
		ErrorMessage: fc.ErrorMessage,
		CreatedAt:    fc.CreatedAt,
		PostedAt:     fc.PostedAt,
	}
}

type firestoreLog struct {
	Timestamp time.Time `firestore:"timestamp"`
	Level     string    `firestore:"level"`
	Component string    `firestore:"component"`
	Message   string    `firestore:"message"`
}

type firestorePost struct {
	ClipID       string    `firestore:"clip_id"`
	Platform     string    `firestore:"platform"`
	Account      string    `firestore:"account"`
	PostedAt     time.Time `firestore:"posted_at"`
	Success      bool      `firestore:"success"`
	ErrorMessage string    `firestore:"error_message"`
}

// NewFirestoreStore connects to projectID. An empty credentialsFile uses application default credentials.
func NewFirestoreStore(ctx context.Context, projectID, credentialsFile string) (*FirestoreStore, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreStore{client: client, now: time.Now}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// Migrate only seeds default settings; Firestore has no schema.
func (s *FirestoreStore) Migrate(ctx context.Context) error {
	for key, value := range DefaultSettings {
		_, err := s.client.Collection(settingsCollection).Doc(key).Create(ctx, map[string]any{
			"value":      value,
			"updated_at": s.now(),
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}
	return nil
}

func (s *FirestoreStore) AddClip(ctx context.Context, clip NewClip) (string, error) {
	id := uuid.NewString()
	utils.Debug("db add clip", "id", id, "platform", clip.Platform, "filename", clip.Filename)
	_, err := s.client.Collection(clipsCollection).Doc(id).Set(ctx, firestoreClip{
		Filename:    clip.Filename,
		VideoPath:   clip.VideoPath,
		CaptionPath: clip.CaptionPath,
		Caption:     clip.Caption,
		Platform:    clip.Platform,
		Status:      StatusPending,
		StartTime:   clip.StartTime,
		EndTime:     clip.EndTime,
		Reason:      clip.Reason,
		StorageURL:  clip.StorageURL,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *FirestoreStore) GetClips(ctx context.Context, filter ClipFilter) ([]Clip, error) {
	q := s.client.Collection(clipsCollection).Query
	if filter.Status != "" {
		q = q.Where("status", "==", filter.Status)
	}
	if filter.Platform != "" {
		q = q.Where("platform", "==", filter.Platform)
	}
	q = q.OrderBy("created_at", firestore.Desc).Limit(normalizeLimit(filter.Limit))

	iter := q.Documents(ctx)
	defer iter.Stop()

	out := []Clip{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var fc firestoreClip
		if err := doc.DataTo(&fc); err != nil {
			return nil, err
		}
		out = append(out, fc.toClip(doc.Ref.ID))
	}
	return out, nil
}

func (s *FirestoreStore) GetClipByID(ctx context.Context, id string) (Clip, error) {
	doc, err := s.client.Collection(clipsCollection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Clip{}, fmt.Errorf("clip %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Clip{}, err
	}
	var fc firestoreClip
	if err := doc.DataTo(&fc); err != nil {
		return Clip{}, err
	}
	return fc.toClip(doc.Ref.ID), nil
}

func (s *FirestoreStore) UpdateClipStatus(ctx context.Context, id, clipStatus, errorMessage string) error {
	utils.Debug("db update clip status", "id", id, "status", clipStatus)
	updates := []firestore.Update{
		{Path: "status", Value: clipStatus},
		{Path: "error_message", Value: errorMessage},
	}
	if clipStatus == StatusPosted {
		updates = append(updates, firestore.Update{Path: "posted_at", Value: s.now()})
	}
	_, err := s.client.Collection(clipsCollection).Doc(id).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("clip %s: %w", id, ErrNotFound)
	}
	return err
}

func (s *FirestoreStore) RecordPost(ctx context.Context, post PostRecord) error {
	utils.Debug("db record post", "clip_id", post.ClipID, "platform", post.Platform, "success", post.Success)
	_, err := s.client.Collection(postsCollection).Doc(uuid.NewString()).Set(ctx, firestorePost{
		ClipID:       post.ClipID,
		Platform:     post.Platform,
		Account:      post.Account,
		PostedAt:     s.now(),
		Success:      post.Success,
		ErrorMessage: post.ErrorMessage,
	})
	if err != nil {
		return err
	}
	if post.ClipID == "" {
		return nil
	}
	return s.UpdateClipStatus(ctx, post.ClipID, postStatus(post.Success), post.ErrorMessage)
}

func (s *FirestoreStore) AddLog(ctx context.Context, level, component, message string) error {
	_, err := s.client.Collection(logsCollection).Doc(uuid.NewString()).Set(ctx, firestoreLog{
		Timestamp: s.now(),
		Level:     level,
		Component: component,
		Message:   message,
	})
	return err
}

func (s *FirestoreStore) GetLogs(ctx context.Context, component string, limit int) ([]LogEntry, error) {
	q := s.client.Collection(logsCollection).Query
	if component != "" {
		q = q.Where("component", "==", component)
	}
	iter := q.OrderBy("timestamp", firestore.Desc).Limit(normalizeLimit(limit)).Documents(ctx)
	defer iter.Stop()

	out := []LogEntry{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var fl firestoreLog
		if err := doc.DataTo(&fl); err != nil {
			return nil, err
		}
		out = append(out, LogEntry{
			ID:        doc.Ref.ID,
			Timestamp: fl.Timestamp,
			Level:     fl.Level,
			Component: fl.Component,
			Message:   fl.Message,
		})
	}
	return out, nil
}

func (s *FirestoreStore) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	doc, err := s.client.Collection(settingsCollection).Doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	value, ok := doc.Data()["value"].(string)
	if !ok {
		return fallback, nil
	}
	return value, nil
}

func (s *FirestoreStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.client.Collection(settingsCollection).Doc(key).Set(ctx, map[string]any{
		"value":      value,
		"updated_at": s.now(),
	})
	return err
}

func (s *FirestoreStore) GetSettings(ctx context.Context) (map[string]string, error) {
	iter := s.client.Collection(settingsCollection).Documents(ctx)
	defer iter.Stop()

	out := map[string]string{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		if value, ok := doc.Data()["value"].(string); ok {
			out[doc.Ref.ID] = value
		}
	}
	return out, nil
}

// GetAnalytics walks the clip statuses and today's posts on every call.
func (s *FirestoreStore) GetAnalytics(ctx context.Context) (Analytics, error) {
	var a Analytics

	clips := s.client.Collection(clipsCollection).Select("status").Documents(ctx)
	defer clips.Stop()
	for {
		doc, err := clips.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return Analytics{}, err
		}
		a.TotalClips++
		switch doc.Data()["status"] {
		case StatusPending:
			a.Pending++
		case StatusPosted:
			a.Posted++
		case StatusFailed:
			a.Failed++
		}
	}

	posts := s.client.Collection(postsCollection).
		Where("posted_at", ">=", startOfDay(s.now())).
		Select("success").
		Documents(ctx)
	defer posts.Stop()
	for {
		doc, err := posts.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return Analytics{}, err
		}
		if ok, _ := doc.Data()["success"].(bool); ok {
			a.PostsToday++
		}
	}
	return a, nil
}

func (s *FirestoreStore) UpdateHeartbeat(ctx context.Context, workerID string) error {
	_, err := s.client.Collection(heartbeatsCollection).Doc(workerID).Set(ctx, map[string]any{
		"last_seen": s.now(),
	})
	return err
}

func (s *FirestoreStore) GetWorkerStatus(ctx context.Context, workerID string) (WorkerStatus, error) {
	doc, err := s.client.Collection(heartbeatsCollection).Doc(workerID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return workerStatus(workerID, nil, s.now()), nil
	}
	if err != nil {
		return WorkerStatus{}, err
	}
	lastSeen, ok := doc.Data()["last_seen"].(time.Time)
	if !ok {
		return workerStatus(workerID, nil, s.now()), nil
	}
	return workerStatus(workerID, &lastSeen, s.now()), nil
}
