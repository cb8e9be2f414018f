package service

import (
	"bytes"
	"context"
	"encoding/json"
	"unicode/utf8"

	"lessond/internal/lesson/model"
	"lessond/internal/lesson/repository"
	"lessond/pkg/apperr"
	"lessond/pkg/fingerprint"
	"lessond/pkg/keylock"
	"lessond/pkg/logger"
	"lessond/socket"
)

// Notifier is the part of the watch hub the service needs.
type Notifier interface {
	Broadcast(slug string, msg socket.WSMessage) int
	// Evict delivers msg and drops every subscription to slug in one step.
	Evict(slug string, msg socket.WSMessage) int
}

type LessonService struct {
	Repo repository.Store
	Hub  Notifier

	// Held across a write and its notification so watchers of one slug see
	// events in commit order.
	locks *keylock.Locks
}

func NewLessonService(repo repository.Store, hub Notifier) *LessonService {
	return &LessonService{Repo: repo, Hub: hub, locks: keylock.New()}
}

// ListLessons returns {slug, title} for every readable lesson. Lessons that
// cannot be read or carry no string title are skipped.
func (s *LessonService) ListLessons(ctx context.Context) ([]model.LessonEntry, error) {
	ids, err := s.Repo.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	lessons := make([]model.LessonEntry, 0, len(ids))
	for _, id := range ids {
		content, _, err := s.Repo.Read(ctx, id)
		if err != nil {
			// Deleted between listing and reading, or unreadable.
			logger.Sugar.Warnf("Skipping lesson %s in listing: %v", id, err)
			continue
		}
		var header model.Header
		if err := json.Unmarshal(content, &header); err != nil || header.Title == nil {
			logger.Sugar.Warnf("Skipping lesson %s in listing: missing or malformed title", id)
			continue
		}
		lessons = append(lessons, model.LessonEntry{Slug: id, Title: *header.Title})
	}
	return lessons, nil
}

func (s *LessonService) GetLesson(ctx context.Context, slug string) ([]byte, fingerprint.Fingerprint, error) {
	return s.Repo.Read(ctx, slug)
}

func (s *LessonService) GetFingerprint(ctx context.Context, slug string) (fingerprint.Fingerprint, error) {
	return s.Repo.Fingerprint(ctx, slug)
}

func (s *LessonService) CreateLesson(ctx context.Context, slug string, content []byte) (fingerprint.Fingerprint, error) {
	normalized, err := normalize(content)
	if err != nil {
		return "", err
	}
	fp, err := s.Repo.Create(ctx, slug, normalized)
	if err != nil {
		return "", err
	}
	logger.Sugar.Infof("Created lesson %s", slug)
	return fp, nil
}

// SaveLesson replaces the content of slug if expected is still its current
// fingerprint, then notifies watchers. Notification happens only after the
// store has returned and its outcome never changes the result.
func (s *LessonService) SaveLesson(ctx context.Context, slug string, expected fingerprint.Fingerprint, content []byte) (fingerprint.Fingerprint, error) {
	normalized, err := normalize(content)
	if err != nil {
		return "", err
	}
	unlock := s.locks.Lock(slug)
	defer unlock()

	fp, err := s.Repo.Update(ctx, slug, expected, normalized)
	if err != nil {
		return "", err
	}

	n := s.Hub.Broadcast(slug, socket.WSMessage{Type: socket.ChangedType, Slug: slug, Fingerprint: fp.String()})
	logger.Sugar.Infof("Saved lesson %s, notified %d watchers", slug, n)
	return fp, nil
}

// DeleteLesson removes slug. A non-nil expected makes the delete
// conditional on the lesson not having changed.
func (s *LessonService) DeleteLesson(ctx context.Context, slug string, expected *fingerprint.Fingerprint) error {
	unlock := s.locks.Lock(slug)
	defer unlock()

	if err := s.Repo.Delete(ctx, slug, expected); err != nil {
		return err
	}

	n := s.Hub.Evict(slug, socket.WSMessage{Type: socket.DeletedType, Slug: slug})
	logger.Sugar.Infof("Deleted lesson %s, notified %d watchers", slug, n)
	return nil
}

// normalize checks that content is a JSON object and compacts it, so the
// stored bytes, and therefore the fingerprint, do not depend on the
// client's whitespace.
func normalize(content []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, apperr.New(apperr.InvalidContent, "lesson content must be a JSON object")
	}
	// Compact passes invalid UTF-8 through unchanged.
	if !utf8.Valid(trimmed) {
		return nil, apperr.New(apperr.InvalidContent, "lesson content is not valid UTF-8")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, apperr.Wrap(apperr.InvalidContent, err, "lesson content is not valid JSON")
	}
	return buf.Bytes(), nil
}
