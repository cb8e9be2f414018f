package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lessond/internal/lesson/model"
	"lessond/internal/lesson/repository"
	"lessond/pkg/apperr"
	"lessond/pkg/fingerprint"
	"lessond/socket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type watcher struct {
	id  string
	mu  sync.Mutex
	got []socket.WSMessage
	// onDeliver runs inside Deliver, before the message is recorded.
	onDeliver func(socket.WSMessage)
	fail      bool
}

func (w *watcher) ID() string { return w.id }

func (w *watcher) Deliver(msg socket.WSMessage) error {
	if w.onDeliver != nil {
		w.onDeliver(msg)
	}
	if w.fail {
		return socket.ErrClientClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.got = append(w.got, msg)
	return nil
}

func (w *watcher) messages() []socket.WSMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]socket.WSMessage(nil), w.got...)
}

func newService(t *testing.T) (*LessonService, *socket.Hub, string) {
	dir := t.TempDir()
	repo, err := repository.NewFileRepository(dir)
	require.NoError(t, err)
	hub := socket.NewHub()
	return NewLessonService(repo, hub), hub, dir
}

func TestLessonLifecycle(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	h1, err := svc.CreateLesson(ctx, "intro", []byte(`{"title":"Intro"}`))
	require.NoError(t, err)

	content, fp, err := svc.GetLesson(ctx, "intro")
	require.NoError(t, err)
	assert.Equal(t, h1, fp)
	assert.JSONEq(t, `{"title":"Intro"}`, string(content))

	h2, err := svc.SaveLesson(ctx, "intro", h1, []byte(`{"title":"Intro 2"}`))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	current, err := svc.GetFingerprint(ctx, "intro")
	require.NoError(t, err)
	assert.Equal(t, h2, current)

	_, err = svc.SaveLesson(ctx, "intro", h1, []byte(`{"title":"Intro 3"}`))
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	require.NoError(t, svc.DeleteLesson(ctx, "intro", nil))
	_, _, err = svc.GetLesson(ctx, "intro")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCreateNormalizesWhitespace(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	fp, err := svc.CreateLesson(ctx, "intro", []byte("  {\n  \"title\": \"Intro\"\n}\n"))
	require.NoError(t, err)
	assert.Equal(t, fingerprint.Of([]byte(`{"title":"Intro"}`)), fp)

	content, _, err := svc.GetLesson(ctx, "intro")
	require.NoError(t, err)
	assert.Equal(t, `{"title":"Intro"}`, string(content))
}

func TestCreateRejectsNonObjects(t *testing.T) {
	svc, _, _ := newService(t)
	for _, c := range []string{"", "null", "[1,2]", `"text"`, `{"title":`} {
		_, err := svc.CreateLesson(context.Background(), "bad", []byte(c))
		assert.True(t, errors.Is(err, apperr.ErrInvalidContent), "content %q: %v", c, err)
	}
}

func TestCreateRejectsInvalidUTF8(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateLesson(ctx, "bad", []byte("{\"title\":\"\xff\"}"))
	assert.True(t, errors.Is(err, apperr.ErrInvalidContent), "%v", err)

	h1, err := svc.CreateLesson(ctx, "good", []byte(`{"title":"Grüße"}`))
	require.NoError(t, err)
	_, err = svc.SaveLesson(ctx, "good", h1, []byte("{\"title\":\"\xc3\x28\"}"))
	assert.True(t, errors.Is(err, apperr.ErrInvalidContent), "%v", err)
}

// slowNotifier stalls the first broadcast so a second save can overtake it.
type slowNotifier struct {
	Notifier
	once    sync.Once
	entered chan struct{}
}

func (n *slowNotifier) Broadcast(slug string, msg socket.WSMessage) int {
	n.once.Do(func() {
		close(n.entered)
		time.Sleep(100 * time.Millisecond)
	})
	return n.Notifier.Broadcast(slug, msg)
}

func TestSaveEventsArriveInCommitOrder(t *testing.T) {
	dir := t.TempDir()
	repo, err := repository.NewFileRepository(dir)
	require.NoError(t, err)
	hub := socket.NewHub()
	slow := &slowNotifier{Notifier: hub, entered: make(chan struct{})}
	svc := NewLessonService(repo, slow)
	ctx := context.Background()

	h1, err := svc.CreateLesson(ctx, "intro", []byte(`{"title":"v1"}`))
	require.NoError(t, err)
	a := &watcher{id: "a"}
	hub.Join("intro", a)

	var (
		wg   sync.WaitGroup
		h2   fingerprint.Fingerprint
		err2 error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		h2, err2 = svc.SaveLesson(ctx, "intro", h1, []byte(`{"title":"v2"}`))
	}()
	<-slow.entered

	h3, err := svc.SaveLesson(ctx, "intro", fingerprint.Of([]byte(`{"title":"v2"}`)), []byte(`{"title":"v3"}`))
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, err2)

	msgs := a.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, h2.String(), msgs[0].Fingerprint)
	assert.Equal(t, h3.String(), msgs[1].Fingerprint)

	current, err := svc.GetFingerprint(ctx, "intro")
	require.NoError(t, err)
	assert.Equal(t, current.String(), msgs[len(msgs)-1].Fingerprint)
}

func TestSaveNotifiesWatchersOnce(t *testing.T) {
	svc, hub, _ := newService(t)
	ctx := context.Background()
	a := &watcher{id: "a"}

	h1, err := svc.CreateLesson(ctx, "intro", []byte(`{"title":"Intro"}`))
	require.NoError(t, err)
	assert.Empty(t, a.messages(), "create does not notify")

	hub.Join("intro", a)
	h2, err := svc.SaveLesson(ctx, "intro", h1, []byte(`{"title":"Intro 2"}`))
	require.NoError(t, err)

	msgs := a.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, socket.ChangedType, msgs[0].Type)
	assert.Equal(t, "intro", msgs[0].Slug)
	assert.Equal(t, h2.String(), msgs[0].Fingerprint)

	// A conflicting save changes nothing and notifies nobody.
	_, err = svc.SaveLesson(ctx, "intro", h1, []byte(`{"title":"stale"}`))
	require.Error(t, err)
	assert.Len(t, a.messages(), 1)

	hub.Leave("intro", a)
	_, err = svc.SaveLesson(ctx, "intro", h2, []byte(`{"title":"Intro 3"}`))
	require.NoError(t, err)
	assert.Len(t, a.messages(), 1, "no event after watch_end")
}

func TestBroadcastHappensAfterPersist(t *testing.T) {
	svc, hub, _ := newService(t)
	ctx := context.Background()

	h1, err := svc.CreateLesson(ctx, "intro", []byte(`{"title":"Intro"}`))
	require.NoError(t, err)

	var seen []byte
	a := &watcher{id: "a", onDeliver: func(socket.WSMessage) {
		seen, _, _ = svc.GetLesson(ctx, "intro")
	}}
	hub.Join("intro", a)

	_, err = svc.SaveLesson(ctx, "intro", h1, []byte(`{"title":"Intro 2"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"title":"Intro 2"}`, string(seen))
}

func TestSaveSucceedsWhenDeliveryFails(t *testing.T) {
	svc, hub, _ := newService(t)
	ctx := context.Background()

	h1, err := svc.CreateLesson(ctx, "intro", []byte(`{"title":"Intro"}`))
	require.NoError(t, err)

	broken := &watcher{id: "broken", fail: true}
	ok := &watcher{id: "ok"}
	hub.Join("intro", broken)
	hub.Join("intro", ok)

	_, err = svc.SaveLesson(ctx, "intro", h1, []byte(`{"title":"Intro 2"}`))
	require.NoError(t, err)
	assert.Len(t, ok.messages(), 1)
}

func TestDeleteNotifiesAndDropsWatchers(t *testing.T) {
	svc, hub, _ := newService(t)
	ctx := context.Background()
	a := &watcher{id: "a"}

	fp, err := svc.CreateLesson(ctx, "intro", []byte(`{"title":"Intro"}`))
	require.NoError(t, err)
	hub.Join("intro", a)

	stale := fingerprint.Of([]byte("x"))
	err = svc.DeleteLesson(ctx, "intro", &stale)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.Empty(t, a.messages())

	require.NoError(t, svc.DeleteLesson(ctx, "intro", &fp))
	msgs := a.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, socket.DeletedType, msgs[0].Type)
	assert.Equal(t, 0, hub.Subscribers("intro"))
	assert.Equal(t, 0, hub.Watching(a))
}

func TestWatcherJoiningDuringDeleteIsKept(t *testing.T) {
	svc, hub, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateLesson(ctx, "intro", []byte(`{"title":"Intro"}`))
	require.NoError(t, err)

	late := &watcher{id: "late"}
	early := &watcher{id: "early", onDeliver: func(socket.WSMessage) {
		// Arrives after the room was emptied, so it must stay subscribed.
		hub.Join("intro", late)
	}}
	hub.Join("intro", early)

	require.NoError(t, svc.DeleteLesson(ctx, "intro", nil))
	assert.Len(t, early.messages(), 1)
	assert.Equal(t, 1, hub.Subscribers("intro"))

	h1, err := svc.CreateLesson(ctx, "intro", []byte(`{"title":"Again"}`))
	require.NoError(t, err)
	_, err = svc.SaveLesson(ctx, "intro", h1, []byte(`{"title":"Again 2"}`))
	require.NoError(t, err)
	msgs := late.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, socket.ChangedType, msgs[0].Type)
}

func TestListLessonsSkipsMalformed(t *testing.T) {
	svc, _, dir := newService(t)
	ctx := context.Background()

	_, err := svc.CreateLesson(ctx, "beta", []byte(`{"title":"Beta"}`))
	require.NoError(t, err)
	_, err = svc.CreateLesson(ctx, "alpha", []byte(`{"title":"Alpha","text_segments":[]}`))
	require.NoError(t, err)
	_, err = svc.CreateLesson(ctx, "untitled", []byte(`{"name":"no title"}`))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"title":`), 0o644))

	lessons, err := svc.ListLessons(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.LessonEntry{
		{Slug: "alpha", Title: "Alpha"},
		{Slug: "beta", Title: "Beta"},
	}, lessons)
}

func TestListLessonsSortedBySlug(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	for _, s := range []string{"a-b", "a", "a_c"} {
		_, err := svc.CreateLesson(ctx, s, []byte(`{"title":"`+s+`"}`))
		require.NoError(t, err)
	}

	lessons, err := svc.ListLessons(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.LessonEntry{
		{Slug: "a", Title: "a"},
		{Slug: "a-b", Title: "a-b"},
		{Slug: "a_c", Title: "a_c"},
	}, lessons)
}

func TestConcurrentSavesWithSameFingerprint(t *testing.T) {
	svc, hub, _ := newService(t)
	ctx := context.Background()
	a := &watcher{id: "a"}
	hub.Join("intro", a)

	h1, err := svc.CreateLesson(ctx, "intro", []byte(`{"title":"Intro"}`))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.SaveLesson(ctx, "intro", h1, []byte(`{"title":"writer `+string(rune('A'+i))+`"}`))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.True(t, errors.Is(err, apperr.ErrConflict))
		}
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, a.messages(), 1)
}
