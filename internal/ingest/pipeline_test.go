package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkfeed/internal/domain"
	"linkfeed/internal/scraper"
	"linkfeed/internal/storage"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestStore(t *testing.T) *storage.BadgerRepository {
	t.Helper()
	repo, err := storage.NewBadgerRepository(t.TempDir(), testLogger(), storage.WithSyncWrites(false))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, repo.Close()) })
	return repo
}

// fakeFetcher returns a title derived from the URL, or fails for URLs containing "broken".
type fakeFetcher struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (domain.Metadata, error) {
	f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if cur <= prev || f.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.Metadata{}, ctx.Err()
		}
	}
	if strings.Contains(url, "broken") {
		return domain.Metadata{}, fmt.Errorf("%w: boom", scraper.ErrFetchFailed)
	}
	return domain.Metadata{
		Title:       "Title of " + url,
		Description: "About " + url,
		ImageURL:    url + "/cover.png",
	}, nil
}

func TestPipeline_HandleMessage(t *testing.T) {
	store := newTestStore(t)
	fetcher := &fakeFetcher{}
	p := New(store, fetcher, 2, testLogger())
	ctx := context.Background()

	n, err := p.HandleMessage(ctx, 10, "look https://a.example/x and https://b.example/y")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored, err := store.ListLinks(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, l := range stored {
		assert.Equal(t, "Title of "+l.URL, l.Title)
		assert.Equal(t, "About "+l.URL, l.Description)
	}
}

func TestPipeline_NoLinks(t *testing.T) {
	store := newTestStore(t)
	p := New(store, &fakeFetcher{}, 0, testLogger())
	ctx := context.Background()

	n, err := p.HandleMessage(ctx, 10, "just chatting, see example.com")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.GetChat(ctx, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound, "a message without links does not register the chat")
}

func TestPipeline_Idempotence(t *testing.T) {
	store := newTestStore(t)
	fetcher := &fakeFetcher{}
	p := New(store, fetcher, 0, testLogger())
	ctx := context.Background()

	n, err := p.HandleMessage(ctx, 1, "https://example.com/post")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.HandleMessage(ctx, 1, "again: https://Example.com/post/ and https://example.com/post?utm_source=x")
	require.NoError(t, err)
	assert.Zero(t, n, "reposts and equivalent forms are ignored")

	stored, err := store.ListLinks(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.EqualValues(t, 1, fetcher.calls.Load(), "known links are not fetched again")
}

func TestPipeline_SemicolonQueriesAreDistinctLinks(t *testing.T) {
	store := newTestStore(t)
	p := New(store, &fakeFetcher{}, 0, testLogger())
	ctx := context.Background()

	n, err := p.HandleMessage(ctx, 1, "https://legacy.example/view?doc=1;page=2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = p.HandleMessage(ctx, 1, "https://legacy.example/view?doc=9;page=7")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := store.ListLinks(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "https://legacy.example/view?doc=9;page=7", stored[0].URL)
	assert.Equal(t, "https://legacy.example/view?doc=1;page=2", stored[1].URL)
}

// slowFirstFetcher delays each URL by its entry in delays, so fetches can finish out of order.
type slowFirstFetcher struct {
	delays map[string]time.Duration
}

func (f slowFirstFetcher) Fetch(ctx context.Context, url string) (domain.Metadata, error) {
	select {
	case <-time.After(f.delays[url]):
	case <-ctx.Done():
		return domain.Metadata{}, ctx.Err()
	}
	return domain.Metadata{Title: url}, nil
}

func TestPipeline_IDsFollowMessageOrder(t *testing.T) {
	store := newTestStore(t)
	urls := []string{"https://one.example", "https://two.example", "https://three.example"}
	fetcher := slowFirstFetcher{delays: map[string]time.Duration{
		urls[0]: 60 * time.Millisecond,
		urls[1]: 30 * time.Millisecond,
		urls[2]: 0,
	}}
	p := New(store, fetcher, len(urls), testLogger())
	ctx := context.Background()

	n, err := p.HandleMessage(ctx, 4, strings.Join(urls, " "))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	stored, err := store.ListLinks(ctx, 4, 10)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	// Newest first: the last link in the message has the highest id.
	assert.Equal(t, []string{urls[2], urls[1], urls[0]}, []string{stored[0].URL, stored[1].URL, stored[2].URL})
	assert.Less(t, stored[1].ID, stored[0].ID)
	assert.Less(t, stored[2].ID, stored[1].ID)
}

func TestPipeline_NormalizedDuplicatesInOneMessage(t *testing.T) {
	store := newTestStore(t)
	fetcher := &fakeFetcher{}
	p := New(store, fetcher, 0, testLogger())

	n, err := p.HandleMessage(context.Background(), 1, "https://Example.com/path/ https://example.com/path")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestPipeline_Isolation(t *testing.T) {
	store := newTestStore(t)
	p := New(store, &fakeFetcher{}, 0, testLogger())
	ctx := context.Background()

	for _, chatID := range []int64{1, 2} {
		n, err := p.HandleMessage(ctx, chatID, "https://shared.example/page")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	for _, chatID := range []int64{1, 2} {
		stored, err := store.ListLinks(ctx, chatID, 10)
		require.NoError(t, err)
		assert.Len(t, stored, 1)
	}
}

func TestPipeline_FetchFailureStillStores(t *testing.T) {
	store := newTestStore(t)
	p := New(store, &fakeFetcher{}, 0, testLogger())
	ctx := context.Background()

	n, err := p.HandleMessage(ctx, 1, "https://broken.example/page")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := store.ListLinks(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "https://broken.example/page", stored[0].URL)
	assert.True(t, stored[0].Metadata.IsZero())
}

func TestPipeline_ConcurrentSameURL(t *testing.T) {
	store := newTestStore(t)
	p := New(store, &fakeFetcher{delay: 5 * time.Millisecond}, 0, testLogger())
	ctx := context.Background()

	const handlers = 10
	var (
		wg    sync.WaitGroup
		total atomic.Int32
	)
	for i := 0; i < handlers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := p.HandleMessage(ctx, 7, "hot take https://news.example/story")
			assert.NoError(t, err, "losing the race is not an error")
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, total.Load(), "exactly one handler captures the link")
	stored, err := store.ListLinks(ctx, 7, 50)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestPipeline_BoundedFetchConcurrency(t *testing.T) {
	store := newTestStore(t)
	fetcher := &fakeFetcher{delay: 20 * time.Millisecond}
	p := New(store, fetcher, 2, testLogger())

	var text strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&text, "https://site%d.example/ ", i)
	}
	n, err := p.HandleMessage(context.Background(), 3, text.String())
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.LessOrEqual(t, fetcher.maxSeen.Load(), int32(2))
	assert.GreaterOrEqual(t, fetcher.maxSeen.Load(), int32(1))
}

// gateFetcher blocks fetches of one URL until release is closed.
type gateFetcher struct {
	blocked string
	release chan struct{}
}

func (g *gateFetcher) Fetch(ctx context.Context, url string) (domain.Metadata, error) {
	if url == g.blocked {
		select {
		case <-g.release:
		case <-ctx.Done():
		}
	}
	return domain.Metadata{Title: url}, nil
}

func TestPipeline_SlowFetchDoesNotBlockOtherMessages(t *testing.T) {
	store := newTestStore(t)
	gate := &gateFetcher{blocked: "https://slow.example", release: make(chan struct{})}
	p := New(store, gate, 0, testLogger())
	ctx := context.Background()

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, err := p.HandleMessage(ctx, 1, "https://slow.example")
		assert.NoError(t, err)
	}()

	n, err := p.HandleMessage(ctx, 2, "https://fast.example")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case <-slowDone:
		t.Fatal("slow message finished before its fetch was released")
	default:
	}
	close(gate.release)
	<-slowDone
}

func TestPipeline_HandleMessageDetails(t *testing.T) {
	store := newTestStore(t)
	p := New(store, &fakeFetcher{}, 0, testLogger())
	fixed := time.Date(2025, 5, 4, 3, 2, 1, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	ctx := context.Background()

	n, err := p.Handle(ctx, Message{
		ChatID:    -100,
		MessageID: 55,
		Caption:   "photo from https://photos.example/album",
		SharedBy:  "Bob",
		ExtraURLs: []string{"https://hidden.example/link", "https://photos.example/album"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored, err := store.ListLinks(ctx, -100, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, l := range stored {
		assert.Equal(t, "Bob", l.SharedBy)
		assert.Equal(t, 55, l.MessageID)
		assert.True(t, fixed.Equal(l.CapturedAt))
	}
}

func TestMessage_Body(t *testing.T) {
	assert.Equal(t, "text", Message{Text: "text", Caption: "caption"}.Body())
	assert.Equal(t, "caption", Message{Caption: "caption"}.Body())
	assert.Empty(t, Message{}.Body())
}

// failingStore simulates an unavailable storage engine.
type failingStore struct{}

func (failingStore) GetOrCreateChat(context.Context, int64) (domain.Chat, error) {
	return domain.Chat{}, fmt.Errorf("%w: disk gone", storage.ErrUnavailable)
}

func (failingStore) LinkExists(context.Context, int64, string) (bool, error) {
	return false, storage.ErrUnavailable
}

func (failingStore) InsertLink(context.Context, int64, string, domain.Metadata, time.Time, storage.LinkOptions) (domain.Link, error) {
	return domain.Link{}, storage.ErrUnavailable
}

func TestPipeline_StoreUnavailable(t *testing.T) {
	p := New(failingStore{}, &fakeFetcher{}, 0, testLogger())

	n, err := p.HandleMessage(context.Background(), 1, "https://example.com")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Zero(t, n)
}
