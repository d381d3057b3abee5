package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/ghsync/internal/blobcache"
	"github.com/steveyegge/ghsync/internal/fetch"
	"github.com/steveyegge/ghsync/internal/schema"
	"github.com/steveyegge/ghsync/internal/store"
)

const testPageSize = 10

var quiet = log.New(io.Discard, "", 0)

// fakeUpstream serves a users list of ids 1..total and details for any login.
type fakeUpstream struct {
	total   int64
	calls   atomic.Int32
	offline atomic.Bool
}

func (u *fakeUpstream) Send(ctx context.Context, req fetch.Request) ([]byte, error) {
	u.calls.Add(1)
	if u.offline.Load() {
		return nil, &fetch.Error{Kind: fetch.KindConnectivity, Err: errors.New("no route")}
	}

	switch {
	case req.Path == "users":
		since, _ := strconv.ParseInt(req.Query.Get("since"), 10, 64)
		perPage, _ := strconv.Atoi(req.Query.Get("per_page"))
		var out []schema.ListElement
		for id := since + 1; id <= u.total && len(out) < perPage; id++ {
			out = append(out, schema.ListElement{ID: id, Login: fmt.Sprintf("user%d", id), AvatarURL: fmt.Sprintf("https://a/%d", id), Kind: schema.KindIndividual})
		}
		return json.Marshal(out)

	case strings.HasPrefix(req.Path, "users/"):
		login := strings.TrimPrefix(req.Path, "users/")
		id, err := strconv.ParseInt(strings.TrimPrefix(login, "user"), 10, 64)
		if err != nil || id > u.total {
			return nil, &fetch.Error{Kind: fetch.KindRemoteStatus, StatusCode: 404}
		}
		name := "User " + strconv.FormatInt(id, 10)
		repos := int(id)
		return json.Marshal(schema.Detail{ID: id, Login: login, Kind: schema.KindIndividual, Name: &name, PublicRepos: &repos})
	}
	return nil, &fetch.Error{Kind: fetch.KindRemoteStatus, StatusCode: 404}
}

type testEnv struct {
	deps     Deps
	upstream *fakeUpstream
	exec     *fetch.Executor
}

func newTestEnv(t *testing.T, upstream fetch.RemoteFetcher) testEnv {
	t.Helper()

	exec, err := fetch.New(upstream, &fetch.Config{
		MaxRetryCount: 1,
		Backoff:       fetch.Backoff{Base: time.Millisecond},
		Logger:        quiet,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })

	scfg := store.DefaultConfig(filepath.Join(t.TempDir(), "cache.db"))
	scfg.FetchLimit = testPageSize
	scfg.Logger = quiet
	st, err := store.Open(scfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bcfg := blobcache.DefaultConfig(filepath.Join(t.TempDir(), "blobs"))
	bcfg.Logger = quiet
	blobs, err := blobcache.Open(bcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	env := testEnv{deps: Deps{Executor: exec, Store: st, Blobs: blobs}, exec: exec}
	if u, ok := upstream.(*fakeUpstream); ok {
		env.upstream = u
	}
	return env
}

func testConfig() *Config {
	return &Config{PageSize: testPageSize, Logger: quiet}
}

// collect runs a fetch and returns what each callback received.
type listResult struct {
	cached []ListOutcome
	final  []ListOutcome
}

func fetchList(t *testing.T, l *UsersList, since int64) listResult {
	t.Helper()
	var res listResult
	var mu sync.Mutex
	task := l.Fetch(context.Background(), since,
		func(o ListOutcome) { mu.Lock(); res.cached = append(res.cached, o); mu.Unlock() },
		func(o ListOutcome) { mu.Lock(); res.final = append(res.final, o); mu.Unlock() },
	)
	require.NoError(t, task.Wait(context.Background()))
	require.Len(t, res.cached, 1)
	require.Len(t, res.final, 1)
	return res
}

func recordIDs(records []schema.Record) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func idRange(from, to int64) []int64 {
	var out []int64
	for id := from; id <= to; id++ {
		out = append(out, id)
	}
	return out
}

func TestUsersList_CachedThenFinal(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{total: 25})
	l, err := NewUsersList(env.deps, testConfig())
	require.NoError(t, err)

	first := fetchList(t, l, 0)
	assert.True(t, IsNoCachedData(first.cached[0].Err))
	require.NoError(t, first.final[0].Err)
	assert.Equal(t, idRange(1, 10), recordIDs(first.final[0].Users))

	second := fetchList(t, l, 0)
	require.NoError(t, second.cached[0].Err)
	assert.Equal(t, idRange(1, 10), recordIDs(second.cached[0].Page))
	require.NoError(t, second.final[0].Err)
}

func TestUsersList_Pagination(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{total: 25})
	l, err := NewUsersList(env.deps, testConfig())
	require.NoError(t, err)

	fetchList(t, l, 0)
	assert.Equal(t, int64(10), l.NextCursor())

	res := fetchList(t, l, 10)
	assert.Equal(t, idRange(11, 20), recordIDs(res.final[0].Page))

	res = fetchList(t, l, 0)
	view := recordIDs(res.final[0].Users)
	assert.Equal(t, idRange(1, 20), view, "view must stay sorted without duplicates")
	assert.Equal(t, 2, l.pages.Pages())

	var done sync.WaitGroup
	done.Add(1)
	l.LoadNext(context.Background(), nil, func(o ListOutcome) {
		defer done.Done()
		assert.Equal(t, int64(20), o.Since)
		assert.Equal(t, idRange(21, 25), recordIDs(o.Page))
	})
	done.Wait()
	assert.Equal(t, idRange(1, 25), recordIDs(l.View()))

	l.Reset()
	assert.Empty(t, l.View())
	assert.Zero(t, l.NextCursor())
}

func TestUsersList_OfflineWithCachedPage(t *testing.T) {
	up := &fakeUpstream{total: 25}
	env := newTestEnv(t, up)
	l, err := NewUsersList(env.deps, testConfig())
	require.NoError(t, err)

	fetchList(t, l, 0)
	up.offline.Store(true)

	res := fetchList(t, l, 0)
	final := res.final[0]
	require.Error(t, final.Err)
	assert.ErrorIs(t, final.Err, fetch.ErrRetriesExhausted)
	assert.True(t, fetch.IsConnectivity(final.Err))
	assert.True(t, final.Cached)
	assert.Equal(t, idRange(1, 10), recordIDs(final.Users))

	res = fetchList(t, l, 10)
	assert.False(t, res.final[0].Cached, "no page for cursor 10 was ever cached")
}

func TestUsersList_Cancel(t *testing.T) {
	started := make(chan struct{}, 1)
	blocking := fetch.FetcherFunc(func(ctx context.Context, req fetch.Request) ([]byte, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env := newTestEnv(t, blocking)
	l, err := NewUsersList(env.deps, testConfig())
	require.NoError(t, err)

	var finals atomic.Int32
	var finalErr error
	cachedSeen := make(chan struct{})
	task := l.Fetch(context.Background(), 0,
		func(ListOutcome) { close(cachedSeen) },
		func(o ListOutcome) { finals.Add(1); finalErr = o.Err },
	)

	<-started
	<-cachedSeen
	task.Cancel()
	require.NoError(t, task.Wait(context.Background()))

	assert.Equal(t, int32(1), finals.Load())
	assert.True(t, fetch.IsCancelled(finalErr), "got %v", finalErr)
}

func TestUserDetails_FetchMarksViewed(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{total: 25})
	l, err := NewUsersList(env.deps, testConfig())
	require.NoError(t, err)
	d, err := NewUserDetails(env.deps, testConfig())
	require.NoError(t, err)

	fetchList(t, l, 0)

	var cached, final DetailOutcome
	task := d.Fetch(context.Background(), "user3",
		func(o DetailOutcome) { cached = o },
		func(o DetailOutcome) { final = o },
	)
	require.NoError(t, task.Wait(context.Background()))

	require.NoError(t, cached.Err)
	assert.False(t, cached.User.Viewed)

	require.NoError(t, final.Err)
	assert.True(t, final.User.Viewed)
	assert.Equal(t, "User 3", final.User.Name)
	assert.Equal(t, 3, final.User.PublicRepos)

	// A later list refresh must not undo the detail.
	fetchList(t, l, 0)
	rec, err := env.deps.Store.ReadOne(context.Background(), "user3")
	require.NoError(t, err)
	assert.True(t, rec.Viewed)
	assert.Equal(t, "User 3", rec.Name)
}

func TestUserDetails_NotCachedNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{total: 5})
	d, err := NewUserDetails(env.deps, testConfig())
	require.NoError(t, err)

	var cached, final DetailOutcome
	task := d.Fetch(context.Background(), "user99",
		func(o DetailOutcome) { cached = o },
		func(o DetailOutcome) { final = o },
	)
	require.NoError(t, task.Wait(context.Background()))

	assert.ErrorIs(t, cached.Err, store.ErrNoCachedData)
	assert.Equal(t, 404, fetch.StatusCode(final.Err))
	assert.ErrorIs(t, final.Err, fetch.ErrRetriesExhausted)
}

func TestUserDetails_SaveNote(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{total: 5})
	l, err := NewUsersList(env.deps, testConfig())
	require.NoError(t, err)
	d, err := NewUserDetails(env.deps, testConfig())
	require.NoError(t, err)

	fetchList(t, l, 0)
	ctx := context.Background()

	assert.ErrorIs(t, d.SaveNote(ctx, "user1", " \n"), store.ErrInvalidNote)
	require.NoError(t, d.SaveNote(ctx, "user1", "hello"))

	rec, err := env.deps.Store.ReadOne(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Note)
	assert.True(t, rec.Viewed)
}

func TestLocalSearch(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{total: 25})
	l, err := NewUsersList(env.deps, testConfig())
	require.NoError(t, err)
	s, err := NewLocalSearch(env.deps, testConfig())
	require.NoError(t, err)

	fetchList(t, l, 0)

	var got SearchOutcome
	task := s.Fetch(context.Background(), "USER1", func(o SearchOutcome) { got = o })
	require.NoError(t, task.Wait(context.Background()))

	require.NoError(t, got.Err)
	assert.Equal(t, []int64{1, 10}, recordIDs(got.Users))

	none, err := s.Search(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAvatars_FetchOnMissThenCache(t *testing.T) {
	var calls atomic.Int32
	img := []byte{0x89, 'P', 'N', 'G'}
	up := fetch.FetcherFunc(func(ctx context.Context, req fetch.Request) ([]byte, error) {
		calls.Add(1)
		assert.True(t, req.FullURL)
		return img, nil
	})
	env := newTestEnv(t, up)
	a, err := NewAvatars(env.deps, testConfig())
	require.NoError(t, err)

	var cached, final BlobOutcome
	task := a.Fetch(context.Background(), "https://a/1", func(o BlobOutcome) { cached = o }, func(o BlobOutcome) { final = o })
	require.NoError(t, task.Wait(context.Background()))

	assert.ErrorIs(t, cached.Err, blobcache.ErrNoBlob)
	require.NoError(t, final.Err)
	assert.Equal(t, img, final.Data)
	assert.False(t, final.FromCache)

	task = a.Fetch(context.Background(), "https://a/1", nil, func(o BlobOutcome) { final = o })
	require.NoError(t, task.Wait(context.Background()))
	assert.True(t, final.FromCache)
	assert.Equal(t, img, final.Data)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAvatars_ConcurrentMissesShareFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	up := fetch.FetcherFunc(func(ctx context.Context, req fetch.Request) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("img"), nil
	})
	env := newTestEnv(t, up)
	a, err := NewAvatars(env.deps, testConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := a.Get(context.Background(), "https://a/shared")
			assert.NoError(t, err)
			assert.Equal(t, "img", string(data))
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestAvatars_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	up := fetch.FetcherFunc(func(ctx context.Context, req fetch.Request) ([]byte, error) {
		calls.Add(1)
		return nil, &fetch.Error{Kind: fetch.KindRemoteStatus, StatusCode: 500}
	})
	env := newTestEnv(t, up)
	a, err := NewAvatars(env.deps, testConfig())
	require.NoError(t, err)

	_, err = a.Get(context.Background(), "https://a/broken")
	assert.Equal(t, 500, fetch.StatusCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewRepositories_Validation(t *testing.T) {
	_, err := NewUsersList(Deps{}, nil)
	assert.Error(t, err)
	_, err = NewUserDetails(Deps{}, nil)
	assert.Error(t, err)
	_, err = NewLocalSearch(Deps{}, nil)
	assert.Error(t, err)
	_, err = NewAvatars(Deps{}, nil)
	assert.Error(t, err)
}
