package scheduler

import (
	"context"
	"coursewatch/internal/components/chrono"
	"coursewatch/internal/components/telemetry"
	"coursewatch/internal/crawler"
	"coursewatch/internal/crawler/crawlertest"
	"coursewatch/internal/watchlist"
	"coursewatch/pkg/migrations"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type message struct {
	userId string
	text   string
}

type recordingNotifier struct {
	mutex    sync.Mutex
	messages []message
}

func (n *recordingNotifier) SendDirectMessage(ctx context.Context, userId, text string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.messages = append(n.messages, message{userId: userId, text: text})
	return nil
}

func (n *recordingNotifier) Messages() []message {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return append([]message(nil), n.messages...)
}

type fixedSolver struct{}

func (fixedSolver) Solve(ctx context.Context, image []byte) (string, error) {
	return "6", nil
}

type stubQuerier struct {
	inits   atomic.Int32
	initErr error
	// query defaults to "no seats" when nil.
	query func(ctx context.Context, courseId string) (bool, error)
}

func (q *stubQuerier) Init(ctx context.Context) error {
	q.inits.Add(1)
	return q.initErr
}

func (q *stubQuerier) Query(ctx context.Context, courseId string) (bool, error) {
	if q.query == nil {
		return false, nil
	}
	return q.query(ctx, courseId)
}

func newTestStore(t testing.TB) *watchlist.Store {
	t.Helper()
	db, err := migrations.OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := watchlist.NewStore(context.Background(), db, telemetry.NewTestAPI())
	require.NoError(t, err)
	return store
}

func newTestScheduler(t testing.TB, querier Querier, store Store, notifier *recordingNotifier, trigger Trigger, opts Options) *Scheduler {
	t.Helper()
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	s, err := NewScheduler(querier, store, notifier, trigger, opts, chrono.NewStandardImpl(), telemetry.NewTestAPI())
	require.NoError(t, err)
	return s
}

func TestPassEndToEnd(t *testing.T) {
	portal := crawlertest.NewPortal()
	defer portal.Close()
	portal.SetCount("101", 0)
	portal.SetCount("202", 3)

	client, err := crawler.NewClient(crawler.ClientOptions{
		BaseUrl:        portal.URL(),
		Account:        portal.Account,
		Password:       portal.Password,
		MaxRetries:     2,
		CaptchaRetries: 3,
		RetryDelay:     time.Millisecond,
	}, fixedSolver{}, telemetry.NewTestAPI())
	require.NoError(t, err)
	manager := crawler.NewManager(client, 2, telemetry.NewTestAPI())

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "U", []string{"101", "202"}))

	notifier := &recordingNotifier{}
	s := newTestScheduler(t, manager, store, notifier, NewTrigger(), Options{})

	// the session was never initialized, the first query recovers it
	require.NoError(t, s.Pass(ctx))

	courses, err := store.Get(ctx, "U")
	require.NoError(t, err)
	require.Equal(t, []string{"101"}, courses)

	messages := notifier.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "U", messages[0].userId)
	require.Contains(t, messages[0].text, "202")
	require.NotContains(t, messages[0].text, "101")
	require.Equal(t, 1, portal.Logins())

	status := s.Status()
	require.Equal(t, 1, status.Passes)
	require.False(t, status.Running)
	require.False(t, status.LastPassEnd.Before(status.LastPassStart))
}

func TestPassSkipsFailingCourses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "alice", []string{"1", "2", "3"}))
	require.NoError(t, store.Set(ctx, "bob", []string{"2"}))

	querier := &stubQuerier{query: func(ctx context.Context, courseId string) (bool, error) {
		switch courseId {
		case "1":
			return false, &crawler.Error{Kind: crawler.KindExtractionFailed, Step: "query"}
		case "2":
			return true, nil
		default:
			return false, nil
		}
	}}
	notifier := &recordingNotifier{}
	s := newTestScheduler(t, querier, store, notifier, NewTrigger(), Options{})

	require.NoError(t, s.Pass(ctx))

	courses, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "3"}, courses)

	courses, err = store.Get(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, courses)

	messages := notifier.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, "alice", messages[0].userId)
	require.Equal(t, AvailabilityMessage([]string{"2"}), messages[0].text)
	require.Equal(t, "bob", messages[1].userId)
}

func TestPassRereadsBeforeWriteBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "alice", []string{"1", "2"}))

	querier := &stubQuerier{query: func(ctx context.Context, courseId string) (bool, error) {
		if courseId == "2" {
			// the user edits their list while the pass is running
			_, err := store.Add(ctx, "alice", "9")
			require.NoError(t, err)
			return true, nil
		}
		return false, nil
	}}
	s := newTestScheduler(t, querier, store, &recordingNotifier{}, NewTrigger(), Options{})

	require.NoError(t, s.Pass(ctx))

	courses, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "9"}, courses)
}

func TestPassWithoutSeatsSendsNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "alice", []string{"1", "2"}))

	notifier := &recordingNotifier{}
	s := newTestScheduler(t, &stubQuerier{}, store, notifier, NewTrigger(), Options{})

	require.NoError(t, s.Pass(ctx))
	require.Empty(t, notifier.Messages())

	courses, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, courses)
}

func TestPassCancelled(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set(context.Background(), "alice", []string{"1", "2"}))
	require.NoError(t, store.Set(context.Background(), "bob", []string{"3"}))

	ctx, cancel := context.WithCancel(context.Background())
	var queried []string
	querier := &stubQuerier{query: func(ctx context.Context, courseId string) (bool, error) {
		queried = append(queried, courseId)
		cancel()
		return true, ctx.Err()
	}}
	notifier := &recordingNotifier{}
	s := newTestScheduler(t, querier, store, notifier, NewTrigger(), Options{})

	err := s.Pass(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"1"}, queried)
	require.Empty(t, notifier.Messages())

	courses, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, courses)
}

func TestTriggerCoalesces(t *testing.T) {
	trigger := NewTrigger()
	require.True(t, trigger.Signal())
	require.False(t, trigger.Signal())
	require.False(t, trigger.Signal())
	require.Len(t, trigger.C(), 1)

	<-trigger.C()
	require.True(t, trigger.Signal())
}

func TestRun(t *testing.T) {
	table := []struct {
		name        string
		initialPass bool
		signal      bool
		initErr     error
	}{
		{name: "manual trigger", signal: true},
		{name: "initial pass", initialPass: true},
		{name: "init failure does not stop polling", signal: true, initErr: errors.New("portal down")},
	}

	for _, test := range table {
		t.Run(test.name, func(t *testing.T) {
			store := newTestStore(t)
			require.NoError(t, store.Set(context.Background(), "alice", []string{"1"}))

			querier := &stubQuerier{initErr: test.initErr}
			trigger := NewTrigger()
			s := newTestScheduler(t, querier, store, &recordingNotifier{}, trigger, Options{
				InitialPass: test.initialPass,
			})

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				done <- s.Run(ctx)
			}()

			if test.signal {
				trigger.Signal()
			}
			require.Eventually(t, func() bool {
				return s.Status().Passes == 1
			}, 5*time.Second, 5*time.Millisecond)

			cancel()
			select {
			case err := <-done:
				require.ErrorIs(t, err, context.Canceled)
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after cancellation")
			}
			require.Equal(t, int32(1), querier.inits.Load())
			require.Equal(t, 1, s.Status().Passes)
		})
	}
}

func TestRunInterval(t *testing.T) {
	store := newTestStore(t)
	var queries atomic.Int32
	querier := &stubQuerier{query: func(ctx context.Context, courseId string) (bool, error) {
		queries.Add(1)
		return false, nil
	}}
	require.NoError(t, store.Set(context.Background(), "alice", []string{"1"}))

	s := newTestScheduler(t, querier, store, &recordingNotifier{}, NewTrigger(), Options{
		Interval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return queries.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)
}
