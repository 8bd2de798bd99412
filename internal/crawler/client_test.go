package crawler

import (
	"context"
	"coursewatch/internal/captcha"
	"coursewatch/internal/components/telemetry"
	"coursewatch/internal/crawler/crawlertest"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedSolver struct {
	mutex   sync.Mutex
	results []solveResult
	calls   int
}

type solveResult struct {
	answer string
	err    error
}

// Solve replays results in order, repeating the last one once they run out.
func (s *scriptedSolver) Solve(ctx context.Context, image []byte) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	idx := min(s.calls, len(s.results)-1)
	s.calls++
	return s.results[idx].answer, s.results[idx].err
}

func (s *scriptedSolver) Calls() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.calls
}

func answers(values ...string) *scriptedSolver {
	solver := &scriptedSolver{}
	for _, v := range values {
		solver.results = append(solver.results, solveResult{answer: v})
	}
	return solver
}

func newTestClient(t testing.TB, portal *crawlertest.Portal, solver Solver) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		BaseUrl:        portal.URL(),
		Account:        portal.Account,
		Password:       portal.Password,
		MaxRetries:     2,
		CaptchaRetries: 3,
		RetryDelay:     time.Millisecond,
	}, solver, telemetry.NewTestAPI())
	require.NoError(t, err)
	return client
}

func TestExtractLoginToken(t *testing.T) {
	table := []struct {
		name     string
		body     string
		expected string
		ok       bool
	}{
		{
			name:     "script",
			body:     "<html><script>\nrequest({ url:'LoginCheckCtrl?action=login&id=' + 'tok3n',\n})</script></html>",
			expected: "tok3n",
			ok:       true,
		},
		{
			name:     "outside script",
			body:     "url:'LoginCheckCtrl?id='  +  'abc'",
			expected: "abc",
			ok:       true,
		},
		{
			name: "missing",
			body: "<html><script>var x = 1;</script></html>",
			ok:   false,
		},
	}

	for _, test := range table {
		t.Run(test.name, func(t *testing.T) {
			token, ok := extractLoginToken(test.body)
			require.Equal(t, test.ok, ok)
			require.Equal(t, test.expected, token)
		})
	}
}

func TestClientSession(t *testing.T) {
	portal := crawlertest.NewPortal()
	defer portal.Close()
	portal.SetCount("101", 0)
	portal.SetCount("202", 3)

	client := newTestClient(t, portal, answers("6"))
	ctx := context.Background()

	require.NoError(t, client.Login(ctx))
	require.NoError(t, client.LandingPage(ctx))

	count, err := client.Query(ctx, "101")
	require.NoError(t, err)
	require.Equal(t, 0, count)

	count, err = client.Query(ctx, "202")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	require.Equal(t, 1, portal.Logins())
}

func TestClientLoginRetriesRejectedAnswers(t *testing.T) {
	portal := crawlertest.NewPortal()
	defer portal.Close()

	solver := answers("7", "-1", "6")
	client := newTestClient(t, portal, solver)

	require.NoError(t, client.Login(context.Background()))
	require.Equal(t, 3, solver.Calls())
	require.Equal(t, 1, portal.Logins())
}

func TestClientLoginExhausted(t *testing.T) {
	portal := crawlertest.NewPortal()
	defer portal.Close()

	solver := answers("0")
	client := newTestClient(t, portal, solver)

	err := client.Login(context.Background())
	require.Error(t, err)
	require.Equal(t, KindLoginExhausted, KindOf(err))
	require.Equal(t, 3, solver.Calls())
	require.Equal(t, 0, portal.Logins())
}

func TestClientLoginSolverErrors(t *testing.T) {
	portal := crawlertest.NewPortal()
	defer portal.Close()

	t.Run("retryable", func(t *testing.T) {
		solver := &scriptedSolver{results: []solveResult{
			{err: &captcha.Error{Kind: captcha.KindNoViableAnswer}},
			{err: &captcha.Error{Kind: captcha.KindParse, Substring: "9x9"}},
			{answer: "6"},
		}}
		client := newTestClient(t, portal, solver)
		require.NoError(t, client.Login(context.Background()))
		require.Equal(t, 3, solver.Calls())
	})

	t.Run("fatal", func(t *testing.T) {
		solver := &scriptedSolver{results: []solveResult{
			{err: &captcha.Error{Kind: captcha.KindServiceHTTP, Status: http.StatusServiceUnavailable}},
		}}
		client := newTestClient(t, portal, solver)
		err := client.Login(context.Background())
		require.Error(t, err)
		require.Equal(t, captcha.KindServiceHTTP, captcha.KindOf(err))
		require.Equal(t, 1, solver.Calls())
	})
}

func TestClientRequiresLandingPage(t *testing.T) {
	portal := crawlertest.NewPortal()
	defer portal.Close()

	client := newTestClient(t, portal, answers("6"))
	ctx := context.Background()

	err := client.LandingPage(ctx)
	require.Equal(t, KindSessionCorrupted, KindOf(err))

	require.NoError(t, client.Login(ctx))
	_, err = client.Query(ctx, "101")
	require.Equal(t, KindSessionCorrupted, KindOf(err))
}

func TestClientClearDropsSession(t *testing.T) {
	portal := crawlertest.NewPortal()
	defer portal.Close()

	client := newTestClient(t, portal, answers("6"))
	ctx := context.Background()
	require.NoError(t, client.Login(ctx))
	require.NoError(t, client.LandingPage(ctx))

	client.Clear()

	_, err := client.Query(ctx, "101")
	require.Equal(t, KindSessionCorrupted, KindOf(err))
}

func TestClientQueryWaitsOutEmptyResponses(t *testing.T) {
	portal := crawlertest.NewPortal()
	defer portal.Close()
	portal.SetCount("202", 1)

	client := newTestClient(t, portal, answers("6"))
	// empty responses must not consume the retry budget
	client.opts.MaxRetries = 0
	ctx := context.Background()
	require.NoError(t, client.Login(ctx))
	require.NoError(t, client.LandingPage(ctx))

	portal.EmptyNextQueries(5)
	count, err := client.Query(ctx, "202")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, 6, portal.Queries())
}

func TestClientQueryTransportRetries(t *testing.T) {
	portal := crawlertest.NewPortal()
	defer portal.Close()
	portal.SetCount("202", 2)

	client := newTestClient(t, portal, answers("6"))
	ctx := context.Background()
	require.NoError(t, client.Login(ctx))
	require.NoError(t, client.LandingPage(ctx))

	portal.FailNextQueries(2)
	count, err := client.Query(ctx, "202")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, 3, portal.Queries())

	portal.FailNextQueries(10)
	_, err = client.Query(ctx, "202")
	require.Equal(t, KindQueryExhausted, KindOf(err))

	var crawlerErr *Error
	require.True(t, errors.As(err, &crawlerErr))
	var cause *Error
	require.True(t, errors.As(crawlerErr.Err, &cause))
	require.Equal(t, http.StatusInternalServerError, cause.Status)
	// one attempt plus MaxRetries retries
	require.Equal(t, 6, portal.Queries())
}

func TestClientQueryExtractionFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>系統維護中</html>"))
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{
		BaseUrl:        server.URL,
		CaptchaRetries: 1,
	}, answers("6"), telemetry.NewTestAPI())
	require.NoError(t, err)

	_, err = client.Query(context.Background(), "101")
	require.Equal(t, KindExtractionFailed, KindOf(err))
}

func TestClientQueryCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client, err := NewClient(ClientOptions{
		BaseUrl:        server.URL,
		CaptchaRetries: 1,
		RetryDelay:     10 * time.Millisecond,
	}, answers("6"), telemetry.NewTestAPI())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = client.Query(ctx, "101")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestErrorMessage(t *testing.T) {
	err := &Error{
		Kind:   KindTransport,
		Step:   "query",
		Status: 502,
		Err:    errors.New("unexpected status 502 Bad Gateway"),
	}
	require.Equal(t, "crawler: query: transport (status 502): unexpected status 502 Bad Gateway", err.Error())
	require.Equal(t, KindNone, KindOf(errors.New("other")))
	require.Equal(t, KindTransport, KindOf(errors.Join(errors.New("wrapped"), err)))
}
