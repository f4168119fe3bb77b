package scan_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/jrsteele09/campus-attendance/ledger"
	"github.com/jrsteele09/campus-attendance/scan"
	"github.com/jrsteele09/campus-attendance/sessions"
	"github.com/jrsteele09/campus-attendance/token"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	ttl        = 30 * time.Second
)

var t0 = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	now       time.Time
	codec     *token.Codec
	registry  *sessions.Registry
	ledger    *ledger.Ledger
	validator *scan.Validator
}

func setup(t *testing.T, ledgerRepo ledger.Repo) *fixture {
	t.Helper()
	return setupWith(t, sessions.NewInMemoryRepo(), ledgerRepo)
}

func setupWith(t *testing.T, sessionRepo sessions.Repo, ledgerRepo ledger.Repo) *fixture {
	t.Helper()
	f := &fixture{now: t0}

	codec, err := token.NewCodec([]byte(testSecret))
	require.NoError(t, err)
	f.codec = codec

	f.registry, err = sessions.NewRegistry(sessionRepo, sessions.WithNowFunc(func() time.Time { return f.now }))
	require.NoError(t, err)

	if ledgerRepo == nil {
		ledgerRepo = ledger.NewInMemoryRepo()
	}
	f.ledger, err = ledger.New(ledgerRepo)
	require.NoError(t, err)

	f.validator, err = scan.NewValidator(f.codec, f.registry, f.ledger, scan.WithTimeout(time.Second))
	require.NoError(t, err)
	return f
}

func (f *fixture) openSession(t *testing.T, id string) uint64 {
	t.Helper()
	ctx := context.Background()
	_, err := f.registry.Schedule(ctx, sessions.Session{
		ID:           id,
		ClassID:      "CSC-301",
		InstructorID: "instructor-1",
		OpensAt:      t0,
		ClosesAt:     t0.Add(time.Hour),
	})
	require.NoError(t, err)
	epoch, err := f.registry.Open(ctx, id)
	require.NoError(t, err)
	return epoch
}

func (f *fixture) issue(t *testing.T, sessionID string, epoch uint64, at time.Time) string {
	t.Helper()
	tok, err := f.codec.Issue(sessionID, epoch, at, ttl)
	require.NoError(t, err)
	return tok.Value
}

func (f *fixture) submit(t *testing.T, raw, student string, at time.Time) *scan.Result {
	t.Helper()
	f.now = at
	res, err := f.validator.SubmitScan(context.Background(), raw, student, at)
	require.NoError(t, err)
	return res
}

func requireRejected(t *testing.T, res *scan.Result, reason scan.Reason) {
	t.Helper()
	require.False(t, res.Accepted)
	require.Equal(t, reason, res.Reason)
}

func TestSubmitScan_RefreshScenario(t *testing.T) {
	f := setup(t, nil)
	epoch := f.openSession(t, "S")
	require.Equal(t, uint64(1), epoch)

	tokenA := f.issue(t, "S", 1, t0)

	res := f.submit(t, tokenA, "student-a", t0.Add(5*time.Second))
	require.True(t, res.Accepted)
	require.Equal(t, "S", res.SessionID)
	require.NotNil(t, res.RecordedAt)
	require.True(t, t0.Add(5*time.Second).Equal(*res.RecordedAt))
	require.Equal(t, ledger.StatusPresent, res.Status)

	res = f.submit(t, tokenA, "student-a", t0.Add(6*time.Second))
	requireRejected(t, res, scan.ReasonAlreadyRecorded)

	// Last epoch-1 token shown before the refresh; still within its own TTL at t=31s.
	tokenB1 := f.issue(t, "S", 1, t0.Add(25*time.Second))

	f.now = t0.Add(30 * time.Second)
	epoch, err := f.registry.RefreshToken(context.Background(), "S")
	require.NoError(t, err)
	require.Equal(t, uint64(2), epoch)

	res = f.submit(t, tokenB1, "student-b", t0.Add(31*time.Second))
	requireRejected(t, res, scan.ReasonStaleToken)

	tokenB2 := f.issue(t, "S", 2, t0.Add(30*time.Second))
	res = f.submit(t, tokenB2, "student-b", t0.Add(32*time.Second))
	require.True(t, res.Accepted)

	records, err := f.ledger.ListForSession(context.Background(), "S")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "student-a", records[0].StudentID)
	require.Equal(t, "student-b", records[1].StudentID)
}

func TestSubmitScan_ExpiryBoundary(t *testing.T) {
	f := setup(t, nil)
	f.openSession(t, "S")
	raw := f.issue(t, "S", 1, t0)

	res := f.submit(t, raw, "on-time", t0.Add(ttl-time.Millisecond))
	require.True(t, res.Accepted)

	res = f.submit(t, raw, "too-late", t0.Add(ttl))
	requireRejected(t, res, scan.ReasonInvalidToken)
}

func TestSubmitScan_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("garbage token", func(t *testing.T) {
		f := setup(t, nil)
		f.openSession(t, "S")
		res := f.submit(t, "not-a-token", "student-a", t0)
		requireRejected(t, res, scan.ReasonInvalidToken)
		require.Empty(t, res.SessionID)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := setup(t, nil)
		raw := f.issue(t, "ghost", 1, t0)
		res := f.submit(t, raw, "student-a", t0.Add(time.Second))
		requireRejected(t, res, scan.ReasonUnknownSession)
		require.Nil(t, res.RecordedAt)

		body, err := json.Marshal(res)
		require.NoError(t, err)
		require.NotContains(t, string(body), "recorded_at")
	})

	t.Run("session never opened", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.registry.Schedule(ctx, sessions.Session{
			ID:           "S",
			ClassID:      "CSC-301",
			InstructorID: "instructor-1",
			OpensAt:      t0,
			ClosesAt:     t0.Add(time.Hour),
		})
		require.NoError(t, err)

		res := f.submit(t, f.issue(t, "S", 0, t0), "student-a", t0.Add(time.Second))
		requireRejected(t, res, scan.ReasonSessionNotActive)
	})

	t.Run("closed session", func(t *testing.T) {
		f := setup(t, nil)
		f.openSession(t, "S")
		require.NoError(t, f.registry.Close(ctx, "S"))

		res := f.submit(t, f.issue(t, "S", 1, t0), "student-a", t0.Add(time.Second))
		requireRejected(t, res, scan.ReasonSessionNotActive)
	})

	t.Run("closes_at is a hard cutoff", func(t *testing.T) {
		f := setup(t, nil)
		f.openSession(t, "S")

		closesAt := t0.Add(time.Hour)
		raw := f.issue(t, "S", 1, closesAt.Add(-10*time.Second))
		res := f.submit(t, raw, "student-a", closesAt)
		requireRejected(t, res, scan.ReasonSessionNotActive)
	})

	t.Run("future epoch", func(t *testing.T) {
		f := setup(t, nil)
		f.openSession(t, "S")
		res := f.submit(t, f.issue(t, "S", 7, t0), "student-a", t0.Add(time.Second))
		requireRejected(t, res, scan.ReasonStaleToken)
	})

	t.Run("token of another session", func(t *testing.T) {
		f := setup(t, nil)
		f.openSession(t, "S")
		f.openSession(t, "T")

		raw := f.issue(t, "T", 1, t0)
		res := f.submit(t, raw, "student-a", t0.Add(time.Second))
		require.True(t, res.Accepted)
		require.Equal(t, "T", res.SessionID)

		has, err := f.ledger.HasRecord(ctx, "S", "student-a")
		require.NoError(t, err)
		require.False(t, has)
	})

	t.Run("missing student", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.validator.SubmitScan(ctx, "x", " ", t0)
		require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	})
}

func TestSubmitScan_StatusClassification(t *testing.T) {
	f := setup(t, nil)
	f.openSession(t, "S")

	late := t0.Add(20 * time.Minute)
	res := f.submit(t, f.issue(t, "S", 1, late), "student-late", late.Add(time.Second))
	require.True(t, res.Accepted)
	require.Equal(t, ledger.StatusLate, res.Status)
}

func TestSubmitScan_Concurrent(t *testing.T) {
	f := setup(t, nil)
	f.openSession(t, "S")
	raw := f.issue(t, "S", 1, t0)
	at := t0.Add(time.Second)

	const workers = 50
	results := make(chan *scan.Result, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.validator.SubmitScan(context.Background(), raw, "student-a", at)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	require.Empty(t, errs)
	accepted, duplicates := 0, 0
	for res := range results {
		if res.Accepted {
			accepted++
			continue
		}
		require.Equal(t, scan.ReasonAlreadyRecorded, res.Reason)
		duplicates++
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, workers-1, duplicates)

	records, err := f.ledger.ListForSession(context.Background(), "S")
	require.NoError(t, err)
	require.Len(t, records, 1)
}

type failingLedgerRepo struct {
	ledger.Repo
}

func (failingLedgerRepo) Insert(context.Context, *ledger.Record) error {
	return errors.New("connection reset by peer")
}

func TestSubmitScan_StorageUnavailable(t *testing.T) {
	f := setup(t, failingLedgerRepo{Repo: ledger.NewInMemoryRepo()})
	f.openSession(t, "S")

	res, err := f.validator.SubmitScan(context.Background(), f.issue(t, "S", 1, t0), "student-a", t0.Add(time.Second))
	require.Nil(t, res)
	require.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
	require.True(t, apperrors.Retryable(err))
}

// gatedLedgerRepo holds the first Insert until release is closed.
type gatedLedgerRepo struct {
	ledger.Repo
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedLedgerRepo) Insert(ctx context.Context, record *ledger.Record) error {
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return r.Repo.Insert(ctx, record)
}

func TestSubmitScan_RefreshWaitsForInflightInsert(t *testing.T) {
	ctx := context.Background()
	repo := &gatedLedgerRepo{
		Repo:    ledger.NewInMemoryRepo(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := setup(t, repo)
	f.openSession(t, "S")
	raw := f.issue(t, "S", 1, t0)
	f.now = t0.Add(time.Second)
	now := f.now

	type scanOutcome struct {
		res *scan.Result
		err error
	}
	scanned := make(chan scanOutcome, 1)
	go func() {
		res, err := f.validator.SubmitScan(ctx, raw, "student-a", now)
		scanned <- scanOutcome{res, err}
	}()
	<-repo.entered

	type refreshOutcome struct {
		epoch uint64
		err   error
	}
	refreshed := make(chan refreshOutcome, 1)
	go func() {
		epoch, err := f.registry.RefreshToken(ctx, "S")
		refreshed <- refreshOutcome{epoch, err}
	}()

	select {
	case <-refreshed:
		t.Fatal("refresh completed while an insert for the current epoch was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(repo.release)
	got := <-scanned
	require.NoError(t, got.err)
	require.True(t, got.res.Accepted)

	r := <-refreshed
	require.NoError(t, r.err)
	require.Equal(t, uint64(2), r.epoch)

	// The epoch-1 token is unexpired but no longer accepted.
	res, err := f.validator.SubmitScan(ctx, raw, "student-b", now)
	require.NoError(t, err)
	requireRejected(t, res, scan.ReasonStaleToken)
}

// refreshBeforeGuardRepo advances the epoch once, after the validator has
// read the session and before the guarded insert.
type refreshBeforeGuardRepo struct {
	*sessions.InMemoryRepo
	once  sync.Once
	epoch uint64
	err   error
}

func (r *refreshBeforeGuardRepo) Guard(ctx context.Context, sessionID string, check func(*sessions.Session) error, fn func(ctx context.Context) error) error {
	r.once.Do(func() {
		r.epoch, r.err = r.IncrementEpoch(ctx, sessionID)
	})
	return r.InMemoryRepo.Guard(ctx, sessionID, check, fn)
}

func TestSubmitScan_RefreshBetweenLookupAndInsert(t *testing.T) {
	ctx := context.Background()
	repo := &refreshBeforeGuardRepo{InMemoryRepo: sessions.NewInMemoryRepo()}
	f := setupWith(t, repo, nil)
	f.openSession(t, "S")
	raw := f.issue(t, "S", 1, t0)

	res := f.submit(t, raw, "student-a", t0.Add(time.Second))
	require.NoError(t, repo.err)
	require.Equal(t, uint64(2), repo.epoch)
	requireRejected(t, res, scan.ReasonStaleToken)

	has, err := f.ledger.HasRecord(ctx, "S", "student-a")
	require.NoError(t, err)
	require.False(t, has)
}
