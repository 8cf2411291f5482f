package license

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"localrag/internal/ledger"
	"localrag/internal/shared/testutil"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock     *testutil.FakeClock
	gen       *Generator
	ledger    *ledger.Ledger
	ledgerDir string
	validator *Validator
}

func newFixture(t *testing.T, opts ...ValidatorOption) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(testNow)
	key := testutil.RSAKey(t)
	dir := t.TempDir()

	l, err := ledger.Open(context.Background(), filepath.Join(dir, "usage.db"),
		ledger.WithClock(clock.Now), ledger.WithLocation(time.UTC))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	opts = append([]ValidatorOption{WithClock(clock.Now)}, opts...)
	return &fixture{
		clock:     clock,
		gen:       NewGenerator(key, WithGeneratorClock(clock.Now)),
		ledger:    l,
		ledgerDir: dir,
		validator: NewValidator(&key.PublicKey, l, opts...),
	}
}

func (f *fixture) issue(t *testing.T, req IssueRequest) string {
	t.Helper()
	token, err := f.gen.IssueLicense(context.Background(), req)
	require.NoError(t, err)
	return token
}

func limitReq(plan string, maxQueries int64, days int) IssueRequest {
	return IssueRequest{
		Plan:             plan,
		UserID:           ptr("user-1"),
		MaxQueriesPerDay: &maxQueries,
		ValidityDays:     &days,
	}
}
