package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tunely.db")
	st, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateDomainAndLookupByTokenHash(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tunnelID, err := st.CreateDomain(ctx, "demo", "Demo", "hash-1", "http")
	require.NoError(t, err)
	require.NotEmpty(t, tunnelID)

	domain, lookupTunnelID, enabled, ok, err := st.LookupByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, enabled)
	require.Equal(t, "demo", domain)
	require.Equal(t, tunnelID, lookupTunnelID)

	_, _, _, ok, err = st.LookupByTokenHash(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateDomainMintsDistinctTunnelIDs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first, err := st.CreateDomain(ctx, "demo", "Demo", "hash-1", "http")
	require.NoError(t, err)
	second, err := st.CreateDomain(ctx, "other", "Other", "hash-2", "http")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestCreateDomainRejectsDuplicateDomain(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.CreateDomain(ctx, "demo", "Demo", "hash-1", "http")
	require.NoError(t, err)
	_, err = st.CreateDomain(ctx, "demo", "Demo again", "hash-2", "http")
	require.Error(t, err)
}

func TestSetEnabledAndRegenerateToken(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	_, err := st.CreateDomain(ctx, "demo", "Demo", "hash-1", "http")
	require.NoError(t, err)

	require.NoError(t, st.SetEnabled(ctx, "demo", false))
	_, _, enabled, ok, err := st.LookupByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, enabled)

	require.NoError(t, st.RegenerateToken(ctx, "demo", "hash-2"))
	_, _, _, ok, err = st.LookupByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	require.False(t, ok)

	domain, _, _, ok, err := st.LookupByTokenHash(ctx, "hash-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "demo", domain)
}

func TestSetEnabledUnknownDomainReturnsNotFound(t *testing.T) {
	st := openTestStore(t)
	err := st.SetEnabled(context.Background(), "missing", true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDomainExists(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	exists, err := st.DomainExists(ctx, "demo")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = st.CreateDomain(ctx, "demo", "Demo", "hash-1", "http")
	require.NoError(t, err)

	exists, err = st.DomainExists(ctx, "demo")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestListRequestsPaginatesMostRecentFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	_, err := st.CreateDomain(ctx, "demo", "Demo", "hash-1", "http")
	require.NoError(t, err)

	for i, status := range []int{200, 404, 500} {
		require.NoError(t, st.RecordRequest(ctx, RequestLogRecord{
			Domain: "demo",
			Method: "GET",
			Path:   "/ping",
			Status: status,
			At:     time.Now().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	recs, err := st.ListRequests(ctx, "demo", 2, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, 500, recs[0].Status)
}

func TestRecordRequestAndList(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	_, err := st.CreateDomain(ctx, "demo", "Demo", "hash-1", "http")
	require.NoError(t, err)

	require.NoError(t, st.RecordRequest(ctx, RequestLogRecord{
		Domain: "demo",
		Method: "GET",
		Path:   "/ping",
		Status: 200,
	}))

	recs, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "demo", recs[0].Domain)
	require.NotEmpty(t, recs[0].TunnelID)
}
