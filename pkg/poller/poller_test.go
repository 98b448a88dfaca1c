package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type scriptedFetcher struct {
	mu        sync.Mutex
	snapshots []Snapshot
	errs      []error
	calls     int
}

func (f *scriptedFetcher) Fetch(ctx context.Context, id uint) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := f.calls
	f.calls++
	if index < len(f.errs) && f.errs[index] != nil {
		return Snapshot{}, f.errs[index]
	}
	if index >= len(f.snapshots) {
		return f.snapshots[len(f.snapshots)-1], nil
	}
	return f.snapshots[index], nil
}

func TestWaitStopsAtTerminalSnapshot(t *testing.T) {
	message := "extraction failed: document is empty"
	fetcher := &scriptedFetcher{snapshots: []Snapshot{
		{ID: 1, Status: "pending"},
		{ID: 1, Status: "processing"},
		{ID: 1, Status: "failed", Terminal: true, Error: &message},
	}}

	var seen []string
	p := New(fetcher, WithInterval(5*time.Millisecond), WithOnUpdate(func(s Snapshot) { seen = append(seen, s.Status) }))
	snapshot, err := p.Wait(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "failed", snapshot.Status)
	require.Equal(t, message, *snapshot.Error)
	require.Equal(t, []string{"pending", "processing", "failed"}, seen)
	require.Equal(t, 3, fetcher.calls)
}

func TestWaitReturnsWhenObserverCancels(t *testing.T) {
	fetcher := &scriptedFetcher{snapshots: []Snapshot{{ID: 2, Status: "processing"}}}
	p := New(fetcher, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitToleratesTransientErrors(t *testing.T) {
	transient := errors.New("connection reset")
	fetcher := &scriptedFetcher{
		errs:      []error{transient, transient, nil},
		snapshots: []Snapshot{{}, {}, {ID: 3, Status: "completed", Terminal: true}},
	}
	snapshot, err := New(fetcher, WithInterval(time.Millisecond)).Wait(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, "completed", snapshot.Status)

	failing := &scriptedFetcher{errs: []error{transient, transient, transient}, snapshots: []Snapshot{{}}}
	_, err = New(failing, WithInterval(time.Millisecond), WithMaxErrors(2)).Wait(context.Background(), 3)
	require.ErrorIs(t, err, transient)
	require.Equal(t, 2, failing.calls)
}

func TestHTTPClientDecodesEnvelope(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/v2/scoring/submissions/5/status":
			status := "processing"
			terminal := "false"
			if calls > 1 {
				status, terminal = "completed", "true"
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"success":true,"message":"ok","data":{"id":5,"status":%q,"terminal":%s,"final_score":60}}`, status, terminal)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"success":false,"message":"submission not found"}`)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", "token-1", time.Second, zerolog.Nop())
	snapshot, err := New(client, WithInterval(time.Millisecond)).Wait(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, "completed", snapshot.Status)
	require.Equal(t, 60.0, *snapshot.FinalScore)

	_, err = client.Fetch(context.Background(), 6)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = New(client).Wait(context.Background(), 6)
	require.ErrorIs(t, err, ErrNotFound)
}
