package downloader

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pymedusa/medusa/internal/downloader/types"
	"github.com/pymedusa/medusa/internal/history"
)

// fakeStore keeps history rows in memory with the same bitwise selection
// rules as the SQL store.
type fakeStore struct {
	rows          map[string]*history.Row
	updateCalls   int
	failOnPending bool
}

func newFakeStore(rows ...*history.Row) *fakeStore {
	store := &fakeStore{rows: make(map[string]*history.Row)}
	for _, row := range rows {
		store.rows[row.InfoHash] = row
	}
	return store
}

func (s *fakeStore) Pending(_ context.Context, provider types.Protocol) ([]*history.Row, error) {
	if s.failOnPending {
		return nil, errors.New("db gone")
	}
	var result []*history.Row
	for _, row := range s.rows {
		if row.Provider == provider && !row.Finalised() {
			result = append(result, row)
		}
	}
	return result, nil
}

func (s *fakeStore) AwaitingPostProcess(_ context.Context, provider types.Protocol) ([]*history.Row, error) {
	var result []*history.Row
	for _, row := range s.rows {
		if row.Provider == provider && row.AwaitingPostProcess() {
			result = append(result, row)
		}
	}
	return result, nil
}

func (s *fakeStore) Finalised(_ context.Context, provider types.Protocol) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	for _, row := range s.rows {
		if row.Provider == provider && row.ClientStatus.Has(types.StatusPostProcessed) {
			result[row.InfoHash] = struct{}{}
		}
	}
	return result, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, infoHash string, status types.StatusFlag) error {
	row, ok := s.rows[infoHash]
	if !ok {
		return history.ErrNotFound
	}
	s.updateCalls++
	row.ClientStatus = status
	return nil
}

// fakeClient serves canned statuses (or errors) per info hash.
type fakeClient struct {
	statuses    map[string]*types.ClientStatus
	errs        map[string]error
	statusCalls int
	ratioCalls  int
	ratioErr    error
}

var _ types.TorrentClient = (*fakeClient)(nil)

func (c *fakeClient) Type() types.ClientType     { return "fake" }
func (c *fakeClient) Protocol() types.Protocol   { return types.ProtocolTorrent }
func (c *fakeClient) TestAuthentication(context.Context) (bool, string) { return true, "ok" }
func (c *fakeClient) Add(context.Context, *types.Release) (string, error) {
	return "", types.ErrNotImplemented
}
func (c *fakeClient) Remove(context.Context, string) error     { return nil }
func (c *fakeClient) RemoveData(context.Context, string) error { return nil }
func (c *fakeClient) Pause(context.Context, string) error      { return nil }

func (c *fakeClient) GetStatus(_ context.Context, infoHash string) (*types.ClientStatus, error) {
	c.statusCalls++
	if err, ok := c.errs[infoHash]; ok {
		return nil, err
	}
	if status, ok := c.statuses[infoHash]; ok {
		return status, nil
	}
	return nil, types.ErrNotFound
}

func (c *fakeClient) RemoveRatioReached(_ context.Context, _ func(string) bool) error {
	c.ratioCalls++
	return c.ratioErr
}

// fakeQueue records enqueued jobs.
type fakeQueue struct {
	jobs []ProcessJob
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job ProcessJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func newTestHandler(store *fakeStore, client *fakeClient, queue *fakeQueue) *Handler {
	handler := NewHandler(HandlerConfig{
		TorrentMethod: types.ClientTypeTransmission,
		NZBMethod:     "", // nzb family disabled unless a test overrides
	}, store, queue, zerolog.Nop())
	handler.newTorrentClient = func(types.ClientType, *types.ClientConfig) (types.TorrentClient, error) {
		return client, nil
	}
	return handler
}

func torrentRow(hash string, status types.StatusFlag) *history.Row {
	return &history.Row{
		InfoHash:     hash,
		Resource:     "release-" + hash,
		Provider:     types.ProtocolTorrent,
		ClientStatus: status,
	}
}

func TestRunCompletedRowIsPersistedAndEnqueued(t *testing.T) {
	store := newFakeStore(torrentRow("aa", types.StatusDownloading))
	client := &fakeClient{statuses: map[string]*types.ClientStatus{
		"aa": {Status: types.StatusCompleted, Destination: "/done", Resource: "Some.Show.S01E01"},
	}}
	queue := &fakeQueue{}
	handler := newTestHandler(store, client, queue)

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	row := store.rows["aa"]
	want := types.StatusCompleted | types.StatusPostProcessed
	if row.ClientStatus != want {
		t.Errorf("persisted status = %d, want %d", row.ClientStatus, want)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(queue.jobs))
	}
	job := queue.jobs[0]
	if job.Path != "/done" || job.Resource != "Some.Show.S01E01" || job.Failed {
		t.Errorf("job = %+v, want client-reported path and name, not failed", job)
	}
}

func TestRunFailedRowEnqueuesWithFailedFlag(t *testing.T) {
	store := newFakeStore(torrentRow("aa", types.StatusDownloading))
	client := &fakeClient{statuses: map[string]*types.ClientStatus{
		"aa": {Status: types.StatusFailed},
	}}
	queue := &fakeQueue{}
	handler := newTestHandler(store, client, queue)

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(queue.jobs) != 1 || !queue.jobs[0].Failed {
		t.Fatalf("jobs = %+v, want one job with Failed set", queue.jobs)
	}
	want := types.StatusFailed | types.StatusPostProcessed
	if store.rows["aa"].ClientStatus != want {
		t.Errorf("persisted status = %d, want %d", store.rows["aa"].ClientStatus, want)
	}
}

func TestRunNeverDoublePostProcesses(t *testing.T) {
	store := newFakeStore(torrentRow("aa", types.StatusCompleted|types.StatusPostProcessed))
	client := &fakeClient{statuses: map[string]*types.ClientStatus{
		"aa": {Status: types.StatusCompleted},
	}}
	queue := &fakeQueue{}
	handler := newTestHandler(store, client, queue)

	for i := 0; i < 3; i++ {
		if err := handler.Run(t.Context()); err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	}

	if len(queue.jobs) != 0 {
		t.Errorf("enqueued %d jobs for a finalised row, want 0", len(queue.jobs))
	}
	if client.statusCalls != 0 {
		t.Errorf("polled a finalised row %d times, want 0", client.statusCalls)
	}
}

func TestRunEnqueueFailureKeepsRowPending(t *testing.T) {
	store := newFakeStore(torrentRow("aa", types.StatusCompleted))
	client := &fakeClient{statuses: map[string]*types.ClientStatus{
		"aa": {Status: types.StatusCompleted},
	}}
	queue := &fakeQueue{err: errors.New("queue full")}
	handler := newTestHandler(store, client, queue)

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	// The overlay bit must only be persisted after a successful enqueue,
	// so the next pass retries.
	if store.rows["aa"].ClientStatus.Has(types.StatusPostProcessed) {
		t.Error("row marked post-processed although enqueue failed")
	}
}

func TestRunTerminalRowGoneFromClientIsDeferred(t *testing.T) {
	store := newFakeStore(torrentRow("aa", types.StatusCompleted))
	client := &fakeClient{} // GetStatus returns ErrNotFound for every hash
	queue := &fakeQueue{}
	handler := newTestHandler(store, client, queue)

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	// A terminal row the client no longer reports has no download path
	// this cycle; importing it blind would hand the importer an empty
	// directory. It stays awaiting and is re-offered next pass.
	if len(queue.jobs) != 0 {
		t.Fatalf("enqueued %d jobs for an unconfirmed row, want 0", len(queue.jobs))
	}
	if store.rows["aa"].ClientStatus != types.StatusCompleted {
		t.Errorf("row status = %d, want unchanged Completed", store.rows["aa"].ClientStatus)
	}
}

func TestRunUnpollableClientDefersPostProcess(t *testing.T) {
	store := newFakeStore(torrentRow("aa", types.StatusCompleted))
	client := &fakeClient{errs: map[string]error{
		"aa": types.ErrNotImplemented,
	}}
	queue := &fakeQueue{}
	handler := newTestHandler(store, client, queue)

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("enqueued %d jobs without a confirming status, want 0", len(queue.jobs))
	}
}

func TestRunSkipsWhileActive(t *testing.T) {
	store := newFakeStore(torrentRow("aa", types.StatusCompleted))
	client := &fakeClient{statuses: map[string]*types.ClientStatus{
		"aa": {Status: types.StatusCompleted, Destination: "/done"},
	}}
	queue := &fakeQueue{}
	handler := newTestHandler(store, client, queue)

	// While another pass holds the guard, an invocation must touch
	// nothing: no client calls, no history writes, no enqueues, and the
	// guard stays with its owner.
	handler.amActive.Store(true)
	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if client.statusCalls != 0 {
		t.Errorf("overlapping run polled the client %d times, want 0", client.statusCalls)
	}
	if store.updateCalls != 0 {
		t.Errorf("overlapping run wrote %d history updates, want 0", store.updateCalls)
	}
	if len(queue.jobs) != 0 {
		t.Errorf("overlapping run enqueued %d jobs, want 0", len(queue.jobs))
	}
	if !handler.amActive.Load() {
		t.Error("overlapping run released a guard it never acquired")
	}

	// Once the owner releases it, the next run proceeds normally.
	handler.amActive.Store(false)
	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if client.statusCalls == 0 {
		t.Error("run after guard release did not poll the client")
	}
}

func TestRunMissingItemIsSkippedOthersPolled(t *testing.T) {
	store := newFakeStore(
		torrentRow("gone", types.StatusDownloading),
		torrentRow("aa", types.StatusDownloading),
	)
	client := &fakeClient{statuses: map[string]*types.ClientStatus{
		"aa": {Status: types.StatusDownloading},
	}}
	handler := newTestHandler(store, client, &fakeQueue{})

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if client.statusCalls != 2 {
		t.Errorf("polled %d items, want 2", client.statusCalls)
	}
	if store.rows["gone"].ClientStatus != types.StatusDownloading {
		t.Errorf("missing item status changed to %d", store.rows["gone"].ClientStatus)
	}
}

func TestRunDataErrorIsolatedPerRow(t *testing.T) {
	store := newFakeStore(
		torrentRow("bad", types.StatusDownloading),
		torrentRow("aa", types.StatusDownloading),
	)
	client := &fakeClient{
		statuses: map[string]*types.ClientStatus{
			"aa": {Status: types.StatusCompleted},
		},
		errs: map[string]error{
			"bad": errors.New("mangled response"),
		},
	}
	queue := &fakeQueue{}
	handler := newTestHandler(store, client, queue)

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	// The healthy row still completes its full lifecycle.
	if !store.rows["aa"].ClientStatus.Has(types.StatusPostProcessed) {
		t.Error("healthy row not post-processed after a sibling data error")
	}
	if len(queue.jobs) != 1 {
		t.Errorf("enqueued %d jobs, want 1", len(queue.jobs))
	}
}

func TestRunTransportErrorAbortsFamilyAndReleasesGuard(t *testing.T) {
	store := newFakeStore(
		torrentRow("aa", types.StatusDownloading),
		torrentRow("bb", types.StatusDownloading),
	)
	client := &fakeClient{errs: map[string]error{
		"aa": types.TransportError(errors.New("connection refused")),
		"bb": types.TransportError(errors.New("connection refused")),
	}}
	handler := newTestHandler(store, client, &fakeQueue{})

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() must swallow family errors, got: %v", err)
	}
	if client.statusCalls != 1 {
		t.Errorf("polled %d items after transport failure, want 1", client.statusCalls)
	}
	if handler.amActive.Load() {
		t.Error("guard still held after an aborted pass")
	}
}

func TestRunStatusPersistedOnlyOnChange(t *testing.T) {
	store := newFakeStore(torrentRow("aa", types.StatusDownloading))
	client := &fakeClient{statuses: map[string]*types.ClientStatus{
		"aa": {Status: types.StatusDownloading},
	}}
	handler := newTestHandler(store, client, &fakeQueue{})

	for i := 0; i < 3; i++ {
		if err := handler.Run(t.Context()); err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	}
	if store.updateCalls != 0 {
		t.Errorf("persisted %d unchanged statuses, want 0", store.updateCalls)
	}
}

func TestRunListenerNotifiedOnTransition(t *testing.T) {
	store := newFakeStore(torrentRow("aa", types.StatusDownloading))
	client := &fakeClient{statuses: map[string]*types.ClientStatus{
		"aa": {Status: types.StatusCompleted},
	}}
	handler := newTestHandler(store, client, &fakeQueue{})

	var transitions []types.StatusFlag
	handler.AddListener(listenerFunc(func(row *history.Row, status *types.ClientStatus) {
		transitions = append(transitions, status.Status)
	}))

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(transitions) != 1 || transitions[0] != types.StatusCompleted {
		t.Errorf("transitions = %v, want [Completed]", transitions)
	}
}

func TestRunRatioCleanupSeesOnlyFinalisedRows(t *testing.T) {
	store := newFakeStore(
		torrentRow("done", types.StatusSeeded|types.StatusPostProcessed),
		torrentRow("aa", types.StatusDownloading),
	)
	client := &fakeClient{statuses: map[string]*types.ClientStatus{
		"aa": {Status: types.StatusDownloading},
	}}
	handler := newTestHandler(store, client, &fakeQueue{})

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if client.ratioCalls != 1 {
		t.Errorf("ratio cleanup ran %d times, want 1", client.ratioCalls)
	}
}

func TestRunRatioCleanupNotImplementedIsTolerated(t *testing.T) {
	store := newFakeStore(torrentRow("done", types.StatusSeeded|types.StatusPostProcessed))
	client := &fakeClient{ratioErr: types.ErrNotImplemented}
	handler := newTestHandler(store, client, &fakeQueue{})

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

func TestRunBlackholeMethodIsNotPolled(t *testing.T) {
	store := newFakeStore(torrentRow("aa", types.StatusDownloading))
	client := &fakeClient{}
	handler := newTestHandler(store, client, &fakeQueue{})
	handler.config.TorrentMethod = types.ClientTypeTorrentBlackhole

	if err := handler.Run(t.Context()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if client.statusCalls != 0 {
		t.Errorf("polled a blackhole method %d times, want 0", client.statusCalls)
	}
}

type listenerFunc func(*history.Row, *types.ClientStatus)

func (f listenerFunc) StatusChanged(row *history.Row, status *types.ClientStatus) {
	f(row, status)
}
