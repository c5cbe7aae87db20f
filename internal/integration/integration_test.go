//go:build integration
// +build integration

package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	httpapi "github.com/contest-hub/contest-hub/internal/api/http"
	"github.com/contest-hub/contest-hub/internal/application/inbound"
	appOutbox "github.com/contest-hub/contest-hub/internal/application/outbox"
	"github.com/contest-hub/contest-hub/internal/application/postpone"
	"github.com/contest-hub/contest-hub/internal/application/premoderation"
	"github.com/contest-hub/contest-hub/internal/application/scheduler"
	"github.com/contest-hub/contest-hub/internal/application/voting"
	"github.com/contest-hub/contest-hub/internal/application/workflow"
	"github.com/contest-hub/contest-hub/internal/dialog"
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
	"github.com/contest-hub/contest-hub/internal/eventbus"
	"github.com/contest-hub/contest-hub/internal/infrastructure/botapi"
	"github.com/contest-hub/contest-hub/internal/infrastructure/postgres"
	"github.com/contest-hub/contest-hub/internal/infrastructure/sse"
	"github.com/contest-hub/contest-hub/internal/migrations"
)

const (
	chatID     = int64(-100200)
	adminToken = "integration-admin"
	hookSecret = "integration-hook"
)

// fakeBotAPI answers every method with a fresh message id.
type fakeBotAPI struct {
	mu      sync.Mutex
	nextID  int
	methods []string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.methods = append(f.methods, r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]int{"message_id": id}})
}

func (f *fakeBotAPI) Called(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.methods {
		if m == method {
			return true
		}
	}
	return false
}

type testServer struct {
	URL string
	api *fakeBotAPI
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, postgres.RunMigrations(ctx, pool, migrations.FS))
	resetDB(t, pool)

	logger := zerolog.Nop()
	api := &fakeBotAPI{}
	apiSrv := httptest.NewServer(api)

	stateRepo := postgres.NewStateRepository(pool)
	userRepo := postgres.NewUserRepository(pool)
	votableRepo := postgres.NewVotableRepository(pool)
	postponeRepo := postgres.NewPostponeRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool)

	client := botapi.NewClient(apiSrv.URL, "TOKEN", 0, logger)
	clock := contest.SystemClock{}
	bus := eventbus.New(logger)
	hub := sse.NewHub(logger)
	recorder := appOutbox.NewRecorder(outboxRepo, logger)
	dialogs := dialog.NewManager(client, clock, dialog.Config{}, logger)

	vcfg := voting.Config{ChatID: chatID, VoteMin: 1, VoteMax: 5, VoteNeutral: 3, MinVotesForWinner: 2,
		VotingDuration: 72 * time.Hour, StatsThrottle: time.Second, IndicatorRate: 1}
	entries := voting.NewEngine(voting.EntryPolicy(chatID, 20, stateRepo, userRepo, client), vcfg,
		votableRepo, userRepo, stateRepo, client, recorder, clock, nil, logger)
	suggestions := voting.NewEngine(voting.SuggestionPolicy(stateRepo), vcfg,
		votableRepo, userRepo, stateRepo, client, recorder, clock, nil, logger)
	postpones := postpone.NewService(postponeRepo, userRepo, stateRepo, client, recorder,
		postpone.Config{ChatID: chatID, Quorum: 3, Cost: 10, MaxDuration: 7 * 24 * time.Hour}, logger)
	premod := premoderation.NewService(userRepo, dialogs, client,
		premoderation.Config{VoteTimeout: time.Minute, GraceWindow: time.Second}, logger)

	notifier := workflow.NewAdminBroadcast(userRepo, client, logger)
	machine := workflow.NewMachine(stateRepo, notifier, time.Minute, logger)
	machine.Observe(hub.ObserveTransition)
	wf := workflow.NewWorkflow(machine, stateRepo, userRepo, votableRepo, entries, suggestions, postpones, premod,
		dialogs, client, recorder, notifier, clock, nil, workflow.Config{
			ChatID:             chatID,
			ContestDuration:    7 * 24 * time.Hour,
			CollectionDuration: 48 * time.Hour,
			MinSuggestions:     2,
		}, logger)
	wf.Register()
	wf.Subscribe(bus)
	submissions := workflow.NewSubmissions(machine, stateRepo, userRepo, votableRepo, client, recorder, chatID, logger)
	submissions.Subscribe(bus)
	sched := scheduler.NewService(stateRepo, clock, machine, wf, map[contest.Phase]time.Duration{
		contest.PhaseContest: 24 * time.Hour,
	}, logger)
	sched.Subscribe(bus)

	registry := inbound.NewRegistry()
	require.NoError(t, inbound.RegisterDefaults(registry, inbound.Commands{Postpones: postpones, Machine: machine, Bus: bus}))
	router := inbound.NewRouter(registry, userRepo, stateRepo, []inbound.VoteHandler{entries, suggestions},
		dialogs, submissions, client, bus, logger)

	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	require.NoError(t, err)
	apiServer := httpapi.NewServer(router, stateRepo, bus, machine, recorder, hub, nil, hookSecret, string(hash), logger)
	srv := httptest.NewServer(apiServer.Router())

	machineDone := make(chan struct{})
	go func() {
		_ = machine.Run(ctx)
		close(machineDone)
	}()
	require.NoError(t, machine.WaitQuiescent(ctx))

	t.Cleanup(func() {
		srv.Close()
		apiServer.Wait()
		bus.Wait()
		cancel()
		<-machineDone
		dialogs.CancelAll()
		wf.Wait()
		entries.Wait()
		suggestions.Wait()
		apiSrv.Close()
		pool.Close()
	})
	return &testServer{URL: srv.URL, api: api}
}

func resetDB(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`TRUNCATE TABLE votes, votables, postpone_requests, outbox_events, users, system_state RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
}

func (s *testServer) admin(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) state(t *testing.T) contest.SystemState {
	t.Helper()
	var st contest.SystemState
	require.Equal(t, http.StatusOK, s.admin(t, http.MethodGet, "/v1/state", "", &st))
	return st
}

func (s *testServer) webhook(t *testing.T, update string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+"/v1/webhook", strings.NewReader(update))
	require.NoError(t, err)
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", hookSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoundLifecycleIntegration(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, contest.PhaseStandby, s.state(t).Phase)

	require.Equal(t, http.StatusAccepted, s.admin(t, http.MethodPost, "/v1/admin/kickstart", `{"task":"Write a waltz"}`, nil))
	require.Eventually(t, func() bool {
		st := s.state(t)
		return st.Phase == contest.PhaseContest && st.Round == 1
	}, 5*time.Second, 50*time.Millisecond)
	st := s.state(t)
	assert.Equal(t, "Write a waltz", st.Task.Text)
	assert.NotNil(t, st.AnnouncementMessage)
	assert.True(t, s.api.Called("pinChatMessage"))

	s.webhook(t, `{"update_id":10,"message":{"message_id":7,"from":{"id":42,"username":"kazoo","first_name":"Ann"},
		"chat":{"id":42,"type":"private"},"text":"my track"}}`)

	var events []*outbox.Event
	require.Eventually(t, func() bool {
		events = nil
		s.admin(t, http.MethodGet, "/v1/admin/outbox?type=TRACK_ADDED", "", &events)
		return len(events) == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.True(t, s.api.Called("copyMessage"))

	var started []*outbox.Event
	s.admin(t, http.MethodGet, "/v1/admin/outbox?type=ROUND_STARTED", "", &started)
	require.Len(t, started, 1)
	assert.Equal(t, "round:1:started", started[0].DedupeKey)

	require.Equal(t, http.StatusAccepted, s.admin(t, http.MethodPost, "/v1/admin/force", `{"phase":"STANDBY"}`, nil))
	require.Eventually(t, func() bool {
		return s.state(t).Phase == contest.PhaseStandby
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAdminSurfaceRequiresToken(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.URL + "/v1/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
