package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/agent"
	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type stubAgent struct {
	name string
	j    *journal
}

func (a *stubAgent) Name() string                              { return a.name }
func (a *stubAgent) Subscriptions() []string                   { return []string{domain.ChannelControl} }
func (a *stubAgent) Handle(context.Context, bus.Message) error { return nil }

func (a *stubAgent) Start(context.Context) error {
	a.j.add("start:" + a.name)
	return nil
}

func (a *stubAgent) Flush(context.Context) error {
	a.j.add("stop:" + a.name)
	return nil
}

type funds float64

func (f funds) Balance(context.Context) (float64, error) { return float64(f), nil }

type authFunc func(context.Context) error

func (f authFunc) Authenticate(ctx context.Context) error { return f(ctx) }

type rehydrator struct{ j *journal }

func (r rehydrator) Rehydrate(context.Context) (int, error) {
	r.j.add("rehydrate")
	return 1, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRuntime() *agent.Runtime {
	return agent.NewRuntime(bus.NewMemory(16), agent.Config{}, nil, discard())
}

func TestPreflight(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		deps Deps
		want error
	}{
		{
			name: "live without credentials",
			cfg:  Config{Live: true, Credentials: map[string]string{"private_key": "", "api_key": "k"}},
			want: ErrMissingCredentials,
		},
		{
			name: "live auth rejected",
			cfg:  Config{Live: true, Credentials: map[string]string{"private_key": "x"}},
			deps: Deps{Auth: authFunc(func(context.Context) error { return errors.New("401") })},
			want: ErrAuthFailed,
		},
		{
			name: "balance below minimum",
			cfg:  Config{MinBalanceUSD: 50},
			deps: Deps{Funds: funds(10)},
			want: ErrInsufficientBalance,
		},
		{
			name: "paper ignores credentials",
			cfg:  Config{Credentials: map[string]string{"private_key": ""}, MinBalanceUSD: 10},
			deps: Deps{Funds: funds(100)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.cfg, tt.deps, nil, discard()).Preflight(context.Background())
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRun_PreflightFailureStartsNothing(t *testing.T) {
	j := &journal{}
	rt := newRuntime()
	o := New(Config{MinBalanceUSD: 100}, Deps{Runtime: rt, Funds: funds(1)},
		[]agent.Agent{&stubAgent{name: "a", j: j}}, discard())

	err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Empty(t, j.list())
	assert.Empty(t, rt.Statuses())
}

func TestRun_LifecycleOrder(t *testing.T) {
	j := &journal{}
	pidFile := filepath.Join(t.TempDir(), "polyswarm.pid")
	o := New(Config{PIDFile: pidFile, StopTimeout: 2 * time.Second},
		Deps{Runtime: newRuntime(), Rehydrator: rehydrator{j}},
		[]agent.Agent{
			&stubAgent{name: "executor", j: j},
			&stubAgent{name: "guardian", j: j},
			&stubAgent{name: "scanner", j: j},
		}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return len(j.list()) == 4 }, 2*time.Second, 10*time.Millisecond)
	pid, err := ReadPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, []string{
		"rehydrate",
		"start:executor", "start:guardian", "start:scanner",
		"stop:scanner", "stop:guardian", "stop:executor",
	}, j.list())
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestWritePID_RefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.pid")
	require.NoError(t, WritePID(path))
	assert.ErrorIs(t, WritePID(path), ErrAlreadyRunning)

	require.NoError(t, RemovePID(path))
	_, err := ReadPID(path)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRemovePID_LeavesForeignToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid()+100000)), 0o644))
	require.NoError(t, RemovePID(path))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
