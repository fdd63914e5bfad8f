package worker

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/ingest"
	"github.com/livescore-pipeline/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStarter struct {
	calls atomic.Int32
}

func (c *countingStarter) SmartStart(context.Context) domain.PollingStatus {
	c.calls.Add(1)
	return domain.PollingStatus{}
}

type countingRefresher struct {
	calls atomic.Int32
}

func (c *countingRefresher) Refresh(context.Context) (ingest.Result, error) {
	c.calls.Add(1)
	return ingest.Result{}, nil
}

type countingSweeper struct {
	calls atomic.Int32
}

func (c *countingSweeper) Sweep(context.Context) (scoring.SweepResult, error) {
	c.calls.Add(1)
	return scoring.SweepResult{}, nil
}

func TestSupervisor_RunsJobsAtStartup(t *testing.T) {
	starter := &countingStarter{}
	refresher := &countingRefresher{}
	sweeper := &countingSweeper{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := NewSupervisor(SupervisorConfig{
		SmartStartSpec:  "*/5 * * * *",
		ScheduleSpec:    "0 */4 * * *",
		ScheduleEnabled: true,
		SweepSpec:       "*/15 * * * *",
	}, starter, refresher, sweeper, logger)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return starter.calls.Load() == 1 && refresher.calls.Load() == 1 && sweeper.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_SkipsRefreshWhenDisabled(t *testing.T) {
	starter := &countingStarter{}
	refresher := &countingRefresher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sweeper := &countingSweeper{}
	s, err := NewSupervisor(SupervisorConfig{SmartStartSpec: "@every 1h"}, starter, refresher, sweeper, logger)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return starter.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, refresher.calls.Load())
	assert.Zero(t, sweeper.calls.Load(), "no sweep spec, no sweep")
}

func TestSupervisor_RejectsBadSpec(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewSupervisor(SupervisorConfig{SmartStartSpec: "every five minutes"}, &countingStarter{}, nil, nil, logger)
	assert.Error(t, err)

	_, err = NewSupervisor(SupervisorConfig{SmartStartSpec: "@hourly", SweepSpec: "soon"}, &countingStarter{}, nil, &countingSweeper{}, logger)
	assert.Error(t, err)
}
