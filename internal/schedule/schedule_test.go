package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/fashion-scraper/internal/pipeline"
)

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) RunMany(ctx context.Context, urls []string) ([]*pipeline.Summary, error) {
	args := m.Called(ctx, urls)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*pipeline.Summary), args.Error(1)
}

const planYAML = `
interval: 45m
categories:
  - name: women-dresses
    url: https://www.asos.com/women/dresses/cat/?cid=8799
  - url: " https://www.asos.com/men/t-shirts-vests/cat/?cid=7616 "
`

func TestDecodePlan(t *testing.T) {
	plan, err := DecodePlan(strings.NewReader(planYAML))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, plan.Interval)
	require.Len(t, plan.Categories, 2)
	assert.Equal(t, "women-dresses", plan.Categories[0].Name)
	assert.Equal(t, "https://www.asos.com/men/t-shirts-vests/cat/?cid=7616", plan.Categories[1].URL)
	assert.Equal(t, plan.Categories[1].URL, plan.Categories[1].Name, "name defaults to the url")
	assert.Equal(t, []string{
		"https://www.asos.com/women/dresses/cat/?cid=8799",
		"https://www.asos.com/men/t-shirts-vests/cat/?cid=7616",
	}, plan.URLs())
}

func TestDecodePlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no categories", "interval: 10m\n", "at least one category"},
		{"empty url", "categories:\n  - name: x\n", "empty url"},
		{"unknown field", "categories:\n  - url: https://www.asos.com/x\n    depth: 2\n", "decode categories"},
		{"negative interval", "interval: -1m\ncategories:\n  - url: https://www.asos.com/x\n", "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePlan(strings.NewReader(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.yaml")
	require.NoError(t, os.WriteFile(path, []byte(planYAML), 0o644))

	plan, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Len(t, plan.Categories, 2)

	_, err = LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "open categories file")
}

func TestNew_Interval(t *testing.T) {
	plan := &Plan{Categories: []Category{{URL: "u"}}}
	assert.Equal(t, DefaultInterval, New(nil, plan, 0, nil).Interval())

	plan.Interval = time.Hour
	assert.Equal(t, time.Hour, New(nil, plan, 0, nil).Interval())
	assert.Equal(t, time.Minute, New(nil, plan, time.Minute, nil).Interval(), "explicit interval wins")
}

func TestRunOnce_RecordsLastRun(t *testing.T) {
	plan := &Plan{Categories: []Category{{URL: "https://www.asos.com/women/dresses/cat/?cid=8799"}}}
	summaries := []*pipeline.Summary{{Category: "women/dresses", Scraped: 4, Failed: 1}}

	runner := new(MockRunner)
	runner.On("RunMany", mock.Anything, plan.URLs()).Return(summaries, errors.New("one category failed"))

	s := New(runner, plan, time.Hour, nil)
	s.RunOnce(context.Background())

	last, at, err := s.Last()
	assert.Equal(t, summaries, last)
	assert.False(t, at.IsZero())
	assert.ErrorContains(t, err, "one category failed")
	assert.Equal(t, 1, s.Runs())
	runner.AssertExpectations(t)
}

func TestStart_RunsImmediatelyAndOnTick(t *testing.T) {
	plan := &Plan{Categories: []Category{{URL: "https://www.asos.com/women/dresses/cat/?cid=8799"}}}
	runner := new(MockRunner)
	runner.On("RunMany", mock.Anything, plan.URLs()).Return([]*pipeline.Summary{}, nil)

	s := New(runner, plan, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- s.Start(ctx)
	}()

	require.Eventually(t, func() bool { return s.Runs() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancellation")
	}
}
