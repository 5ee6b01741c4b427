package inline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/runner/inline"
)

func TestRunReturnsComponentResult(t *testing.T) {
	r := inline.New(nil)
	def := &registry.Definition{
		ID: "test.echo",
		Execute: func(_ context.Context, act component.Activation) component.Result {
			return component.Succeed(component.Values{"out": act.NodeRef})
		},
	}

	res, err := r.Run(context.Background(), def, component.Activation{NodeRef: "n1"})
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	assert.Equal(t, "n1", res.Output["out"])
}

func TestRunWithoutExecuteIsConfigurationFailure(t *testing.T) {
	r := inline.New(nil)
	res, err := r.Run(context.Background(), &registry.Definition{ID: "test.hollow"}, component.Activation{})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindConfiguration, res.Failure.Kind)
}

func TestRunEnforcesComponentTimeout(t *testing.T) {
	r := inline.New(nil)
	def := &registry.Definition{
		ID:      "test.slow",
		Timeout: 30 * time.Millisecond,
		Execute: func(ctx context.Context, _ component.Activation) component.Result {
			select {
			case <-time.After(5 * time.Second):
				return component.Succeed(nil)
			case <-ctx.Done():
				// Ignore cancellation so the runner's own timeout fires.
				<-time.After(5 * time.Second)
				return component.Succeed(nil)
			}
		},
	}

	start := time.Now()
	res, err := r.Run(context.Background(), def, component.Activation{})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindTimeout, res.Failure.Kind)
	assert.True(t, res.Failure.Retryable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunActivationDeadlineWins(t *testing.T) {
	r := inline.New(nil)
	def := &registry.Definition{
		ID:      "test.slow",
		Timeout: time.Hour,
		Execute: func(ctx context.Context, _ component.Activation) component.Result {
			<-ctx.Done()
			return component.Fail(component.KindTimeout, "interrupted")
		},
	}

	res, err := r.Run(context.Background(), def, component.Activation{Deadline: time.Now().Add(30 * time.Millisecond)})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindTimeout, res.Failure.Kind)
}

func TestRunExpiredDeadline(t *testing.T) {
	r := inline.New(nil)
	called := false
	def := &registry.Definition{
		ID: "test.late",
		Execute: func(context.Context, component.Activation) component.Result {
			called = true
			return component.Succeed(nil)
		},
	}

	res, err := r.Run(context.Background(), def, component.Activation{Deadline: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindTimeout, res.Failure.Kind)
	assert.False(t, called, "expired activations never execute")
}

func TestRunRecoversPanic(t *testing.T) {
	r := inline.New(nil)
	def := &registry.Definition{
		ID: "test.bomb",
		Execute: func(context.Context, component.Activation) component.Result {
			panic("boom")
		},
	}

	res, err := r.Run(context.Background(), def, component.Activation{})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindInternal, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "panicked")
}

func TestRunCooperativeCancellation(t *testing.T) {
	r := inline.New(nil)
	def := &registry.Definition{
		ID: "test.polite",
		Execute: func(ctx context.Context, _ component.Activation) component.Result {
			<-ctx.Done()
			return component.Fail(component.KindCancel, "stopped on request")
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := r.Run(ctx, def, component.Activation{})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindCancel, res.Failure.Kind)
}
