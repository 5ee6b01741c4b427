package component_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/strandsec/strand/runtime/component"
)

func TestFailureKindRetryable(t *testing.T) {
	retryable := []component.FailureKind{
		component.KindTimeout, component.KindNetwork, component.KindRateLimit,
		component.KindStartup, component.KindLost,
	}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), "kind %s", k)
	}
	terminal := []component.FailureKind{
		component.KindValidation, component.KindConfiguration, component.KindAuthentication,
		component.KindCancel, component.KindCancelTimeout, component.KindInternal,
	}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), "kind %s", k)
	}
}

func TestResultConstructors(t *testing.T) {
	ok := component.Succeed(component.Values{"out": 1})
	assert.True(t, ok.Succeeded())

	fail := component.Fail(component.KindNetwork, "connection reset")
	assert.False(t, fail.Succeeded())
	assert.True(t, fail.Failure.Retryable, "retryability defaults from the kind")

	pinned := component.FailRetryable(component.KindNetwork, "gave up", false)
	assert.False(t, pinned.Failure.Retryable)

	cause := errors.New("boom")
	wrapped := component.FailErr(component.KindInternal, "engine defect", cause)
	assert.ErrorIs(t, wrapped.Failure, cause)

	susp := component.SuspendWith("tok-1", map[string]any{"requestId": "r1"})
	assert.False(t, susp.Succeeded())
	assert.Equal(t, "tok-1", susp.Suspend.WaitToken)
}

func TestFailureError(t *testing.T) {
	f := &component.Failure{Kind: component.KindTimeout, Message: "deadline exceeded"}
	assert.Equal(t, "timeout: deadline exceeded", f.Error())
	var nilF *component.Failure
	assert.Empty(t, nilF.Error())
}
