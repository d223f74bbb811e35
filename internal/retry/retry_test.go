package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OK},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), Retryable},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), Retryable},
		{"eof", io.ErrUnexpectedEOF, Retryable},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("no route")}, Retryable},
		{"timeout", timeoutErr{}, Retryable},
		{"canceled", context.Canceled, Fatal},
		{"plain", errors.New("bad request"), Fatal},
		{"marked retryable", AsRetryable(errors.New("503")), Retryable},
		{"marked fatal wins over cause", AsFatal(fmt.Errorf("wrap: %w", syscall.ECONNREFUSED)), Fatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestAsNil(t *testing.T) {
	assert.NoError(t, AsRetryable(nil))
	assert.NoError(t, AsFatal(nil))
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	var notified []int
	err := Do(context.Background(), Policy{Attempts: 5}, func(context.Context) error {
		calls++
		if calls < 3 {
			return syscall.ECONNRESET
		}
		return nil
	}, func(attempt int, err error) {
		notified = append(notified, attempt)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDoStopsOnFatal(t *testing.T) {
	calls := 0
	boom := errors.New("validation failed")
	err := Do(context.Background(), DefaultPolicy(), func(context.Context) error {
		calls++
		return AsFatal(boom)
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Fatal, Classify(err))
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 10}, func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 10, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, Fatal, Classify(err))
}

func TestDoValueReturnsValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", io.EOF
		}
		return "page", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "page", v)
}

func TestDoSingleAttemptPolicy(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return syscall.ECONNRESET
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 100, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return syscall.ECONNRESET
	}, nil)
	require.Error(t, err)
	assert.Less(t, calls, 100)
	assert.Equal(t, Fatal, Classify(err))
}
