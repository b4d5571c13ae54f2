package bluelet

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S3 Delegation return: parent yields a child that yields null(), then
// null(), then end(42); the parent's yield on the child resumes 42.
func TestDelegationReturn(t *testing.T) {
	child := func(y *Yielder) (interface{}, error) {
		if _, err := y.Yield(Null()); err != nil {
			return nil, err
		}
		if _, err := y.Yield(Null()); err != nil {
			return nil, err
		}
		return y.Yield(End(42))
	}

	var got interface{}
	parent := func(y *Yielder) (interface{}, error) {
		if _, err := y.Yield(Null()); err != nil {
			return nil, err
		}
		v, err := y.Yield(Delegate(child))
		if err != nil {
			return nil, err
		}
		got = v
		return nil, nil
	}

	_, err := Run(parent)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

// S4 Exception propagation: a delegated child's failure surfaces at
// the parent's yield point; an independent (spawned) fiber's failure
// surfaces at the root instead.
func TestExceptionPropagationDelegated(t *testing.T) {
	boom := errors.New("x")
	child := func(y *Yielder) (interface{}, error) {
		if _, err := y.Yield(Null()); err != nil {
			return nil, err
		}
		return nil, boom
	}

	var caught error
	parent := func(y *Yielder) (interface{}, error) {
		_, err := y.Yield(Delegate(child))
		caught = err
		return nil, nil
	}

	_, err := Run(parent)
	require.NoError(t, err)
	require.Error(t, caught)
	assert.Equal(t, "x", caught.Error())
}

func TestExceptionPropagationSpawned(t *testing.T) {
	boom := errors.New("x")
	child := func(y *Yielder) (interface{}, error) {
		if _, err := y.Yield(Null()); err != nil {
			return nil, err
		}
		return nil, boom
	}

	root := func(y *Yielder) (interface{}, error) {
		if _, err := y.Yield(Spawn(child)); err != nil {
			return nil, err
		}
		return nil, SleepFor(y, 50*time.Millisecond)
	}

	_, err := Run(root)
	require.Error(t, err)
	var ff *FiberFailure
	require.True(t, errors.As(err, &ff))
	assert.Equal(t, "x", ff.Unwrap().Error())
}

// S2 Sleep ordering: three children sleeping 0, 30ms, 90ms complete in
// that order (scaled down here so the suite stays fast).
func TestSleepOrdering(t *testing.T) {
	var order []int
	durations := []time.Duration{0, 30 * time.Millisecond, 90 * time.Millisecond}

	sleeper := func(i int, d time.Duration) FiberFunc {
		return func(y *Yielder) (interface{}, error) {
			if err := SleepFor(y, d); err != nil {
				return nil, err
			}
			order = append(order, i)
			return nil, nil
		}
	}

	root := func(y *Yielder) (interface{}, error) {
		var handles []*Fiber
		for i, d := range durations {
			h, err := y.Yield(Spawn(sleeper(i, d)))
			if err != nil {
				return nil, err
			}
			handles = append(handles, h.(*Fiber))
		}
		for _, h := range handles {
			if _, err := y.Yield(Join(h)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	_, err := Run(root)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestNullYieldsAndResumes(t *testing.T) {
	calls := 0
	root := func(y *Yielder) (interface{}, error) {
		for i := 0; i < 5; i++ {
			if _, err := y.Yield(Null()); err != nil {
				return nil, err
			}
			calls++
		}
		return nil, nil
	}
	_, err := Run(root)
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
}

func TestJoinOnAlreadyFinishedFiber(t *testing.T) {
	root := func(y *Yielder) (interface{}, error) {
		h, err := y.Yield(Spawn(func(y2 *Yielder) (interface{}, error) {
			return "done", nil
		}))
		if err != nil {
			return nil, err
		}
		if err := SleepFor(y, 20*time.Millisecond); err != nil {
			return nil, err
		}
		return y.Yield(Join(h.(*Fiber)))
	}

	v, err := Run(root)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestKillStopsASleepingFiber(t *testing.T) {
	ran := false
	root := func(y *Yielder) (interface{}, error) {
		h, err := y.Yield(Spawn(func(y2 *Yielder) (interface{}, error) {
			if err := SleepFor(y2, time.Hour); err != nil {
				return nil, err
			}
			ran = true
			return nil, nil
		}))
		if err != nil {
			return nil, err
		}
		if err := SleepFor(y, 10*time.Millisecond); err != nil {
			return nil, err
		}
		_, err = y.Yield(Kill(h.(*Fiber)))
		return nil, err
	}

	_, err := Run(root)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRootFailureFidelity(t *testing.T) {
	boom := errors.New("root blew up")
	root := func(y *Yielder) (interface{}, error) {
		return nil, boom
	}
	_, err := Run(root)
	require.Error(t, err)
	assert.Equal(t, boom, err)
}
