package bluelet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A panicking fiber should fail its Run rather than crash the process.
func TestFiberPanicIsRecoveredAsFailure(t *testing.T) {
	root := func(y *Yielder) (interface{}, error) {
		panic("boom")
	}
	_, err := Run(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

// Cooperative isolation: a spawned fiber's body must never observe
// interleaving from another fiber, since only one fiber runs between
// any two yield points.
func TestCooperativeIsolation(t *testing.T) {
	var trace []string
	a := func(y *Yielder) (interface{}, error) {
		trace = append(trace, "a1")
		if _, err := y.Yield(Null()); err != nil {
			return nil, err
		}
		trace = append(trace, "a2")
		return nil, nil
	}
	b := func(y *Yielder) (interface{}, error) {
		trace = append(trace, "b1")
		if _, err := y.Yield(Null()); err != nil {
			return nil, err
		}
		trace = append(trace, "b2")
		return nil, nil
	}

	root := func(y *Yielder) (interface{}, error) {
		ha, err := y.Yield(Spawn(a))
		if err != nil {
			return nil, err
		}
		hb, err := y.Yield(Spawn(b))
		if err != nil {
			return nil, err
		}
		if _, err := y.Yield(Join(ha.(*Fiber))); err != nil {
			return nil, err
		}
		if _, err := y.Yield(Join(hb.(*Fiber))); err != nil {
			return nil, err
		}
		return nil, nil
	}

	_, err := Run(root)
	require.NoError(t, err)

	// Each fiber's own two appends must keep their relative order;
	// another fiber may run at the Null yield between them, but never
	// in the middle of a fiber's code between two yields.
	idxA1, idxA2, idxB1, idxB2 := -1, -1, -1, -1
	for i, s := range trace {
		switch s {
		case "a1":
			idxA1 = i
		case "a2":
			idxA2 = i
		case "b1":
			idxB1 = i
		case "b2":
			idxB2 = i
		}
	}
	assert.Less(t, idxA1, idxA2)
	assert.Less(t, idxB1, idxB2)
}

func TestEndIsSugarForReturn(t *testing.T) {
	root := func(y *Yielder) (interface{}, error) {
		return "value", nil
	}
	v, err := Run(root)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}

func TestEndAsYieldedEvent(t *testing.T) {
	root := func(y *Yielder) (interface{}, error) {
		if _, err := y.Yield(Null()); err != nil {
			return nil, err
		}
		return y.Yield(End("yielded"))
	}
	v, err := Run(root)
	require.NoError(t, err)
	assert.Equal(t, "yielded", v)
}
