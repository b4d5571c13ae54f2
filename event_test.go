package bluelet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventConstructorsProduceDistinctVariants(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
	}{
		{"null", Null()},
		{"spawn", Spawn(func(y *Yielder) (interface{}, error) { return nil, nil })},
		{"sleep", Sleep(time.Second)},
		{"end", End(1)},
		{"delegate", Delegate(func(y *Yielder) (interface{}, error) { return nil, nil })},
		{"kill", Kill(newFiber())},
		{"join", Join(newFiber())},
		{"connect", Connect("localhost", 80)},
	}

	seen := make(map[string]bool, len(cases))
	for _, c := range cases {
		assert.NotNil(t, c.ev)
		key := typeName(c.ev)
		assert.Falsef(t, seen[key], "event %s shares a concrete type with another case", c.name)
		seen[key] = true
	}
}

func typeName(ev Event) string {
	switch ev.(type) {
	case nullEvent:
		return "null"
	case spawnEvent:
		return "spawn"
	case sleepEvent:
		return "sleep"
	case endEvent:
		return "end"
	case delegateEvent:
		return "delegate"
	case killEvent:
		return "kill"
	case joinEvent:
		return "join"
	case connectEvent:
		return "connect"
	case acceptEvent:
		return "accept"
	case readableEvent:
		return "readable"
	case writableEvent:
		return "writable"
	default:
		return "unknown"
	}
}

func TestSleepDurationCarried(t *testing.T) {
	ev := Sleep(250 * time.Millisecond).(sleepEvent)
	assert.Equal(t, 250*time.Millisecond, ev.d)
}
