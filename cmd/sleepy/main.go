// Command sleepy runs several fibers that sleep for different
// durations and report when they wake, demonstrating that Sleep
// orders wakeups by deadline rather than by spawn order.
package main

import (
	"fmt"
	"time"

	"github.com/sampsyo/bluelet"
)

func sleeper(seconds int) bluelet.FiberFunc {
	return func(y *bluelet.Yielder) (interface{}, error) {
		fmt.Printf("Going to sleep for %d seconds...\n", seconds)
		if _, err := y.Yield(bluelet.Sleep(time.Duration(seconds) * time.Second)); err != nil {
			return nil, err
		}
		fmt.Printf("...woke up after %d seconds.\n", seconds)
		return nil, nil
	}
}

// sleepy is the root fiber. Since the root's termination ends the
// whole run, it must Join every sleeper it spawns before returning —
// otherwise the loop would tear them down the instant the spawn loop
// finished, before any of them woke up.
func sleepy(y *bluelet.Yielder) (interface{}, error) {
	var sleepers []interface{}
	for _, d := range []int{0, 1, 3, 5} {
		h, err := y.Yield(bluelet.Spawn(sleeper(d)))
		if err != nil {
			return nil, err
		}
		sleepers = append(sleepers, h)
	}
	for _, h := range sleepers {
		if _, err := y.Yield(bluelet.Join(h.(*bluelet.Fiber))); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func main() {
	if _, err := bluelet.Run(sleepy); err != nil {
		fmt.Println("sleepy:", err)
	}
}
