// Command delegation shows a parent fiber delegating into a child and
// receiving the child's terminal value back once it ends.
package main

import (
	"fmt"

	"github.com/sampsyo/bluelet"
)

func child(y *bluelet.Yielder) (interface{}, error) {
	fmt.Println("Child started.")
	if _, err := y.Yield(bluelet.Null()); err != nil {
		return nil, err
	}
	fmt.Println("Child resumed.")
	if _, err := y.Yield(bluelet.Null()); err != nil {
		return nil, err
	}
	fmt.Println("Child ending.")
	return y.Yield(bluelet.End(42))
}

func parent(y *bluelet.Yielder) (interface{}, error) {
	fmt.Println("Parent started.")
	if _, err := y.Yield(bluelet.Null()); err != nil {
		return nil, err
	}
	fmt.Println("Parent resumed.")
	result, err := y.Yield(bluelet.Delegate(child))
	if err != nil {
		return nil, err
	}
	fmt.Printf("Child returned: %#v\n", result)
	fmt.Println("Parent ending.")
	return nil, nil
}

func main() {
	if _, err := bluelet.Run(parent); err != nil {
		fmt.Println("delegation:", err)
	}
}
