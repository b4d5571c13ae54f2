// Command echo runs a server that echoes back whatever each client
// sends, one handler fiber per connection.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/sampsyo/bluelet"
)

var cli struct {
	Host string `default:"" help:"Address to listen on."`
	Port int    `default:"4915" help:"Port to listen on."`
}

func echoer(conn *bluelet.Connection) bluelet.FiberFunc {
	return func(y *bluelet.Yielder) (interface{}, error) {
		for {
			v, err := y.Yield(conn.Recv(1024))
			if err != nil {
				return nil, err
			}
			data, _ := v.([]byte)
			if len(data) == 0 {
				return nil, nil
			}
			if _, err := y.Yield(conn.SendAll(data)); err != nil {
				return nil, err
			}
		}
	}
}

func main() {
	kong.Parse(&cli)

	_, err := bluelet.Run(bluelet.Server(cli.Host, cli.Port, echoer))
	if err != nil {
		fmt.Fprintln(os.Stderr, "echo:", err)
		os.Exit(1)
	}
}
