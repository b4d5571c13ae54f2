// Command crawler fetches a handful of pages concurrently, one fiber
// per host, fanning out with Spawn and joining every fetch before
// printing a summary. Each fetch issues a minimal hand-rolled HTTP/1.0
// GET over a fiber Connection. Once every fetch has joined, crawl
// closes the whole fan-out of connections together via CloseAll
// rather than one at a time.
package main

import (
	"fmt"
	"strings"

	"github.com/sampsyo/bluelet"
)

var hosts = []string{
	"example.com",
	"example.net",
	"example.org",
}

type result struct {
	host string
	conn *bluelet.Connection
	body string
	err  error
}

// fetch leaves its connection open on return; crawl closes the whole
// fan-out together once every fetch has joined, instead of each fetch
// closing its own connection the instant it's done.
func fetch(host string, out *result) bluelet.FiberFunc {
	return func(y *bluelet.Yielder) (interface{}, error) {
		conn, err := bluelet.ConnectFiber(y, host, 80)
		if err != nil {
			out.err = err
			return nil, nil
		}
		out.conn = conn

		req := fmt.Sprintf("GET / HTTP/1.0\r\nHost: %s\r\n\r\n", host)
		if _, err := y.Yield(conn.SendAll([]byte(req))); err != nil {
			out.err = err
			return nil, nil
		}

		var resp strings.Builder
		for {
			v, err := y.Yield(conn.Recv(4096))
			if err != nil {
				out.err = err
				return nil, nil
			}
			data, _ := v.([]byte)
			if len(data) == 0 {
				break
			}
			resp.Write(data)
		}
		out.body = resp.String()
		return nil, nil
	}
}

func crawl(results map[string]*result) bluelet.FiberFunc {
	return func(y *bluelet.Yielder) (interface{}, error) {
		var handles []*bluelet.Fiber
		for _, host := range hosts {
			r := &result{host: host}
			results[host] = r
			h, err := y.Yield(bluelet.Spawn(fetch(host, r)))
			if err != nil {
				return nil, err
			}
			handles = append(handles, h.(*bluelet.Fiber))
		}
		for _, h := range handles {
			y.Yield(bluelet.Join(h))
		}

		var conns []*bluelet.Connection
		for _, host := range hosts {
			if c := results[host].conn; c != nil {
				conns = append(conns, c)
			}
		}
		return nil, bluelet.CloseAll(conns)
	}
}

func main() {
	results := make(map[string]*result, len(hosts))

	if _, err := bluelet.Run(crawl(results)); err != nil {
		fmt.Println("crawler:", err)
	}

	for _, host := range hosts {
		r := results[host]
		if r.err != nil {
			fmt.Printf("%s: error: %v\n", host, r.err)
			continue
		}
		fmt.Printf("%s: %d bytes\n", host, len(r.body))
	}
}
