// Command httpd is a tiny static-file/directory-listing HTTP
// responder built directly on Connection.Recv/SendAll rather than
// net/http, so each request is served by a single cooperative fiber.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/sampsyo/bluelet"
)

var cli struct {
	Host string `default:"" help:"Address to listen on."`
	Port int    `default:"8088" help:"Port to listen on."`
	Root string `default:"." help:"Directory to serve."`
}

func parseRequest(s string) (method, path string, err error) {
	line := s
	if idx := strings.Index(s, "\r\n"); idx >= 0 {
		line = s[:idx]
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("httpd: malformed request line %q", line)
	}
	return fields[0], fields[1], nil
}

func respond(path string) (status, contentType, body string) {
	name := strings.TrimPrefix(path, "/")
	full := filepath.Join(cli.Root, name)

	info, err := os.Stat(full)
	switch {
	case err == nil && info.IsDir():
		entries, _ := os.ReadDir(full)
		var items strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&items, "<li><a href=\"%s\">%s</a></li>", e.Name(), e.Name())
		}
		html := fmt.Sprintf("<html><head><title>%s</title></head><body><h1>%s</h1><ul>%s</ul></body></html>",
			path, path, items.String())
		return "200 OK", "text/html", html

	case err == nil:
		data, readErr := os.ReadFile(full)
		if readErr != nil {
			return "404 Not Found", "text/html",
				"<html><head><title>404 Not Found</title></head><body><h1>Not found.</h1></body></html>"
		}
		return "200 OK", "text/plain", string(data)

	default:
		return "404 Not Found", "text/html",
			"<html><head><title>404 Not Found</title></head><body><h1>Not found.</h1></body></html>"
	}
}

func webrequest(conn *bluelet.Connection) bluelet.FiberFunc {
	return func(y *bluelet.Yielder) (interface{}, error) {
		var request strings.Builder
		for {
			v, err := y.Yield(conn.Recv(1024))
			if err != nil {
				return nil, err
			}
			data, _ := v.([]byte)
			if len(data) == 0 {
				break
			}
			request.Write(data)
			if strings.Contains(request.String(), "\r\n\r\n") {
				break
			}
		}

		method, path, err := parseRequest(request.String())
		if err != nil {
			return nil, err
		}
		fmt.Printf("%s %s\n", method, path)

		status, contentType, body := respond(path)

		if _, err := y.Yield(conn.SendAll([]byte(fmt.Sprintf("HTTP/1.1 %s\r\n", status)))); err != nil {
			return nil, err
		}
		if _, err := y.Yield(conn.SendAll([]byte(fmt.Sprintf("Content-Type: %s\r\n", contentType)))); err != nil {
			return nil, err
		}
		if _, err := y.Yield(conn.SendAll([]byte("\r\n"))); err != nil {
			return nil, err
		}
		_, err = y.Yield(conn.SendAll([]byte(body)))
		return nil, err
	}
}

func main() {
	kong.Parse(&cli)

	_, err := bluelet.Run(bluelet.Server(cli.Host, cli.Port, webrequest))
	if err != nil {
		fmt.Fprintln(os.Stderr, "httpd:", err)
		os.Exit(1)
	}
}
