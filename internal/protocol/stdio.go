package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

const maxStdioLine = 1 << 20

// ServeStdio reads newline-delimited requests from in and writes responses and
// progress notifications to out, one JSON document per line. Requests run
// concurrently so a plan/cancel can reach a blocking plan/invoke. It returns
// when in is exhausted and every request has been answered.
func ServeStdio(ctx context.Context, server *Server, notifier *Notifier, in io.Reader, out io.Writer) error {
	var mu sync.Mutex
	writeLine := func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		if _, err := out.Write(append(data, '\n')); err != nil {
			server.logger.Warn("stdio write failed", "error", err)
		}
	}

	if notifier != nil {
		detach := notifier.Attach(func(n Notification) {
			data, err := json.Marshal(n)
			if err == nil {
				writeLine(data)
			}
		})
		defer detach()
	}

	p := pool.New().WithMaxGoroutines(8)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStdioLine)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		p.Go(func() {
			if resp := server.Handle(ctx, line); resp != nil {
				writeLine(resp)
			}
		})
	}
	p.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdio: %w", err)
	}
	return ctx.Err()
}
