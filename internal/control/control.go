// Package control serves the UNIX-socket control protocol gwctl speaks:
// status, stop, and kill <ip>, one line in, one or more lines out,
// terminated by a blank line.
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brightgate-gw/gwd/internal/lifecycle"
	"github.com/brightgate-gw/gwd/internal/session"
)

// Server accepts connections on a UNIX socket and dispatches the control
// vocabulary.
type Server struct {
	socketPath string
	table      *session.Table
	glue       *lifecycle.Glue
	slog       *zap.SugaredLogger
	startedAt  time.Time

	shutdown func()
}

// New returns a Server bound to socketPath. shutdown is invoked (once, in
// its own goroutine) when a "stop" command is received; it is expected to
// run FirewallBackend.Destroy() and then exit the process.
func New(socketPath string, table *session.Table, glue *lifecycle.Glue, slog *zap.SugaredLogger, shutdown func()) *Server {
	return &Server{socketPath: socketPath, table: table, glue: glue, slog: slog, startedAt: time.Now(), shutdown: shutdown}
}

// Run listens and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	defer ln.Close()
	defer os.Remove(s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if s.slog != nil {
					s.slog.Warnf("control: accept: %v", err)
				}
				continue
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	line := strings.TrimSpace(scanner.Text())
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	w := bufio.NewWriter(conn)
	defer w.Flush()

	switch fields[0] {
	case "status":
		s.handleStatus(w)
	case "stop":
		fmt.Fprintln(w, "OK")
		w.Flush()
		if s.shutdown != nil {
			go s.shutdown()
		}
	case "kill":
		if len(fields) != 2 {
			fmt.Fprintln(w, "Unknown command: "+line)
			break
		}
		if s.glue.Evict(ctx, fields[1]) {
			fmt.Fprintln(w, "OK")
		} else {
			fmt.Fprintln(w, "No such client")
		}
	default:
		fmt.Fprintln(w, "Unknown command: "+fields[0])
	}
	fmt.Fprintln(w)
}

func (s *Server) handleStatus(w *bufio.Writer) {
	counts := s.table.CountByMark()
	fmt.Fprintf(w, "uptime: %s\n", time.Since(s.startedAt).Round(time.Second))
	for _, mark := range []session.Mark{session.MarkUnknown, session.MarkProbation, session.MarkKnown, session.MarkLocked} {
		fmt.Fprintf(w, "%s: %d\n", mark, counts[mark])
	}

	clients := s.table.Snapshot()
	sort.Slice(clients, func(i, j int) bool { return clients[i].IP < clients[j].IP })
	for _, c := range clients {
		fmt.Fprintf(w, "%s %s %s in=%d out=%d gw=%d\n",
			c.IP, c.MAC, c.Mark, c.Counters.Incoming, c.Counters.Outgoing, c.Counters.ToGateway)
	}
}
