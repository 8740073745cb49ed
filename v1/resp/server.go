// Package resp serves the address cache over the Redis serialization
// protocol, so redis-cli and Redis client libraries can drive it.
//
// Supported commands:
//
//	ADD <address>          +OK, or an error when the address does not resolve
//	DEL <address>          :1 when removed, :0 when absent
//	PEEK                   bulk "host/ip", or null
//	TAKE [timeout-seconds] bulk "host/ip"; null when the timeout elapses
//	SIZE                   :n
//	PING [message]
package resp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mirkobrombin/go-addrcache/v1/address"
	warperrors "github.com/mirkobrombin/go-addrcache/v1/errors"
)

// Cache is the cache engine consumed by the RESP front end.
type Cache interface {
	Insert(ctx context.Context, key string, value address.Address) bool
	Remove(ctx context.Context, key string) bool
	Peek(ctx context.Context) (address.Address, bool)
	Take(ctx context.Context) (address.Address, error)
	Size() int
}

// Server handles RESP connections.
type Server struct {
	cache    Cache
	resolver address.Resolver
	log      *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer returns a Server backed by c and r. A nil logger uses slog.Default.
func NewServer(c Cache, r address.Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cache: c, resolver: r, log: logger, conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections on ln until ctx is done, then closes ln and every
// open connection and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}()

	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("resp accept", "err", err)
				continue
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// session is the state of one client connection.
type session struct {
	conn net.Conn
	br   *bufio.Reader
	w    *writer
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("resp connection failed", "remote", conn.RemoteAddr(), "panic", r)
		}
	}()

	br := bufio.NewReader(conn)
	rd := newReader(br)
	sess := &session{conn: conn, br: br, w: newWriter(bufio.NewWriter(conn))}

	for {
		args, err := rd.ReadCommand()
		if err != nil {
			if errors.Is(err, errInvalidProtocol) {
				sess.w.WriteError(err.Error())
				_ = sess.w.Flush()
			} else if err != io.EOF && ctx.Err() == nil {
				s.log.Debug("resp read", "remote", conn.RemoteAddr(), "err", err)
			}
			return
		}
		s.execute(ctx, sess, args)

		// Answer pipelined commands in one flush.
		if br.Buffered() > 0 {
			continue
		}
		if err := sess.w.Flush(); err != nil {
			return
		}
	}
}

// watchHangup returns a context cancelled when the peer closes the
// connection. The returned stop func must be called before the connection
// is read again; it leaves any bytes the peer sent meanwhile buffered.
func (sess *session) watchHangup(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	if sess.br.Buffered() > 0 {
		// A pipelined command is already waiting, so the peer is alive.
		return ctx, cancel
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := sess.br.Peek(1); err != nil {
			cancel()
		}
	}()
	return ctx, func() {
		_ = sess.conn.SetReadDeadline(time.Now())
		<-done
		_ = sess.conn.SetReadDeadline(time.Time{})
		cancel()
	}
}

func (s *Server) execute(ctx context.Context, sess *session, args [][]byte) {
	w := sess.w
	if len(args) == 0 {
		return
	}
	cmd := strings.ToUpper(string(args[0]))
	argc := len(args) - 1

	switch cmd {
	case "ADD", "DEL":
		if argc != 1 {
			w.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
			return
		}
		a, err := s.resolver.Resolve(ctx, string(args[1]))
		if err != nil {
			w.WriteError("ERR address not found for the given ip address")
			return
		}
		if cmd == "ADD" {
			s.cache.Insert(ctx, a.Key(), a)
			w.WriteSimpleString("OK")
			return
		}
		if s.cache.Remove(ctx, a.Key()) {
			w.WriteInt(1)
		} else {
			w.WriteInt(0)
		}
	case "PEEK":
		if a, ok := s.cache.Peek(ctx); ok {
			w.WriteBulk([]byte(a.String()))
		} else {
			w.WriteNull()
		}
	case "TAKE":
		s.take(ctx, sess, args[1:])
	case "SIZE":
		w.WriteInt(int64(s.cache.Size()))
	case "PING":
		if argc > 0 {
			w.WriteBulk(args[1])
		} else {
			w.WriteSimpleString("PONG")
		}
	case "CLIENT", "COMMAND":
		w.WriteSimpleString("OK")
	default:
		w.WriteError(fmt.Sprintf("ERR unknown command '%s'", cmd))
	}
}

// maxTakeSeconds keeps the timeout within time.Duration.
const maxTakeSeconds = float64(math.MaxInt64 / int64(time.Second))

func (s *Server) take(ctx context.Context, sess *session, args [][]byte) {
	w := sess.w
	if len(args) > 1 {
		w.WriteError("ERR wrong number of arguments for 'take' command")
		return
	}
	if len(args) == 1 {
		secs, err := strconv.ParseFloat(string(args[0]), 64)
		if err != nil || secs < 0 || secs > maxTakeSeconds {
			w.WriteError("ERR timeout is not a float or out of range")
			return
		}
		if secs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
			defer cancel()
		}
	}
	// Replies to earlier pipelined commands must not wait behind the take.
	if err := w.Flush(); err != nil {
		return
	}

	ctx, stop := sess.watchHangup(ctx)
	a, err := s.cache.Take(ctx)
	stop()
	if errors.Is(err, context.DeadlineExceeded) {
		err = warperrors.ErrTimeout
	}
	switch {
	case err == nil:
		w.WriteBulk([]byte(a.String()))
	case errors.Is(err, warperrors.ErrTimeout):
		w.WriteNull()
	case errors.Is(err, warperrors.ErrClosed):
		w.WriteError("ERR cache closed")
	default:
		// The peer hung up or the server is stopping.
		s.log.Debug("resp take aborted", "remote", sess.conn.RemoteAddr(), "err", err)
	}
}
