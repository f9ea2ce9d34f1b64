package oauth

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/cinephile/accountsync/pkg/errors"
)

// Callback carries the parsed query parameters of the provider redirect.
type Callback struct {
	Code      string
	State     string
	ErrorCode string // the provider's error parameter, e.g. access_denied
}

// Listener accepts exactly one authorization redirect on an ephemeral
// loopback port. It speaks just enough HTTP to read the redirect's request
// line and answer with a confirmation page; any connection after the first
// is aborted so a late or duplicate redirect can never be interpreted as a
// second authorization.
type Listener struct {
	ln            net.Listener
	logger        *slog.Logger
	expectedState string
	callbackCh    chan Callback
	closeOnce     sync.Once
}

// NewListener binds to an ephemeral port on the loopback interface and
// starts accepting. expectedState is the nonce the redirect must echo for
// the browser to be shown the success page.
func NewListener(expectedState string, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind loopback listener: %w", err)
	}

	l := &Listener{
		ln:            ln,
		logger:        logger,
		expectedState: expectedState,
		callbackCh:    make(chan Callback, 1),
	}
	go l.acceptLoop()
	return l, nil
}

// Port returns the ephemeral port the listener is bound to.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// RedirectURI returns the redirect URI to register with the authorization
// request. The provider requires the "localhost" form for loopback clients.
func (l *Listener) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d", l.Port())
}

// Wait blocks until the redirect arrives or the context expires.
func (l *Listener) Wait(ctx context.Context) (Callback, error) {
	select {
	case cb := <-l.callbackCh:
		return cb, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			l.logger.Warn("redirect never arrived before the deadline")
		}
		return Callback{}, apperrors.Canceled("wait for authorization redirect")
	}
}

// Close stops the listener. Safe to call more than once.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.ln.Close()
	})
	return err
}

func (l *Listener) acceptLoop() {
	handled := false
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return // listener closed
		}
		if handled {
			l.logger.Warn("aborting extra connection on redirect listener",
				slog.String("remote", conn.RemoteAddr().String()),
			)
			abort(conn)
			continue
		}
		handled = true
		l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(conn)
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		l.logger.Warn("failed to read redirect request line", slog.String("error", err.Error()))
		return
	}

	cb, err := parseRequestLine(requestLine)
	if err != nil {
		l.logger.Warn("malformed redirect request", slog.String("error", err.Error()))
		respond(conn, failurePage)
		return
	}

	respond(conn, confirmationPage(cb, l.expectedState))
	l.callbackCh <- cb
}

// parseRequestLine extracts the callback parameters from an HTTP request
// line of the form "GET /?code=...&state=... HTTP/1.1".
func parseRequestLine(line string) (Callback, error) {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) < 2 {
		return Callback{}, fmt.Errorf("short request line %q", line)
	}
	if parts[0] != "GET" {
		return Callback{}, fmt.Errorf("unexpected method %q", parts[0])
	}

	target, err := url.Parse(parts[1])
	if err != nil {
		return Callback{}, fmt.Errorf("parse request target: %w", err)
	}

	query := target.Query()
	return Callback{
		Code:      query.Get("code"),
		State:     query.Get("state"),
		ErrorCode: query.Get("error"),
	}, nil
}

func respond(conn net.Conn, page string) {
	response := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(page), page,
	)
	_, _ = conn.Write([]byte(response))
}

// abort resets the connection instead of letting it queue behind the
// already-handled redirect.
func abort(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = conn.Close()
}
