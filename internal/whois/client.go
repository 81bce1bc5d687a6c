package whois

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// recvBufSize bounds a single read; every chunk is forwarded as soon as it arrives.
const recvBufSize = 256

// NetDialer is typically [*net.Dialer].
type NetDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Request is one query against one server.
type Request struct {
	Server string
	Port   string
	Family Family
	Query  string
}

// Client performs single WHOIS exchanges: resolve, connect to the first
// candidate, send the query line, stream the answer until the peer closes.
type Client struct {
	resolver    Resolver
	dialer      NetDialer
	logger      logrus.FieldLogger
	trace       *tracer
	onReadError func(error)
}

type Option func(*Client)

func WithResolver(r Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

func WithDialer(d NetDialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTrace enables step-by-step narration written to w.
func WithTrace(w io.Writer) Option {
	return func(c *Client) { c.trace = &tracer{w: w} }
}

// WithReadErrorHook registers fn to observe read errors that end the response
// stream. They never change the result of Query.
func WithReadErrorHook(fn func(error)) Option {
	return func(c *Client) { c.onReadError = fn }
}

func NewClient(opts ...Option) *Client {
	logger := logrus.New()
	logger.Out = io.Discard

	c := &Client{
		resolver: NewSystemResolver(),
		dialer:   &net.Dialer{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup queries server:port and returns the whole answer, trailing newline included.
func Lookup(ctx context.Context, server, port, query string) (string, error) {
	var sb strings.Builder
	_, err := NewClient().Query(ctx, Request{Server: server, Port: port, Query: query}, &sb)
	return sb.String(), err
}

// Query runs the exchange described by req and copies the response to w as it
// arrives, followed by a single newline. It returns the number of response bytes.
//
// Output already written to w is never retracted, even if a later step fails.
func (c *Client) Query(ctx context.Context, req Request, w io.Writer) (int64, error) {
	c.trace.printf("WHOIS server %s, port %s", req.Server, req.Port)
	c.trace.printf("Querying %s", req.Query)

	// 1. resolve the server, keep the first candidate only
	addr, err := c.resolve(ctx, req)
	if err != nil {
		return 0, err
	}

	// 2. connect
	conn, err := c.connect(ctx, req.Server, addr)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			c.logger.WithError(cerr).Debug("error while closing connection")
		}
	}()

	// 3. send the query line
	if err := c.send(conn, req.Query); err != nil {
		return 0, err
	}

	// 4. stream the response
	c.trace.printf("%s response:\n", req.Server)
	received, err := c.receive(conn, w)
	if err != nil {
		return received, err
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return received, errors.WithMessage(err, "error while writing response")
	}
	c.trace.printf("Received %d bytes", received)

	return received, nil
}

func (c *Client) resolve(ctx context.Context, req Request) (netip.AddrPort, error) {
	port, err := strconv.ParseUint(req.Port, 10, 16)
	if err != nil || port == 0 {
		return netip.AddrPort{}, &ResolutionError{Server: req.Server, Err: errors.Errorf("invalid port %q", req.Port)}
	}

	c.trace.printf("Resolving %s (%s)", req.Server, req.Family)
	addrs, err := c.resolver.LookupAddrs(ctx, req.Server, req.Family)
	if err != nil {
		var dnsErr *net.DNSError
		return netip.AddrPort{}, &ResolutionError{Server: req.Server, System: !errors.As(err, &dnsErr), Err: err}
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, &ResolutionError{Server: req.Server, Err: ErrNoAddress}
	}

	c.logger.WithFields(logrus.Fields{"server": req.Server, "candidates": addrs}).Debug("server resolved")
	c.trace.printf("Resolved %d address(es)", len(addrs))

	return netip.AddrPortFrom(addrs[0], uint16(port)), nil
}

func (c *Client) connect(ctx context.Context, server string, addr netip.AddrPort) (net.Conn, error) {
	network := "tcp4"
	if addr.Addr().Is6() {
		network = "tcp6"
	}

	// net.Dialer creates the socket and connects in one call
	c.trace.printf("Creating socket descriptor")
	c.trace.printf("Start connecting to %s (%s), port %d", server, addr.Addr(), addr.Port())
	conn, err := c.dialer.DialContext(ctx, network, addr.String())
	if err != nil {
		var sysErr *os.SyscallError
		if errors.As(err, &sysErr) && sysErr.Syscall == "socket" {
			return nil, &SocketCreationError{Err: err}
		}
		return nil, &ConnectionError{Server: server, Addr: addr, Err: err}
	}
	c.trace.printf("Successfully connected to %s (%s), port %d", server, addr.Addr(), addr.Port())

	return conn, nil
}

func (c *Client) send(conn net.Conn, query string) error {
	c.trace.printf("Start sending command %q", query+"\r\n")

	n, err := conn.Write([]byte(query + "\r\n"))
	if err != nil {
		return &SendError{Query: query, Err: err}
	}
	if n == 0 {
		return &SendError{Query: query, Err: ErrNoBytesAccepted}
	}

	return nil
}

// receive copies the connection to w chunk by chunk. A read error ends the
// stream the same way EOF does.
func (c *Client) receive(conn net.Conn, w io.Writer) (int64, error) {
	var received int64
	buf := make([]byte, recvBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return received, errors.WithMessage(werr, "error while writing response")
			}
			received += int64(n)
		}

		if err != nil {
			if err != io.EOF {
				c.logger.WithError(err).Debug("response stream ended with read error")
				if c.onReadError != nil {
					c.onReadError(err)
				}
			}
			return received, nil
		}
	}
}

type tracer struct {
	w io.Writer
}

func (t *tracer) printf(format string, args ...interface{}) {
	if t == nil {
		return
	}
	_, _ = fmt.Fprintf(t.w, "=== "+format+"\n", args...)
}
