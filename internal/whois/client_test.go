package whois

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolverFunc func(ctx context.Context, host string, family Family) ([]netip.Addr, error)

func (f resolverFunc) LookupAddrs(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	return f(ctx, host, family)
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

func failingDialer(t *testing.T) NetDialer {
	return dialerFunc(func(context.Context, string, string) (net.Conn, error) {
		t.Fatal("dial must not be attempted")
		return nil, nil
	})
}

// serveOnce accepts one connection, records the request line and answers with response.
func serveOnce(t *testing.T, response string) (string, <-chan string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	requests := make(chan string, 1)
	go func() {
		defer close(requests)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		line, _ := bufio.NewReader(conn).ReadString('\n')
		requests <- line
		_, _ = io.WriteString(conn, response)
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	return port, requests
}

func TestClientQuery(t *testing.T) {
	port, requests := serveOnce(t, "Domain Name: EXAMPLE\r\n")

	var out bytes.Buffer
	n, err := NewClient().Query(context.Background(),
		Request{Server: "127.0.0.1", Port: port, Family: FamilyIPv4, Query: "example.com"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "Domain Name: EXAMPLE\r\n\n", out.String())
	assert.Equal(t, int64(len("Domain Name: EXAMPLE\r\n")), n)
	assert.Equal(t, "example.com\r\n", <-requests)
}

func TestClientQuery_LargeResponseIsStreamed(t *testing.T) {
	response := strings.Repeat("registrar: example registrar\n", 2000)
	port, _ := serveOnce(t, response)

	var writes int
	out := &countingWriter{onWrite: func() { writes++ }}
	n, err := NewClient().Query(context.Background(),
		Request{Server: "127.0.0.1", Port: port, Query: "com"}, out)
	require.NoError(t, err)

	assert.Equal(t, int64(len(response)), n)
	assert.Equal(t, response+"\n", out.buf.String())
	assert.Greater(t, writes, len(response)/recvBufSize)
}

type countingWriter struct {
	buf     bytes.Buffer
	onWrite func()
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.onWrite()
	return w.buf.Write(p)
}

func TestClientQuery_TraceIsAdditional(t *testing.T) {
	const response = "% IANA WHOIS server\nrefer: whois.verisign-grs.com\n"

	port, _ := serveOnce(t, response)
	var plain bytes.Buffer
	_, err := NewClient().Query(context.Background(),
		Request{Server: "127.0.0.1", Port: port, Query: "com"}, &plain)
	require.NoError(t, err)

	port, _ = serveOnce(t, response)
	var traced, trace bytes.Buffer
	_, err = NewClient(WithTrace(&trace)).Query(context.Background(),
		Request{Server: "127.0.0.1", Port: port, Query: "com"}, &traced)
	require.NoError(t, err)

	assert.Equal(t, plain.String(), traced.String())
	for _, line := range strings.Split(strings.TrimSpace(trace.String()), "\n") {
		if line == "" {
			continue
		}
		assert.True(t, strings.HasPrefix(line, "=== "), line)
	}
	assert.Contains(t, trace.String(), "=== WHOIS server 127.0.0.1, port "+port+"\n")
	assert.Contains(t, trace.String(), "=== Successfully connected to 127.0.0.1 (127.0.0.1), port "+port+"\n")
	assert.Contains(t, trace.String(), `=== Start sending command "com\r\n"`)
	assert.Contains(t, trace.String(), "=== Received 50 bytes\n")

	phases := []string{
		"=== Resolving 127.0.0.1",
		"=== Resolved 1 address(es)",
		"=== Creating socket descriptor",
		"=== Start connecting to 127.0.0.1",
		"=== Successfully connected",
		"=== Start sending command",
		"=== 127.0.0.1 response:",
		"=== Received 50 bytes",
	}
	last := -1
	for _, phase := range phases {
		i := strings.Index(trace.String(), phase)
		require.Greater(t, i, last, phase)
		last = i
	}
}

func TestClientQuery_FirstCandidateOnly(t *testing.T) {
	var dialed []string
	resolver := resolverFunc(func(context.Context, string, Family) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.2")}, nil
	})
	dialer := dialerFunc(func(_ context.Context, network, address string) (net.Conn, error) {
		dialed = append(dialed, network+" "+address)
		return nil, syscall.ECONNREFUSED
	})

	_, err := NewClient(WithResolver(resolver), WithDialer(dialer)).Query(context.Background(),
		Request{Server: "whois.example", Port: "43", Query: "com"}, io.Discard)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, []string{"tcp4 192.0.2.1:43"}, dialed)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.1:43"), connErr.Addr)
	assert.Equal(t, "failed connecting to whois.example (192.0.2.1), port 43: connection refused", err.Error())
}

func TestClientQuery_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	_, err = NewClient().Query(context.Background(),
		Request{Server: "127.0.0.1", Port: port, Query: "com"}, io.Discard)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "127.0.0.1", connErr.Server)
}

func TestClientQuery_SocketCreationError(t *testing.T) {
	dialer := dialerFunc(func(_ context.Context, network, address string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Net: network, Err: os.NewSyscallError("socket", syscall.EMFILE)}
	})

	_, err := NewClient(WithDialer(dialer)).Query(context.Background(),
		Request{Server: "127.0.0.1", Port: "43", Query: "com"}, io.Discard)

	var sockErr *SocketCreationError
	require.True(t, errors.As(err, &sockErr))
	assert.True(t, errors.Is(err, syscall.EMFILE))
}

func TestClientQuery_ResolutionErrors(t *testing.T) {
	t.Run("no candidates", func(t *testing.T) {
		resolver := resolverFunc(func(context.Context, string, Family) ([]netip.Addr, error) {
			return nil, nil
		})
		_, err := NewClient(WithResolver(resolver), WithDialer(failingDialer(t))).Query(context.Background(),
			Request{Server: "whois.example", Port: "43", Query: "com"}, io.Discard)

		var resErr *ResolutionError
		require.True(t, errors.As(err, &resErr))
		assert.False(t, resErr.System)
		assert.True(t, errors.Is(err, ErrNoAddress))
		assert.Equal(t, "whois.example: no address associated with hostname", err.Error())
	})

	t.Run("name not found", func(t *testing.T) {
		resolver := resolverFunc(func(_ context.Context, host string, _ Family) ([]netip.Addr, error) {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		})
		_, err := NewClient(WithResolver(resolver), WithDialer(failingDialer(t))).Query(context.Background(),
			Request{Server: "nonexistent.invalid", Port: "43", Query: "com"}, io.Discard)

		var resErr *ResolutionError
		require.True(t, errors.As(err, &resErr))
		assert.False(t, resErr.System)
		assert.Equal(t, "nonexistent.invalid", resErr.Server)
	})

	t.Run("system failure", func(t *testing.T) {
		resolver := resolverFunc(func(context.Context, string, Family) ([]netip.Addr, error) {
			return nil, os.NewSyscallError("socket", syscall.EMFILE)
		})
		_, err := NewClient(WithResolver(resolver), WithDialer(failingDialer(t))).Query(context.Background(),
			Request{Server: "whois.example", Port: "43", Query: "com"}, io.Discard)

		var resErr *ResolutionError
		require.True(t, errors.As(err, &resErr))
		assert.True(t, resErr.System)
	})

	t.Run("invalid port", func(t *testing.T) {
		_, err := NewClient(WithDialer(failingDialer(t))).Query(context.Background(),
			Request{Server: "127.0.0.1", Port: "99999", Query: "com"}, io.Discard)

		var resErr *ResolutionError
		require.True(t, errors.As(err, &resErr))
	})

	t.Run("family mismatch", func(t *testing.T) {
		_, err := NewClient(WithDialer(failingDialer(t))).Query(context.Background(),
			Request{Server: "127.0.0.1", Port: "43", Family: FamilyIPv6, Query: "com"}, io.Discard)

		assert.True(t, errors.Is(err, ErrNoAddress))
	})
}

func TestClientQuery_SendErrors(t *testing.T) {
	testCases := []struct {
		name  string
		write func([]byte) (int, error)
		cause error
	}{
		{"zero bytes accepted", func([]byte) (int, error) { return 0, nil }, ErrNoBytesAccepted},
		{"transport error", func([]byte) (int, error) { return 0, syscall.EPIPE }, syscall.EPIPE},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var closed bool
			conn := &netstub.FuncConn{
				WriteFunc: tc.write,
				CloseFunc: func() error {
					closed = true
					return nil
				},
			}
			dialer := dialerFunc(func(context.Context, string, string) (net.Conn, error) {
				return conn, nil
			})

			_, err := NewClient(WithDialer(dialer)).Query(context.Background(),
				Request{Server: "127.0.0.1", Port: "43", Query: "example.com"}, io.Discard)

			var sendErr *SendError
			require.True(t, errors.As(err, &sendErr))
			assert.True(t, errors.Is(err, tc.cause))
			assert.Equal(t, "example.com", sendErr.Query)
			assert.True(t, closed, "connection must be closed on failure")
		})
	}
}

func TestClientQuery_ReadErrorEndsStreamSilently(t *testing.T) {
	chunks := []string{"Domain Name: EXAMPLE\r\n", "Registrar: "}
	conn := &netstub.FuncConn{
		WriteFunc: func(b []byte) (int, error) { return len(b), nil },
		ReadFunc: func(b []byte) (int, error) {
			if len(chunks) == 0 {
				return 0, syscall.ECONNRESET
			}
			n := copy(b, chunks[0])
			chunks = chunks[1:]
			return n, nil
		},
		CloseFunc: func() error { return nil },
	}
	dialer := dialerFunc(func(context.Context, string, string) (net.Conn, error) {
		return conn, nil
	})

	var hooked error
	var out bytes.Buffer
	n, err := NewClient(WithDialer(dialer), WithReadErrorHook(func(err error) { hooked = err })).
		Query(context.Background(), Request{Server: "127.0.0.1", Port: "43", Query: "example.com"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "Domain Name: EXAMPLE\r\nRegistrar: \n", out.String())
	assert.Equal(t, int64(33), n)
	assert.True(t, errors.Is(hooked, syscall.ECONNRESET))
}

func TestLookup(t *testing.T) {
	port, requests := serveOnce(t, "refer: whois.nic.example\n")

	whoisInfo, err := Lookup(context.Background(), "127.0.0.1", port, "example")
	require.NoError(t, err)

	assert.Equal(t, "refer: whois.nic.example\n\n", whoisInfo)
	assert.Equal(t, "example\r\n", <-requests)
}

func TestLookup_Negative(t *testing.T) {
	_, err := Lookup(context.Background(), "127.0.0.1", "abc", "example.com")
	require.Error(t, err)
}
