package p2p

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/WendelHime/segswarm/internal/decoder"
	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// helloChannel tags the first frame on a connection, naming the dialer.
const helloChannel byte = 0xff

const maxFrameLength = 1 << 20

var ErrFrameTooLarge = errors.New("frame too large")

type tcpConn struct {
	mu   sync.Mutex
	conn net.Conn
}

type tcpEndpoint struct {
	rank  int
	addrs []string
	ln    net.Listener
	codec decoder.FrameCodec
	box   *mailbox

	mu       sync.Mutex
	incoming []net.Conn
	closed   bool
	wg       sync.WaitGroup

	dialMu   sync.Mutex
	outgoing map[int]*tcpConn

	dialTimeout time.Duration
}

// ListenTCP starts the endpoint for rank, listening on addrs[rank]. addrs
// holds one host:port per rank.
func ListenTCP(rank int, addrs []string) (Endpoint, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, errors.Wrapf(ErrUnknownRank, "rank %d with %d addresses", rank, len(addrs))
	}
	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addrs[rank])
	}
	return NewTCPEndpoint(rank, ln, addrs), nil
}

// NewTCPEndpoint serves an already bound listener.
func NewTCPEndpoint(rank int, ln net.Listener, addrs []string) Endpoint {
	e := &tcpEndpoint{
		rank:        rank,
		addrs:       addrs,
		ln:          ln,
		codec:       decoder.NewFrameCodec(),
		box:         newMailbox(),
		outgoing:    make(map[int]*tcpConn),
		dialTimeout: 30 * time.Second,
	}
	e.wg.Add(1)
	go e.accept()
	return e
}

func (e *tcpEndpoint) Rank() int {
	return e.rank
}

func (e *tcpEndpoint) Size() int {
	return len(e.addrs)
}

func (e *tcpEndpoint) accept() {
	defer e.wg.Done()
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			conn.Close()
			return
		}
		e.incoming = append(e.incoming, conn)
		e.mu.Unlock()

		e.wg.Add(1)
		go e.serve(conn)
	}
}

func (e *tcpEndpoint) serve(conn net.Conn) {
	defer e.wg.Done()
	ch, body, err := readFrame(conn)
	if err != nil || ch != helloChannel {
		conn.Close()
		return
	}
	hello, err := e.codec.Decode(body)
	if err != nil || checkRoute(e.Size(), hello.Peer, Data) != nil {
		conn.Close()
		return
	}

	for {
		ch, body, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				e.box.fail(errors.Wrapf(err, "connection from %d", hello.Peer))
			}
			return
		}
		if Channel(ch) >= channelCount {
			e.box.fail(errors.Wrapf(ErrUnknownChannel, "frame from %d on channel %d", hello.Peer, ch))
			return
		}
		if err := e.box.put(Channel(ch), envelope{from: hello.Peer, body: body}); err != nil {
			return
		}
	}
}

func (e *tcpEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *tcpEndpoint) connection(ctx context.Context, to int) (*tcpConn, error) {
	e.dialMu.Lock()
	defer e.dialMu.Unlock()
	if e.isClosed() {
		return nil, ErrClosed
	}
	if c, ok := e.outgoing[to]; ok {
		return c, nil
	}

	var conn net.Conn
	dial := func() error {
		var err error
		d := net.Dialer{Timeout: e.dialTimeout}
		conn, err = d.DialContext(ctx, "tcp", e.addrs[to])
		return err
	}
	// Peers start independently, so the remote listener may not be up yet.
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, errors.Wrapf(err, "failed to dial rank %d at %s", to, e.addrs[to])
	}

	hello, err := e.codec.Encode(models.Frame{Peer: e.rank})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeFrame(conn, helloChannel, hello); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to greet rank %d", to)
	}

	c := &tcpConn{conn: conn}
	e.outgoing[to] = c
	return c, nil
}

func (e *tcpEndpoint) Send(ctx context.Context, to int, ch Channel, f models.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRoute(e.Size(), to, ch); err != nil {
		return err
	}
	body, err := e.codec.Encode(f)
	if err != nil {
		return err
	}
	if to == e.rank {
		return e.box.put(ch, envelope{from: e.rank, body: body})
	}

	c, err := e.connection(ctx, to)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeFrame(c.conn, byte(ch), body); err != nil {
		return errors.Wrapf(err, "send %s to %d", f.Command, to)
	}
	return nil
}

func (e *tcpEndpoint) Recv(ctx context.Context, from int, ch Channel) (models.Frame, int, error) {
	if from != AnySource {
		if err := checkRoute(e.Size(), from, ch); err != nil {
			return models.Frame{}, 0, err
		}
	}
	env, err := e.box.take(ctx, ch, from)
	if err != nil {
		return models.Frame{}, 0, err
	}
	f, err := e.codec.Decode(env.body)
	if err != nil {
		return models.Frame{}, env.from, err
	}
	return f, env.from, nil
}

func (e *tcpEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	err := e.ln.Close()
	for _, conn := range e.incoming {
		conn.Close()
	}
	e.mu.Unlock()

	e.dialMu.Lock()
	for _, c := range e.outgoing {
		c.conn.Close()
	}
	e.dialMu.Unlock()

	e.box.close()
	e.wg.Wait()
	return err
}

// writeFrame sends a 4-byte big-endian length, one channel byte and the body.
// The length counts the channel byte.
func writeFrame(w io.Writer, ch byte, body []byte) error {
	buf := make([]byte, 5, 5+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)+1))
	buf[4] = ch
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (byte, []byte, error) {
	lengthBuf, err := decoder.ReadBytes(r, 4)
	if err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)
	if length == 0 || length > maxFrameLength {
		return 0, nil, errors.Wrapf(ErrFrameTooLarge, "frame length %d", length)
	}
	payload, err := decoder.ReadBytes(r, int(length))
	if err != nil {
		return 0, nil, err
	}
	return payload[0], payload[1:], nil
}
