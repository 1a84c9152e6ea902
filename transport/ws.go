package transport

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/companyzero/msgpull/fetch"
	"github.com/companyzero/msgpull/rpc"
	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	wsHandshakeTimeout = 15 * time.Second
	wsWriteTimeout     = 5 * time.Second
	wsPongTimeout      = 10 * time.Second
	pingPayloadSize    = 16
)

var errSocketNotOpen = errors.New("socket not open")

// Credentials authenticate the account against the server.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) header() http.Header {
	h := make(http.Header)
	if c.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		h.Set("Authorization", "Basic "+auth)
	}
	return h
}

// WSSocketConfig is the configuration for a WSSocket.
type WSSocketConfig struct {
	URL         string
	Credentials Credentials
	Dial        DialFunc
	TLSConfig   *tls.Config

	// PingInterval defaults to 30 seconds.
	PingInterval time.Duration

	Log slog.Logger
}

// WSSocket is a fetch.Socket over a websocket connection. A WSSocket is
// opened once. After an error it must be closed and replaced.
type WSSocket struct {
	cfg WSSocketConfig
	log slog.Logger

	mtx  sync.Mutex
	conn *websocket.Conn
}

var _ fetch.Socket = (*WSSocket)(nil)

// NewWSSocket creates a new, unopened socket.
func NewWSSocket(cfg WSSocketConfig) *WSSocket {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &WSSocket{cfg: cfg, log: log}
}

// SocketFactory returns a factory of sockets with cfg.
func SocketFactory(cfg WSSocketConfig) fetch.SocketFactory {
	return func() fetch.Socket { return NewWSSocket(cfg) }
}

func (s *WSSocket) Open(ctx context.Context) error {
	dialer := websocket.Dialer{
		NetDialContext:   s.cfg.Dial,
		TLSClientConfig:  s.cfg.TLSConfig,
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   4096,
	}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, s.cfg.Credentials.header())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("unable to open socket (status %d): %w",
				resp.StatusCode, err)
		}
		return fmt.Errorf("unable to open socket: %w", err)
	}
	conn.SetReadLimit(rpc.MaxFrameSize)

	s.mtx.Lock()
	s.conn = conn
	s.mtx.Unlock()
	s.log.Debugf("Socket connected to %s", s.cfg.URL)
	return nil
}

func (s *WSSocket) getConn() (*websocket.Conn, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.conn == nil {
		return nil, errSocketNotOpen
	}
	return s.conn, nil
}

func (s *WSSocket) ack(conn *websocket.Conn, tag uint32, guid string) error {
	b, err := rpc.EncodeFrame(rpc.Message{
		Command:   rpc.CmdAck,
		Tag:       tag,
		TimeStamp: time.Now().UnixMilli(),
	}, rpc.Ack{GUID: guid})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

func (s *WSSocket) readLoop(ctx context.Context, conn *websocket.Conn, timeout time.Duration,
	onEnvelope func(*rpc.Envelope) error) error {

	for {
		conn.SetReadDeadline(time.Now().Add(timeout))
		_, r, err := conn.NextReader()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("unable to read frame: %w", err)
		}
		frame, err := rpc.DecodeFrame(r, rpc.MaxFrameSize)
		if err != nil {
			return err
		}

		switch frame.Command {
		case rpc.CmdQueueEmpty:
			return nil

		case rpc.CmdEnvelope:
			if err := onEnvelope(frame.Envelope); err != nil {
				return err
			}
			if err := s.ack(conn, frame.Tag, frame.Envelope.ServerGUID); err != nil {
				return fmt.Errorf("unable to ack envelope: %w", err)
			}

		default:
			return fmt.Errorf("unexpected %s frame from server", frame.Command)
		}
	}
}

func (s *WSSocket) pingLoop(ctx context.Context, conn *websocket.Conn, pongs chan []byte) error {
	ping := make([]byte, pingPayloadSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.PingInterval):
		}

		_, _ = rand.Read(ping)
		err := conn.WriteControl(websocket.PingMessage, ping,
			time.Now().Add(wsWriteTimeout))
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wsPongTimeout):
			return errors.New("pong timeout")
		case pong := <-pongs:
			if string(pong) != string(ping) {
				return errors.New("ping data != pong data")
			}
		}
	}
}

func (s *WSSocket) ReceiveEnvelopesUntilTimeout(ctx context.Context, timeout time.Duration,
	onEnvelope func(*rpc.Envelope) error) error {

	conn, err := s.getConn()
	if err != nil {
		return err
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(readCtx)

	// Unblock the reader when the fetch is canceled. The callback must have
	// returned before the conn is handed to the next receive, otherwise its
	// deadline could interrupt that one.
	unblocked := make(chan struct{})
	stop := context.AfterFunc(gctx, func() {
		conn.SetReadDeadline(time.Now())
		close(unblocked)
	})

	pongs := make(chan []byte, 1)
	conn.SetPongHandler(func(data string) error {
		select {
		case pongs <- []byte(data):
		default:
		}
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return s.readLoop(ctx, conn, timeout, onEnvelope)
	})
	g.Go(func() error { return s.pingLoop(gctx, conn, pongs) })
	err = g.Wait()
	if !stop() {
		<-unblocked
	}
	return err
}

func (s *WSSocket) Close() error {
	s.mtx.Lock()
	conn := s.conn
	s.conn = nil
	s.mtx.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}
