// Package guacd connects websocket tunnels to a Guacamole proxy daemon.
//
// It performs the guacd configuration handshake (protocol selection,
// display parameters, connection arguments) and then exposes the raw
// instruction stream as a backend transport: the browser-side Guacamole
// client speaks the wire format itself, so mid-session traffic is relayed
// verbatim in both directions.
package guacd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConnectTimeout bounds the TCP dial and the configuration handshake.
const ConnectTimeout = 10 * time.Second

// Display defaults sent during the handshake.
const (
	DefaultWidth  = 1280
	DefaultHeight = 720
	DefaultDPI    = 96
)

// protocolVersion is offered when guacd predates version negotiation.
const protocolVersion = "VERSION_1_1_0"

// Config describes the connection guacd should establish on our behalf.
type Config struct {
	// Protocol is the remote protocol guacd speaks to the lab node,
	// e.g. "ssh".
	Protocol string
	// Parameters are the protocol parameters (hostname, port, username,
	// password, ...). Parameters guacd asks for that are absent here are
	// sent empty.
	Parameters map[string]string

	Width  int
	Height int
	DPI    int
}

// Tunnel is an established guacd connection after the handshake.
type Tunnel struct {
	// ConnectionID is the guacd-assigned id from the ready instruction.
	ConnectionID string

	conn   net.Conn
	reader *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

// Connect dials guacd and runs the configuration handshake. On any
// failure the socket is released and an error describing the handshake
// stage is returned.
func Connect(ctx context.Context, addr string, cfg Config) (*Tunnel, error) {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.DPI <= 0 {
		cfg.DPI = DefaultDPI
	}

	dialer := net.Dialer{Timeout: ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial guacd %s: %w", addr, err)
	}

	// The whole handshake runs under one deadline.
	conn.SetDeadline(time.Now().Add(ConnectTimeout))
	reader := bufio.NewReader(conn)

	if err := send(conn, "select", cfg.Protocol); err != nil {
		conn.Close()
		return nil, err
	}

	args, err := readInstruction(reader)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read args: %w", err)
	}
	if args.opcode != "args" {
		conn.Close()
		return nil, fmt.Errorf("unexpected instruction %q, want args", args.opcode)
	}

	version := protocolVersion
	names := args.args
	if len(names) > 0 && strings.HasPrefix(names[0], "VERSION_") {
		version = names[0]
		names = names[1:]
	}

	if err := send(conn, "size",
		strconv.Itoa(cfg.Width), strconv.Itoa(cfg.Height), strconv.Itoa(cfg.DPI)); err != nil {
		conn.Close()
		return nil, err
	}
	for _, opcode := range []string{"audio", "video", "image"} {
		if err := send(conn, opcode); err != nil {
			conn.Close()
			return nil, err
		}
	}

	values := make([]string, 0, len(names)+1)
	values = append(values, version)
	for _, name := range names {
		values = append(values, cfg.Parameters[name])
	}
	if err := send(conn, "connect", values...); err != nil {
		conn.Close()
		return nil, err
	}

	ready, err := readInstruction(reader)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read ready: %w", err)
	}
	if ready.opcode != "ready" {
		conn.Close()
		return nil, fmt.Errorf("unexpected instruction %q, want ready", ready.opcode)
	}
	var id string
	if len(ready.args) > 0 {
		id = ready.args[0]
	}

	conn.SetDeadline(time.Time{})
	return &Tunnel{ConnectionID: id, conn: conn, reader: reader}, nil
}

func send(w io.Writer, opcode string, args ...string) error {
	in := instruction{opcode: opcode, args: args}
	if _, err := io.WriteString(w, in.String()); err != nil {
		return fmt.Errorf("send %s: %w", opcode, err)
	}
	return nil
}

// Input returns the stream carrying client instructions to guacd.
func (t *Tunnel) Input() io.Writer { return t.conn }

// Output returns the guacd instruction stream. It must be read through
// the tunnel's reader so bytes buffered during the handshake are not lost.
func (t *Tunnel) Output() io.Reader { return t.reader }

// Errout returns nil: guacd multiplexes everything on one stream.
func (t *Tunnel) Errout() io.Reader { return nil }

// Resize forwards new terminal dimensions as a display size instruction,
// using the original 8x16 pixel cell geometry.
func (t *Tunnel) Resize(cols, rows int) error {
	return send(t.conn, "size", strconv.Itoa(cols*8), strconv.Itoa(rows*16))
}

// Close sends a best-effort disconnect and releases the socket. The wait
// bound caps how long the disconnect write may block.
func (t *Tunnel) Close(wait time.Duration) error {
	t.closeOnce.Do(func() {
		if wait > 0 {
			t.conn.SetWriteDeadline(time.Now().Add(wait))
		}
		send(t.conn, "disconnect")
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
