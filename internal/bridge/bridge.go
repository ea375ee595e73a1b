// Package bridge pumps bytes between a client-facing streaming connection
// and a backend transport channel (an SSH shell or a guacd tunnel).
//
// Each websocket connection owns exactly one Bridge. The bridge spawns one
// pump goroutine per backend output stream and decodes inbound client
// frames into terminal data or resize requests. Teardown runs exactly once
// no matter which side fails first, and reports completion through a
// callback so quota settlement happens exactly once per session.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Frame type tags on the client protocol. Each inbound text frame starts
// with one tag byte; tagged egress uses the same scheme.
const (
	TagData   byte = '0'
	TagResize byte = '1'
)

// MinCols and MinRows are the lower bounds applied to resize requests.
const (
	MinCols = 20
	MinRows = 10
)

// pumpBufferSize is the read buffer for each backend output pump.
const pumpBufferSize = 8192

// DefaultCloseWait bounds how long teardown waits for the backend channel
// to acknowledge close before resources are force-released.
const DefaultCloseWait = 5 * time.Second

// State is the externally observable bridge lifecycle state.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Transport is a pre-built backend channel offering blocking streams and a
// resize control call. The bridge owns its transport exclusively.
type Transport interface {
	// Input is the stream carrying client keystrokes to the backend.
	// Writes must take effect immediately (interactive terminal).
	Input() io.Writer
	// Output is the primary backend output stream.
	Output() io.Reader
	// Errout is a secondary output stream, or nil when the transport
	// exposes a single stream.
	Errout() io.Reader
	// Resize applies new pseudo-terminal dimensions.
	Resize(cols, rows int) error
	// Close releases the channel, waiting at most the given duration for
	// the backend to acknowledge before force-releasing.
	Close(wait time.Duration) error
}

// ClientWriter delivers one outbound frame to the client connection.
type ClientWriter interface {
	WriteFrame(p []byte) error
}

// Options configures a Bridge.
type Options struct {
	// TagOutput prefixes every egress frame with TagData and enables
	// inbound tag decoding. A bridge relaying a single opaque stream
	// (guacd) leaves this false and forwards frames verbatim.
	TagOutput bool
	// CloseWait overrides DefaultCloseWait when positive.
	CloseWait time.Duration
	// OnClosed runs exactly once after teardown completes. Used to settle
	// the quota session and to drop the registry entry.
	OnClosed func()
}

// Bridge ties one client connection to one backend transport.
type Bridge struct {
	// ID is the connection id the bridge is registered under.
	ID string

	transport Transport
	client    ClientWriter
	opts      Options

	mu    sync.Mutex
	state State

	cancel    context.CancelFunc
	pumps     sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a bridge in the open state. Call Start to begin pumping.
func New(id string, transport Transport, client ClientWriter, opts Options) *Bridge {
	if opts.CloseWait <= 0 {
		opts.CloseWait = DefaultCloseWait
	}
	return &Bridge{
		ID:        id,
		transport: transport,
		client:    client,
		opts:      opts,
		state:     StateOpen,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done is closed once teardown has completed.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Start spawns the pump goroutines. The bridge closes itself when any pump
// ends or when the context is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	pumpCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.startPump(pumpCtx, b.transport.Output())
	if errout := b.transport.Errout(); errout != nil {
		b.startPump(pumpCtx, errout)
	}

	go func() {
		<-pumpCtx.Done()
		b.Close()
	}()
}

func (b *Bridge) startPump(ctx context.Context, src io.Reader) {
	b.pumps.Add(1)
	go func() {
		// Done must run before Close: Close waits on the pump group.
		defer b.Close()
		defer b.pumps.Done()
		b.pump(ctx, src)
	}()
}

// pump copies backend output to the client until EOF, a read error, or a
// client write failure. Egress frames preserve backend read order because
// each stream has exactly one pump.
func (b *Bridge) pump(ctx context.Context, src io.Reader) {
	buf := make([]byte, pumpBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			frame := buf[:n]
			if b.opts.TagOutput {
				frame = append([]byte{TagData}, frame...)
			}
			if werr := b.client.WriteFrame(frame); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("Bridge %s pump ended: %v", b.ID, err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// HandleMessage processes one inbound client frame. In tagged mode the
// first byte selects data or resize handling; untagged frames are
// forwarded to the backend verbatim. Malformed resize payloads are logged
// and ignored without terminating the session.
func (b *Bridge) HandleMessage(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	if !b.opts.TagOutput {
		if _, err := b.transport.Input().Write(payload); err != nil {
			return fmt.Errorf("write to backend: %w", err)
		}
		return nil
	}

	tag, data := payload[0], payload[1:]
	switch tag {
	case TagData:
		if len(data) == 0 {
			return nil
		}
		if _, err := b.transport.Input().Write(data); err != nil {
			return fmt.Errorf("write to backend: %w", err)
		}
	case TagResize:
		b.resize(string(data))
	default:
		log.Printf("Bridge %s ignoring unknown frame tag %q", b.ID, tag)
	}
	return nil
}

// resize parses a "<cols>x<rows>" payload, clamps both dimensions to the
// minimums, and applies them to the backend pseudo-terminal.
func (b *Bridge) resize(dims string) {
	if strings.TrimSpace(dims) == "" {
		return
	}
	parts := strings.Split(dims, "x")
	if len(parts) != 2 {
		log.Printf("Bridge %s invalid resize payload %q", b.ID, dims)
		return
	}
	cols, err1 := strconv.Atoi(parts[0])
	rows, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		log.Printf("Bridge %s invalid resize payload %q", b.ID, dims)
		return
	}
	if cols < MinCols {
		cols = MinCols
	}
	if rows < MinRows {
		rows = MinRows
	}
	if err := b.transport.Resize(cols, rows); err != nil {
		log.Printf("Bridge %s failed to resize terminal: %v", b.ID, err)
	}
}

// Close tears the bridge down: cancel pumps, release the backend transport
// with a bounded wait, then run the OnClosed callback. Safe to call from
// multiple goroutines; only the first caller performs teardown.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.state = StateClosed
		cancel := b.cancel
		b.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if err := b.transport.Close(b.opts.CloseWait); err != nil {
			log.Printf("Bridge %s transport close: %v", b.ID, err)
		}
		b.pumps.Wait()

		if b.opts.OnClosed != nil {
			b.opts.OnClosed()
		}
		close(b.done)
	})
}
