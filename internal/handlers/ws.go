package handlers

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/labfoundry/labgate/internal/bridge"
	"github.com/labfoundry/labgate/internal/config"
	"github.com/labfoundry/labgate/internal/guacd"
	"github.com/labfoundry/labgate/internal/sshterm"
	"github.com/labfoundry/labgate/internal/targets"
	"github.com/labfoundry/labgate/internal/tunnel"
	"github.com/labfoundry/labgate/internal/usage"
)

const wsReadLimit = 1024 * 1024

// wsFrameWriter adapts a websocket connection to the bridge's client side.
type wsFrameWriter struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (w *wsFrameWriter) WriteFrame(p []byte) error {
	return w.conn.Write(w.ctx, websocket.MessageBinary, p)
}

// closeCodeFor maps session-open failures to websocket close codes.
// Ticket and policy rejections are deliberate refusals; connection
// failures to the lab node are transient; everything else is internal.
func closeCodeFor(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, tunnel.ErrTicketInvalid):
		return websocket.StatusPolicyViolation, "Invalid or expired ticket"
	case errors.Is(err, tunnel.ErrUnknownTarget):
		return websocket.StatusPolicyViolation, "Unknown lab node"
	case errors.Is(err, usage.ErrQuotaExhausted):
		return websocket.StatusPolicyViolation, "No lab hours remaining"
	case errors.Is(err, tunnel.ErrBackendConnect):
		var nerr net.Error
		if errors.As(err, &nerr) {
			return websocket.StatusTryAgainLater, "Lab node unreachable"
		}
		return websocket.StatusInternalError, "Backend connection failed"
	default:
		return websocket.StatusInternalError, "Internal error"
	}
}

// serveSession accepts the websocket, redeems the ticket and runs the
// bridge until either side closes.
func serveSession(w http.ResponseWriter, r *http.Request, dial tunnel.DialFunc, opts tunnel.SessionOptions) {
	node := chi.URLParam(r, "node")
	ticketValue := r.URL.Query().Get("ticket")

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(wsReadLimit)

	ctx := r.Context()

	b, err := Orch.OpenSession(ctx, ticketValue, node, &wsFrameWriter{conn: clientConn, ctx: ctx}, dial, opts)
	if err != nil {
		code, reason := closeCodeFor(err)
		log.Printf("Session rejected: node=%s err=%v", node, err)
		clientConn.Close(code, reason)
		return
	}

	b.Start(ctx)

	// Browser -> backend until the client disconnects or the bridge dies.
	go func() {
		for {
			_, data, err := clientConn.Read(ctx)
			if err != nil {
				b.Close()
				return
			}
			if err := b.HandleMessage(data); err != nil {
				b.Close()
				return
			}
		}
	}()

	<-b.Done()
	clientConn.Close(websocket.StatusNormalClosure, "")
}

// TerminalWS bridges a browser terminal to an SSH shell on the lab node.
// Egress frames carry the '0' data tag; inbound frames are decoded as
// data or resize.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	dial := func(ctx context.Context, t targets.Target) (bridge.Transport, error) {
		return sshterm.Connect(ctx, t)
	}
	serveSession(w, r, dial, tunnel.SessionOptions{TagOutput: true})
}

// GuacdWS bridges a browser remote-desktop client to guacd. The
// Guacamole instruction stream is relayed verbatim in both directions.
func GuacdWS(w http.ResponseWriter, r *http.Request) {
	dial := func(ctx context.Context, t targets.Target) (bridge.Transport, error) {
		addr := net.JoinHostPort(config.Cfg.GuacdHost, strconv.Itoa(config.Cfg.GuacdPort))
		return guacd.Connect(ctx, addr, guacd.Config{
			Protocol: "ssh",
			Parameters: map[string]string{
				"hostname":        t.Host,
				"port":            strconv.Itoa(t.Port),
				"username":        t.User,
				"password":        t.Password,
				"ignore-host-key": "true",
			},
		})
	}
	serveSession(w, r, dial, tunnel.SessionOptions{TagOutput: false})
}
