// Package ws implements the streaming admission/proxy endpoint
// (ws://host/v1/audio/transcriptions/stream). Shaped structurally after
// sse.Hub's heartbeat-ticker/flush loop, reapplied to a per-connection
// read/write pump instead of a shared broadcast, since the protocol here is
// a genuine bidirectional WebSocket rather than a server-sent stream.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/platform/apierr"
	"github.com/yungbote/dalston/internal/platform/ctxutil"
	"github.com/yungbote/dalston/internal/platform/logger"
	"github.com/yungbote/dalston/internal/session"
)

// heartbeatInterval mirrors the earlier SSE ping cadence, applied here as
// a WebSocket ping control frame instead of a comment-line keepalive.
const heartbeatInterval = 15 * time.Second

// Handler upgrades admitted clients and proxies their audio/transcript
// frames to the worker the session router assigned.
type Handler struct {
	router   *session.Router
	apiKey   string
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	log      *logger.Logger
}

func NewHandler(router *session.Router, apiKey string, log *logger.Logger) *Handler {
	return &Handler{
		router: router,
		apiKey: apiKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: websocket.DefaultDialer,
		log:    log.With("component", "StreamHandler"),
	}
}

// Close codes: 4001 invalid key, 4003 missing scope, 4029 rate limit
// (reused here as the capacity-exhausted signal — the WS equivalent of the
// HTTP surface's 503 CapacityExhausted).
const (
	CloseInvalidKey    = 4001
	CloseMissingScope  = 4003
	CloseCapacityLimit = 4029
)

// Serve handles GET /v1/audio/transcriptions/stream.
func (h *Handler) Serve(c *gin.Context) {
	if h.apiKey != "" && c.Query("api_key") != h.apiKey {
		h.rejectBeforeUpgrade(c, CloseInvalidKey, "invalid api_key")
		return
	}

	model := c.Query("model")
	if model == "" {
		h.rejectBeforeUpgrade(c, CloseMissingScope, "missing required query param \"model\"")
		return
	}
	language := c.Query("language")
	tenantID := ctxutil.GetTenantID(c.Request.Context())

	alloc, err := h.router.Allocate(c.Request.Context(), tenantID, language, model)
	if err != nil {
		if apierr.Is(err, apierr.CodeCapacityExhausted) {
			h.rejectBeforeUpgrade(c, CloseCapacityLimit, err.Error())
			return
		}
		h.rejectBeforeUpgrade(c, websocket.CloseInternalServerErr, err.Error())
		return
	}

	clientConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("client upgrade failed", "error", err)
		_ = h.router.Release(c.Request.Context(), alloc.SessionID, domain.RealtimeSessionStatusError, err.Error())
		return
	}
	defer clientConn.Close()

	workerURL := alloc.WorkerEndpoint + "?" + c.Request.URL.RawQuery
	workerConn, _, err := h.dialer.DialContext(c.Request.Context(), workerURL, nil)
	if err != nil {
		h.log.Error("worker dial failed", "worker_endpoint", alloc.WorkerEndpoint, "error", err)
		_ = clientConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "assigned worker unavailable"),
			time.Now().Add(5*time.Second))
		_ = h.router.Release(c.Request.Context(), alloc.SessionID, domain.RealtimeSessionStatusError, err.Error())
		return
	}
	defer workerConn.Close()

	h.pump(c.Request.Context(), alloc, clientConn, workerConn)
}

// legClient and legWorker identify which side of the proxy a relayResult
// came from, so pump can tell a client-initiated close from a worker-side
// failure.
const (
	legClient = "client"
	legWorker = "worker"
)

// relayResult reports which leg ended the relay and why, so pump can
// distinguish a clean client close from a worker crash.
type relayResult struct {
	leg string
	err error
}

// pump relays frames in both directions until either leg closes, then
// releases the session's slot back to the pool. A clean client-initiated
// close completes the session; anything else (worker crash, broken pipe,
// abnormal client close) marks it interrupted with the triggering error.
func (h *Handler) pump(ctx context.Context, alloc *session.Allocation, client, worker *websocket.Conn) {
	done := make(chan relayResult, 2)
	go relay(client, worker, legClient, legWorker, done)
	go relay(worker, client, legWorker, legClient, done)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			if res.leg == legClient && cleanClose(res.err) {
				_ = h.router.Release(ctx, alloc.SessionID, domain.RealtimeSessionStatusCompleted, "")
				return
			}
			errMsg := ""
			if res.err != nil {
				errMsg = res.err.Error()
			}
			_ = h.router.Release(ctx, alloc.SessionID, domain.RealtimeSessionStatusInterrupted, errMsg)
			return
		case <-ticker.C:
			if err := client.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				_ = h.router.Release(ctx, alloc.SessionID, domain.RealtimeSessionStatusInterrupted, err.Error())
				return
			}
		}
	}
}

// cleanClose reports whether err represents a normal WebSocket close
// handshake rather than a broken connection.
func cleanClose(err error) bool {
	if err == nil {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// relay copies frames from one leg to the other until a read or write
// fails, reporting which leg was responsible: a ReadMessage failure blames
// fromLeg (that side hung up), a WriteMessage failure blames toLeg (that
// side stopped accepting frames).
func relay(from, to *websocket.Conn, fromLeg, toLeg string, done chan<- relayResult) {
	for {
		msgType, data, err := from.ReadMessage()
		if err != nil {
			done <- relayResult{leg: fromLeg, err: err}
			return
		}
		if err := to.WriteMessage(msgType, data); err != nil {
			done <- relayResult{leg: toLeg, err: err}
			return
		}
	}
}

// rejectBeforeUpgrade closes the handshake with the given WS close code
// before any upgrade has happened, by upgrading just long enough to send a
// close control frame — the only way gorilla/websocket can deliver a
// custom close code to a client that hasn't been admitted yet.
func (h *Handler) rejectBeforeUpgrade(c *gin.Context, code int, reason string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.String(http.StatusBadRequest, reason)
		return
	}
	defer conn.Close()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
}
