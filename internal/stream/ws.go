package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/star/farpoint/internal/coverage"
	"github.com/star/farpoint/internal/farthest"
	"github.com/star/farpoint/internal/geodesy"
	"github.com/star/farpoint/internal/httputil"
	"github.com/star/farpoint/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxCommand = 256 << 10
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts requests without an Origin header (non-browser
// clients), same-host origins and localhost.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}

	originHost := u.Hostname()
	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if strings.EqualFold(originHost, requestHost) {
		return true
	}
	return originHost == "localhost" || originHost == "127.0.0.1"
}

// wsCommand is a client request. Op is "solve" or "cancel". A solve names
// either a catalog network or an ad-hoc set of points in degrees.
type wsCommand struct {
	Op      string    `json:"op"`
	Network string    `json:"network,omitempty"`
	Points  []wsPoint `json:"points,omitempty"`
	Body    string    `json:"body,omitempty"`
	Every   int       `json:"every,omitempty"`
}

type wsPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// HandleSolveWS serves interactive solve traces over a WebSocket.
// GET /api/v1/ws/solve
//
// Each text frame from the client is a JSON command:
//
//	{"op":"solve","network":"kerbin-dsn","every":10}
//	{"op":"solve","points":[{"lat":0,"lon":0},{"lat":10,"lon":90}],"body":"earth"}
//	{"op":"cancel"}
//
// The server answers with the same metadata, step, result and error
// messages as the SSE stream, one per text frame. A new solve cancels the
// one in progress.
func (h *Handler) HandleSolveWS(w http.ResponseWriter, r *http.Request) {
	ip := httputil.ClientIP(r, h.config.TrustProxy)
	release, ok := h.limiter.tryAcquire(ip)
	if !ok {
		metrics.IncStreamRejected()
		h.logger.Warn("stream limit exceeded",
			"remote_ip", ip,
			"current_count", h.limiter.active(ip),
			"transport", "websocket",
		)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}
	defer release()

	// Upgrade replies with an HTTP error itself on failure.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote_ip", ip, "error", err)
		return
	}

	metrics.StreamOpened()
	startTime := time.Now()
	h.logger.Info("websocket connected", "remote_ip", ip, "user_agent", r.Header.Get("User-Agent"))

	ctx, cancel := context.WithCancel(r.Context())
	s := &wsSession{
		h:      h,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		cancel: cancel,
		logger: h.logger.With("remote_ip", ip),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(ctx)
	}()

	s.readLoop(ctx)

	cancel()
	s.stopRun()
	wg.Wait()
	conn.Close()

	metrics.StreamClosed()
	h.logger.Info("websocket disconnected",
		"remote_ip", ip,
		"messages_sent", s.messagesSent,
		"bytes_sent", s.bytesSent,
		"duration_seconds", int(time.Since(startTime).Seconds()),
	)
}

// wsSession is one WebSocket connection. readLoop and the run bookkeeping
// belong to the handler goroutine; writePump owns all data writes.
type wsSession struct {
	h      *Handler
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc // ends the session; called by writePump on exit
	logger *slog.Logger

	cancelRun context.CancelFunc
	runDone   chan struct{}

	messagesSent int64
	bytesSent    int64
}

func (s *wsSession) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(wsMaxCommand)
	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.emit(ctx, errorMessage{Type: "error", Error: "invalid command: " + err.Error()})
			continue
		}

		switch cmd.Op {
		case "solve":
			s.start(ctx, cmd)
		case "cancel":
			s.stopRun()
		default:
			s.emit(ctx, errorMessage{Type: "error", Error: "unknown op " + strconv.Quote(cmd.Op)})
		}
	}
}

// start cancels any run in progress and launches cmd.
func (s *wsSession) start(ctx context.Context, cmd wsCommand) {
	s.stopRun()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancelRun, s.runDone = cancel, done

	go func() {
		defer close(done)
		err := s.run(runCtx, cmd)
		if err != nil && runCtx.Err() == nil {
			s.emit(ctx, errorMessage{Type: "error", Error: err.Error()})
		}
	}()
}

// stopRun cancels the current run and waits for it to exit.
func (s *wsSession) stopRun() {
	if s.cancelRun == nil {
		return
	}
	s.cancelRun()
	<-s.runDone
	s.cancelRun, s.runDone = nil, nil
}

var (
	errNoTarget     = errors.New("solve needs a network or points")
	errInvalidEvery = errors.New("invalid every, must be 1-1000")
	errNoCatalog    = errors.New("no station catalog loaded")
)

func (s *wsSession) run(ctx context.Context, cmd wsCommand) error {
	every := cmd.Every
	if every == 0 {
		every = 1
	}
	if every < 1 || every > 1000 {
		return errInvalidEvery
	}

	observer := func(st farthest.Step) {
		if shouldSend(st, every) {
			s.emit(ctx, newStepMessage(st))
		}
	}

	var (
		rep coverage.Report
		err error
	)
	switch {
	case cmd.Network != "":
		catalog := s.h.svc.Store().Get()
		if catalog == nil {
			return errNoCatalog
		}
		n, lookupErr := catalog.Lookup(cmd.Network)
		if lookupErr != nil {
			return lookupErr
		}
		if err := s.emit(ctx, newMetadataMessage(catalog, n)); err != nil {
			return err
		}
		rep, err = s.h.svc.TraceNetwork(ctx, cmd.Network, observer)

	case len(cmd.Points) > 0:
		locations := make([]geodesy.Location, len(cmd.Points))
		for i, p := range cmd.Points {
			locations[i] = geodesy.FromDegrees(p.Lat, p.Lon)
		}
		rep, err = s.h.svc.Trace(ctx, coverage.Request{Locations: locations, Body: cmd.Body}, observer)

	default:
		return errNoTarget
	}
	if err != nil {
		return err
	}
	return s.emit(ctx, newResultMessage(rep))
}

// emit queues v for the writer. It blocks while the send buffer is full so
// a slow client throttles its own trace.
func (s *wsSession) emit(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writePump drains send until ctx ends or a write fails. On exit it cancels
// the session so emitters blocked on a full buffer return.
func (s *wsSession) writePump(ctx context.Context) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	defer s.cancel()

	for {
		select {
		case <-ctx.Done():
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return

		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("websocket write error", "error", err)
				s.conn.Close()
				return
			}
			s.messagesSent++
			s.bytesSent += int64(len(msg))
			metrics.IncStreamEvents()

		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}
