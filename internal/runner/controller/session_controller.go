package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Frohrer/codux/internal/runner/event"
	"github.com/Frohrer/codux/internal/runner/service"
	appErr "github.com/Frohrer/codux/pkg/errors"
	"github.com/Frohrer/codux/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close codes of the live session protocol.
const (
	CloseAlreadyInitialized = 4000
	CloseInitTimeout        = 4001
	CloseNotifiedError      = 4002
	CloseNotInitialized     = 4003
	CloseStdinOnly          = 4004
	CloseInvalidSignal      = 4005
	CloseJobCompleted       = 4999
)

const (
	defaultInitTimeout       = time.Second
	controlWriteTimeout      = time.Second
	sessionSubscriptionDepth = 1024
)

// SessionController serves live sessions over WebSocket.
type SessionController struct {
	engine      *service.Engine
	upgrader    websocket.Upgrader
	initTimeout time.Duration
}

// NewSessionController creates a controller. initTimeout <= 0 uses one second.
func NewSessionController(engine *service.Engine, initTimeout time.Duration) *SessionController {
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	return &SessionController{
		engine:      engine,
		initTimeout: initTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type clientMessage struct {
	Type   string `json:"type"`
	Stream string `json:"stream"`
	Data   string `json:"data"`
	Signal string `json:"signal"`
}

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (w *wsConn) send(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if err := w.conn.WriteJSON(v); err != nil {
		logger.Debug(context.Background(), "websocket write failed", zap.Error(err))
	}
}

func (w *wsConn) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteTimeout))
	_ = w.conn.Close()
}

// liveSession is the per-connection state.
type liveSession struct {
	h      *SessionController
	ws     *wsConn
	ctx    context.Context
	mu     sync.Mutex
	inited bool
	gone   bool
	sess   *service.Session
	// stdin received while the job was still priming
	pending []string
}

// Connect upgrades the request and runs the session protocol until the job
// completes or the client goes away.
func (h *SessionController) Connect(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	ls := &liveSession{h: h, ws: &wsConn{conn: conn}, ctx: context.WithoutCancel(c.Request.Context())}
	defer ls.release()

	initTimer := time.AfterFunc(h.initTimeout, func() {
		if !ls.initialized() {
			ls.ws.close(CloseInitTimeout, "Initialization Timeout")
		}
	})
	defer initTimer.Stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ls.handle(data)
	}
}

func (ls *liveSession) initialized() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.inited
}

func (ls *liveSession) session() *service.Session {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.sess
}

func (ls *liveSession) handle(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		ls.fail(appErr.InvalidInput("invalid message: %s", err.Error()))
		return
	}
	switch msg.Type {
	case "init":
		ls.mu.Lock()
		already := ls.inited
		ls.inited = true
		ls.mu.Unlock()
		if already {
			ls.ws.close(CloseAlreadyInitialized, "Already Initialized")
			return
		}
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			ls.fail(err)
			return
		}
		go ls.run(body)
	case "data":
		if !ls.initialized() {
			ls.ws.close(CloseNotInitialized, "Not yet initialized")
			return
		}
		if msg.Stream != "stdin" {
			ls.ws.close(CloseStdinOnly, "Can only write to stdin")
			return
		}
		ls.mu.Lock()
		s := ls.sess
		if s == nil {
			ls.pending = append(ls.pending, msg.Data)
		}
		ls.mu.Unlock()
		if s != nil {
			s.WriteStdin(msg.Data)
		}
	case "signal":
		if !ls.initialized() {
			ls.ws.close(CloseNotInitialized, "Not yet initialized")
			return
		}
		if !service.ValidSignal(msg.Signal) {
			ls.ws.close(CloseInvalidSignal, "Invalid signal")
			return
		}
		if s := ls.session(); s != nil {
			s.Signal(msg.Signal)
		}
	}
}

func (ls *liveSession) run(body map[string]any) {
	engine := ls.h.engine
	req, err := engine.ParseRequest(body)
	if err != nil {
		ls.fail(err)
		return
	}
	sess, err := engine.Open(ls.ctx, req)
	if err != nil {
		ls.fail(err)
		return
	}
	ls.mu.Lock()
	if ls.gone {
		ls.mu.Unlock()
		sess.Close(ls.ctx)
		return
	}
	ls.sess = sess
	for _, data := range ls.pending {
		sess.WriteStdin(data)
	}
	ls.pending = nil
	ls.mu.Unlock()

	rt := sess.Runtime()
	ls.ws.send(gin.H{"type": "runtime", "language": rt.Language, "version": rt.Version})

	sub := sess.Subscribe(sessionSubscriptionDepth)
	stop := make(chan struct{})
	forwarded := make(chan struct{})
	go ls.forward(sub, stop, forwarded)

	_, err = sess.Run(ls.ctx)
	close(stop)
	<-forwarded
	sub.Close()
	if err != nil {
		logger.Warn(ls.ctx, "live session failed", zap.String("job_id", sess.ID()), zap.Error(err))
		ls.fail(err)
		return
	}
	sess.Close(ls.ctx)
	ls.ws.close(CloseJobCompleted, "Job Completed")
}

// forward relays bus events until stop, then drains what is already queued.
func (ls *liveSession) forward(sub *event.Subscription, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	stage := ""
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			stage = ls.relay(ev, stage)
		case <-stop:
			for {
				select {
				case ev, ok := <-sub.Events():
					if !ok {
						return
					}
					stage = ls.relay(ev, stage)
				default:
					return
				}
			}
		}
	}
}

func (ls *liveSession) relay(ev event.Event, stage string) string {
	switch ev.Kind {
	case event.KindStage:
		ls.ws.send(gin.H{"type": "stage", "stage": ev.Stage})
		return ev.Stage
	case event.KindStdout, event.KindStderr:
		s := ev.Stage
		if s == "" {
			s = stage
		}
		ls.ws.send(gin.H{"type": "data", "stream": string(ev.Kind), "stage": s, "data": string(ev.Data)})
	case event.KindExit:
		msg := gin.H{"type": "exit", "stage": ev.Stage}
		if ev.Exit != nil {
			msg["code"] = ev.Exit.Code
			msg["signal"] = ev.Exit.Signal
			if ev.Exit.Error != "" {
				msg["error"] = ev.Exit.Error
			}
		}
		ls.ws.send(msg)
	case event.KindWebApp:
		ls.ws.send(gin.H{"type": "webApp", "url": ev.URL})
	case event.KindError:
		ls.ws.send(gin.H{"type": "error", "message": ev.Message})
	}
	return stage
}

// fail reports err to the client and closes the connection.
func (ls *liveSession) fail(err error) {
	ls.ws.send(gin.H{"type": "error", "message": appErr.GetError(err).Error()})
	ls.ws.close(CloseNotifiedError, "Notified Error")
}

func (ls *liveSession) release() {
	ls.ws.close(websocket.CloseNormalClosure, "")
	ls.mu.Lock()
	ls.gone = true
	s := ls.sess
	ls.mu.Unlock()
	if s != nil {
		s.Close(ls.ctx)
	}
}
