// Package mockfeed is a local stand-in for the trade-tick websocket feed. It
// honours subscribe and unsubscribe, emits random-walk trades for whatever is
// subscribed and interleaves keep-alive pings.
package mockfeed

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
)

type Options struct {
	// Token, when set, must match the token query parameter.
	Token     string
	Tick      time.Duration
	PingEvery time.Duration
	// CloseAfter ends each session with a going-away close frame after that
	// many trade messages. Zero never closes.
	CloseAfter int
}

type Server struct {
	opts Options
	gen  *TradeGen
	lg   *zap.Logger
	up   websocket.Upgrader
}

func NewServer(opts Options, gen *TradeGen, lg *zap.Logger) *Server {
	if opts.Tick <= 0 {
		opts.Tick = 200 * time.Millisecond
	}
	return &Server{
		opts: opts,
		gen:  gen,
		lg:   lg.Named("mockfeed"),
		up:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStream)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

type session struct {
	mu   sync.Mutex
	subs map[string]bool
}

func (ss *session) apply(c model.Control) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	switch c.Type {
	case model.TypeSubscribe:
		ss.subs[c.Symbol] = true
	case model.TypeUnsubscribe:
		delete(ss.subs, c.Symbol)
	default:
		return false
	}
	return true
}

func (ss *session) symbols() []string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]string, 0, len(ss.subs))
	for sym := range ss.subs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Token != "" && r.URL.Query().Get("token") != s.opts.Token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	ws, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		s.lg.Warn("upgrade", zap.Error(err))
		return
	}
	defer ws.Close()

	lg := s.lg.With(zap.String("remote", r.RemoteAddr))
	lg.Info("session open")

	ss := &session{subs: map[string]bool{}}
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			_, b, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var c model.Control
			if err := json.Unmarshal(b, &c); err != nil || !ss.apply(c) {
				lg.Debug("ignored client message", zap.ByteString("raw", b))
			}
		}
	}()

	tick := time.NewTicker(s.opts.Tick)
	defer tick.Stop()
	var ping <-chan time.Time
	if s.opts.PingEvery > 0 {
		pt := time.NewTicker(s.opts.PingEvery)
		defer pt.Stop()
		ping = pt.C
	}

	sent := 0
	for {
		select {
		case <-gone:
			lg.Info("session closed", zap.Int("sent", sent))
			return
		case <-ping:
			if err := s.write(ws, model.Message{Type: model.TypePing}); err != nil {
				return
			}
		case now := <-tick.C:
			msg, ok := s.gen.Batch(ss.symbols(), now)
			if !ok {
				continue
			}
			if err := s.write(ws, msg); err != nil {
				return
			}
			sent++
			if s.opts.CloseAfter > 0 && sent >= s.opts.CloseAfter {
				cm := websocket.FormatCloseMessage(websocket.CloseGoingAway, "mockfeed session limit")
				_ = ws.WriteControl(websocket.CloseMessage, cm, time.Now().Add(time.Second))
				lg.Info("session limit reached", zap.Int("sent", sent))
				return
			}
		}
	}
}

func (s *Server) write(ws *websocket.Conn, msg model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, b)
}
