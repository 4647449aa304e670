package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/docsync/pkg/delta"
	"github.com/astromechza/docsync/pkg/protocol"
)

type ServerOptions struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8 << 20
	}
	return o
}

// Server exposes a Relay over http: GET /socket upgrades to the document protocol and
// GET /documents/{id} returns the current snapshot.
type Server struct {
	relay    *Relay
	opts     ServerOptions
	router   *mux.Router
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peer
}

func NewServer(r *Relay, opts ServerOptions) *Server {
	s := &Server{
		relay: r,
		opts:  opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*peer),
	}
	s.router = mux.NewRouter()
	s.router.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	s.router.Methods(http.MethodGet).Path("/socket").HandlerFunc(s.serveSocket)
	s.router.Methods(http.MethodGet).Path("/documents/{id}").HandlerFunc(s.getDocument)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close drops every connected session. Hijacked websocket connections are not closed by
// http.Server.Shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

func (s *Server) getDocument(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	snapshot, ok, err := s.relay.Lookup(request.Context(), id)
	if err != nil {
		slog.Error("failed to lookup document", "document", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(snapshot); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *Server) serveSocket(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	p := &peer{
		id:     uuid.NewString(),
		conn:   conn,
		opts:   s.opts,
		send:   make(chan []byte, s.opts.SendBuffer),
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
	defer func() {
		p.close()
		s.relay.OnSessionEnd(p.id)
		s.mu.Lock()
		delete(s.peers, p.id)
		s.mu.Unlock()
	}()

	slog.Info("session connected", "session", p.id, "remote", request.RemoteAddr)
	go p.writePump()
	s.readPump(request, p)
}

func (s *Server) readPump(request *http.Request, p *peer) {
	ctx := request.Context()
	p.conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	var documentID string
	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("session read failed", "session", p.id, "err", err)
			}
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			slog.Warn("dropping frame", "session", p.id, "err", err)
			continue
		}

		switch env.Event {
		case protocol.GetDocument:
			var id string
			if err := json.Unmarshal(env.Data, &id); err != nil || id == "" {
				slog.Warn("bad document id", "session", p.id, "data", string(env.Data))
				p.sendEvent(protocol.LoadDocumentError)
				continue
			}
			if _, err := s.relay.Join(ctx, id, p); err != nil {
				slog.Error("failed to load document", "document", id, "session", p.id, "err", err)
				p.sendEvent(protocol.LoadDocumentError)
				continue
			}
			documentID = id

		case protocol.SendChanges:
			if documentID == "" {
				slog.Warn("change before get-document", "session", p.id)
				continue
			}
			change, err := delta.Parse(env.Data)
			if err != nil {
				slog.Warn("bad change", "session", p.id, "err", err)
				continue
			}
			if err := s.relay.OnChange(documentID, p.id, change); err != nil {
				slog.Warn("rejected change", "document", documentID, "session", p.id, "err", err)
			}

		case protocol.SaveDocument:
			if documentID == "" {
				slog.Warn("save before get-document", "session", p.id)
				continue
			}
			snapshot, err := delta.Parse(env.Data)
			if err != nil {
				slog.Warn("bad snapshot", "session", p.id, "err", err)
				continue
			}
			if err := s.relay.OnSave(ctx, documentID, snapshot); err != nil {
				slog.Error("failed to save document", "document", documentID, "session", p.id, "err", err)
			}

		default:
			slog.Warn("unknown event", "session", p.id, "event", env.Event)
		}
	}
}

// peer is one websocket connection. It implements Member.
type peer struct {
	id   string
	conn *websocket.Conn
	opts ServerOptions

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func (p *peer) SessionID() string {
	return p.id
}

// Send queues a frame. A peer that cannot keep up is disconnected rather than blocking the
// document.
func (p *peer) Send(frame []byte) {
	select {
	case <-p.closed:
		return
	default:
	}
	select {
	case p.send <- frame:
	default:
		slog.Warn("send buffer full, dropping session", "session", p.id)
		p.close()
	}
}

func (p *peer) sendEvent(event string) {
	frame, err := protocol.Encode(event, nil)
	if err != nil {
		slog.Error("failed to encode", "event", event, "err", err)
		return
	}
	p.Send(frame)
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

func (p *peer) writePump() {
	ping := time.NewTicker(p.opts.PongWait * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Error("failed to write message", "session", p.id, "err", err)
				p.close()
				return
			}
		case <-ping.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		case <-p.closed:
			return
		}
	}
}
