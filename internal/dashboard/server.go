// Package dashboard streams sync activity to WebSocket clients.
//
// The daemon reports page syncs, detail refreshes, blob evictions and cache
// statistics through a Handler, which turns each event into a Message. The
// Server fans every Message out to the connected clients. Each client has its
// own bounded send queue; a client that falls behind is disconnected rather
// than slowing down the others.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	eventQueue   = 100
	clientQueue  = 16
	writeTimeout = 5 * time.Second
)

// MessageType names the payload carried in Message.Data.
type MessageType string

const (
	MessageTypePageSynced    MessageType = "page_synced"
	MessageTypeUserRefreshed MessageType = "user_refreshed"
	MessageTypeSyncComplete  MessageType = "sync_complete"
	MessageTypeBlobsEvicted  MessageType = "blobs_evicted"
	MessageTypeStats         MessageType = "stats"
)

// Message is one event sent to every client.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatsProvider supplies the /stats payload and the greeting for new clients.
type StatsProvider interface {
	Snapshot(ctx context.Context) (StatsData, error)
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. 0 picks a free port.
	Port int

	// Host to bind. Empty binds every interface.
	Host string

	Logger *log.Logger
}

// DefaultConfig binds localhost:8080.
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   8080,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// subscriber is one connected WebSocket client.
type subscriber struct {
	conn *websocket.Conn
	out  chan []byte
}

// Server fans dashboard messages out to WebSocket subscribers.
type Server struct {
	addr    string
	ln      net.Listener
	http    *http.Server
	started time.Time
	logger  *log.Logger

	mu    sync.Mutex
	subs  map[*subscriber]struct{}
	stats StatsProvider

	events chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
		events: make(chan Message, eventQueue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetStatsProvider sets the source for /stats and the greeting message.
func (s *Server) SetStatsProvider(p StatsProvider) {
	s.mu.Lock()
	s.stats = p
	s.mu.Unlock()
}

// Start listens and serves /ws, /stats and /health in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleSubscribe)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)

	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanout()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Serve failed: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every subscriber and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		s.drop(sub, websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	return err
}

// Broadcast queues msg for every subscriber. It never blocks; when the event
// queue is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.events <- msg:
	default:
		s.logger.Printf("Event queue full, dropping %s", msg.Type)
	}
}

// fanout encodes each event once and hands it to every subscriber queue.
func (s *Server) fanout() {
	defer s.wg.Done()

	for {
		var msg Message
		select {
		case <-s.ctx.Done():
			return
		case msg = <-s.events:
		}

		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Printf("Failed to encode %s: %v", msg.Type, err)
			continue
		}

		s.mu.Lock()
		var slow []*subscriber
		for sub := range s.subs {
			select {
			case sub.out <- data:
			default:
				slow = append(slow, sub)
			}
		}
		s.mu.Unlock()

		for _, sub := range slow {
			s.logger.Printf("Subscriber fell behind, disconnecting")
			go s.drop(sub, websocket.StatusPolicyViolation, "too slow")
		}
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sub := &subscriber{conn: conn, out: make(chan []byte, clientQueue)}
	sub.out <- s.greeting(r.Context())

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	n := len(s.subs)
	s.mu.Unlock()
	s.logger.Printf("Subscriber connected (%d total)", n)

	s.write(sub)
}

// greeting is the first message a subscriber receives: current stats when a
// provider is set, an empty stats message otherwise.
func (s *Server) greeting(ctx context.Context) []byte {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if stats, ok := s.snapshot(ctx); ok {
		msg.Data, _ = json.Marshal(stats)
	}
	data, _ := json.Marshal(msg)
	return data
}

// write drains sub's queue until the subscriber or the server goes away.
// Subscribers only listen; anything they send closes the connection.
func (s *Server) write(sub *subscriber) {
	// CloseRead aborts the connection when its ctx ends, so it gets one
	// that lives as long as the connection.
	gone := sub.conn.CloseRead(context.Background())

	for {
		select {
		case <-s.ctx.Done():
			s.drop(sub, websocket.StatusGoingAway, "server shutting down")
			return
		case <-gone.Done():
			s.drop(sub, websocket.StatusNormalClosure, "")
			return
		case data := <-sub.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := sub.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Printf("Write to subscriber failed: %v", err)
				s.drop(sub, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// drop unregisters sub and closes its connection. Safe to call repeatedly.
func (s *Server) drop(sub *subscriber, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	_, ok := s.subs[sub]
	delete(s.subs, sub)
	n := len(s.subs)
	s.mu.Unlock()
	if !ok {
		return
	}

	_ = sub.conn.Close(code, reason)
	s.logger.Printf("Subscriber disconnected (%d remaining)", n)
}

func (s *Server) snapshot(ctx context.Context) (StatsData, bool) {
	s.mu.Lock()
	p := s.stats
	s.mu.Unlock()
	if p == nil {
		return StatsData{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	data, err := p.Snapshot(ctx)
	if err != nil {
		s.logger.Printf("Failed to collect stats: %v", err)
		return StatsData{}, false
	}
	return data, true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.snapshot(r.Context())
	if !ok {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Status      string `json:"status"`
		Subscribers int    `json:"subscribers"`
		Uptime      string `json:"uptime"`
	}{"ok", s.ClientCount(), time.Since(s.started).Round(time.Second).String()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
