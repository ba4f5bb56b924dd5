package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/quotecache/internal/version"
)

// queuedFrame is a subscribe or unsubscribe requested while not Ready.
type queuedFrame struct {
	Type   FrameType
	Symbol string
	seq    uint64
}

// Session is the single owned upstream session.
type Session struct {
	cfg      SessionConfig
	clock    clockwork.Clock
	logger   *slog.Logger
	clientID string

	updates      chan Update
	events       chan Event
	dispatchDone chan struct{}

	listenersMu sync.RWMutex
	listeners   []func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards protocol state. Subscribe and unsubscribe frames are written
	// while holding mu, so status cannot leave Ready during a send.
	mu                  sync.Mutex
	status              Status
	client              Client
	sessionID           string
	lastHeartbeatSentAt time.Time
	lastHeartbeatAckAt  time.Time
	queue               map[string]queuedFrame
	queueSeq            uint64
	started             bool
	closed              bool

	reconnects atomic.Int64
	connSeq    atomic.Uint64 // Incremented on every Ready

	// Command/ack correlation
	pendingMu sync.Mutex
	pending   map[int64]chan error
	cmdID     atomic.Int64
}

// NewSession creates a Session. Zero config values take DefaultSessionConfig
// values; a nil clock uses the wall clock.
func NewSession(cfg SessionConfig, clock clockwork.Clock, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg = withSessionDefaults(cfg)

	clientID := uuid.NewString()

	return &Session{
		cfg:          cfg,
		clock:        clock,
		logger:       logger.With("component", "session", "client_id", clientID),
		clientID:     clientID,
		updates:      make(chan Update, cfg.UpdateBufferSize),
		events:       make(chan Event, 16),
		dispatchDone: make(chan struct{}),
		queue:        make(map[string]queuedFrame),
		pending:      make(map[int64]chan error),
	}
}

func withSessionDefaults(cfg SessionConfig) SessionConfig {
	def := DefaultSessionConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = def.MaxMissedHeartbeats
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.UpdateBufferSize <= 0 {
		cfg.UpdateBufferSize = def.UpdateBufferSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return cfg
}

// AddListener registers fn for session events. Listeners run on a single
// dispatch goroutine, in event order, and must not block.
func (s *Session) AddListener(fn func(Event)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Updates returns the ordered stream of price updates. It has a single
// consumer and is closed by Close.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Start launches the connection goroutine. It returns immediately; the
// session dials, handshakes and reconnects in the background until Close.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	go s.dispatchEvents()

	s.wg.Add(1)
	go s.run()

	s.logger.Info("session started", "url", s.cfg.URL)
	return nil
}

// Close stops reconnecting, drops queued frames and closes the socket.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := len(s.queue)
	s.queue = make(map[string]queuedFrame)
	started := s.started
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Info("dropping queued frames", "count", dropped)
	}

	if !started {
		close(s.updates)
		close(s.events)
		return nil
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, session goroutine still running")
		return ctx.Err()
	}

	close(s.updates)
	close(s.events)

	select {
	case <-s.dispatchDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("session closed")
	return nil
}

// Subscribe sends a subscribe frame for symbol and waits for its ack.
//
// When the session is not Ready the frame is queued for the next Ready and
// Subscribe returns ErrQueued. A missing ack yields ErrSubscribeUnconfirmed.
func (s *Session) Subscribe(ctx context.Context, symbol string) error {
	return s.request(ctx, FrameSubscribe, symbol)
}

// Unsubscribe sends an unsubscribe frame for symbol and waits for its ack,
// with the same queueing rules as Subscribe.
func (s *Session) Unsubscribe(ctx context.Context, symbol string) error {
	return s.request(ctx, FrameUnsubscribe, symbol)
}

// UnsubscribeAll writes unsubscribe frames for symbols without waiting for
// acks. Used at shutdown; it stops at the first write error.
func (s *Session) UnsubscribeAll(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != Ready || s.client == nil {
		return ErrNotReady
	}

	for _, symbol := range symbols {
		if err := s.write(s.client, FrameUnsubscribe, s.cmdID.Add(1), SymbolPayload{Symbol: symbol}); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", symbol, err)
		}
	}
	return nil
}

// Status returns the current protocol state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsReady reports whether subscription traffic may be sent.
func (s *Session) IsReady() bool {
	return s.Status() == Ready
}

// QueueLen returns the number of frames waiting for Ready.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Info returns a snapshot of the session state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Status:              s.status,
		SessionID:           s.sessionID,
		ClientID:            s.clientID,
		LastHeartbeatSentAt: s.lastHeartbeatSentAt,
		LastHeartbeatAckAt:  s.lastHeartbeatAckAt,
		Reconnects:          s.reconnects.Load(),
		Queued:              len(s.queue),
	}
}

func (s *Session) request(ctx context.Context, typ FrameType, symbol string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.status != Ready || s.client == nil {
		err := s.enqueueLocked(typ, symbol)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrQueued
	}

	id := s.cmdID.Add(1)
	ch := make(chan error, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	err := s.write(s.client, typ, id, SymbolPayload{Symbol: symbol})
	s.mu.Unlock()

	if err != nil {
		s.forget(id)
		return fmt.Errorf("send %s: %w", typ, err)
	}

	timer := s.clock.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.Chan():
		s.forget(id)
		return fmt.Errorf("%w: %s %s", ErrSubscribeUnconfirmed, typ, symbol)
	case <-ctx.Done():
		s.forget(id)
		return ctx.Err()
	}
}

// enqueueLocked keeps the latest requested frame per symbol. Caller holds mu.
func (s *Session) enqueueLocked(typ FrameType, symbol string) error {
	if _, ok := s.queue[symbol]; !ok && len(s.queue) >= s.cfg.QueueSize {
		return fmt.Errorf("%w: queue full", ErrNotReady)
	}
	s.queueSeq++
	s.queue[symbol] = queuedFrame{Type: typ, Symbol: symbol, seq: s.queueSeq}
	return nil
}

// run is the connection goroutine: dial, handshake, serve, reconnect.
func (s *Session) run() {
	defer s.wg.Done()

	backoff := NewBackoff(s.cfg.ReconnectBaseDelay, s.cfg.ReconnectMaxDelay)

	for {
		wasReady, err := s.connectOnce()
		if s.ctx.Err() != nil {
			return
		}
		if wasReady {
			backoff.Reset()
		}

		wait := backoff.Next()
		s.reconnects.Add(1)
		s.logger.Warn("session ended, reconnecting",
			"error", err,
			"wait", wait,
		)

		select {
		case <-s.ctx.Done():
			return
		case <-s.clock.After(wait):
		}
	}
}

// connectOnce runs one socket lifetime. wasReady reports whether the
// handshake completed.
func (s *Session) connectOnce() (wasReady bool, err error) {
	c := NewClient(ClientConfig{
		URL:          s.cfg.URL,
		UserAgent:    version.UserAgent(),
		DialTimeout:  s.cfg.HandshakeTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}, s.logger)

	if err := c.Connect(s.ctx); err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.client = c
	s.status = Handshaking
	s.mu.Unlock()

	defer func() { s.teardown(c, wasReady, err) }()

	if err = s.handshake(c); err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("handshake failed", "error", err)
			s.emit(Event{Type: EventHandshakeFailed, Err: err})
		}
		return false, err
	}

	return true, s.serve(c)
}

// teardown closes the socket and moves the session to Disconnected.
func (s *Session) teardown(c Client, wasReady bool, cause error) {
	c.Close()

	s.mu.Lock()
	s.status = Disconnected
	s.client = nil
	sessionID := s.sessionID
	s.sessionID = ""
	dropped := 0
	if wasReady {
		// Entries go back to Pending and are re-subscribed on the next Ready.
		dropped = len(s.queue)
		s.queue = make(map[string]queuedFrame)
	}
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		s.failPending(ErrClosed)
		return
	}

	s.failPending(cause)

	if wasReady {
		s.logger.Warn("connection lost",
			"session_id", sessionID,
			"error", cause,
			"dropped_queued", dropped,
		)
		s.emit(Event{Type: EventConnectionLost, SessionID: sessionID, Conn: s.connSeq.Load(), Err: cause})
	}
}

func (s *Session) handshake(c Client) error {
	err := s.write(c, FrameHandshake, s.cmdID.Add(1), HandshakePayload{
		Username:      s.cfg.Username,
		Token:         s.cfg.Token,
		ClientID:      s.clientID,
		ClientVersion: version.UserAgent(),
	})
	if err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	timer := s.clock.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()

		case err := <-c.Errors():
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)

		case <-timer.Chan():
			return ErrHandshakeTimeout

		case msg := <-c.Messages():
			frame, err := decodeFrame(msg.Data)
			if err != nil {
				s.logger.Warn("malformed frame", "error", err)
				continue
			}

			switch frame.Type {
			case FrameHandshakeAck:
				var ack HandshakeAckPayload
				if err := json.Unmarshal(frame.Payload, &ack); err != nil {
					return fmt.Errorf("%w: malformed ack: %v", ErrHandshakeRejected, err)
				}
				if !ack.Successful {
					return fmt.Errorf("%w: %s", ErrHandshakeRejected, ack.Error)
				}
				sessionID := ack.SessionID
				if sessionID == "" {
					sessionID = frame.Session
				}
				s.becomeReady(c, sessionID)
				return nil

			case FrameError:
				return fmt.Errorf("%w: %s", ErrHandshakeRejected, errorMessage(frame))

			case FrameHeartbeat:
				s.answerHeartbeat(c, frame)

			default:
				s.logger.Debug("ignoring frame before handshake", "type", frame.Type)
			}
		}
	}
}

// becomeReady moves to Ready and flushes frames queued meanwhile.
func (s *Session) becomeReady(c Client, sessionID string) {
	now := s.clock.Now()

	conn := s.connSeq.Add(1)

	s.mu.Lock()
	s.status = Ready
	s.sessionID = sessionID
	s.lastHeartbeatAckAt = now

	queued := make([]queuedFrame, 0, len(s.queue))
	for _, q := range s.queue {
		queued = append(queued, q)
	}
	s.queue = make(map[string]queuedFrame)
	sort.Slice(queued, func(i, j int) bool { return queued[i].seq < queued[j].seq })

	flushed := 0
	for _, q := range queued {
		if err := s.write(c, q.Type, s.cmdID.Add(1), SymbolPayload{Symbol: q.Symbol}); err != nil {
			s.logger.Warn("failed to flush queued frame",
				"type", q.Type,
				"symbol", q.Symbol,
				"error", err,
			)
			continue
		}
		flushed++
	}
	s.mu.Unlock()

	s.logger.Info("session ready",
		"session_id", sessionID,
		"flushed", flushed,
	)
	s.emit(Event{Type: EventReady, SessionID: sessionID, Conn: conn})
}

// serve processes frames and heartbeats until the socket fails.
func (s *Session) serve(c Client) error {
	ticker := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	grace := time.Duration(s.cfg.MaxMissedHeartbeats) * s.cfg.HeartbeatInterval

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()

		case err := <-c.Errors():
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)

		case msg := <-c.Messages():
			s.handleFrame(c, msg)

		case <-ticker.Chan():
			now := s.clock.Now()

			s.mu.Lock()
			lastAck := s.lastHeartbeatAckAt
			s.mu.Unlock()

			if now.Sub(lastAck) >= grace {
				s.degrade(lastAck)
				return ErrHeartbeatLost
			}

			if err := s.write(c, FrameHeartbeat, s.cmdID.Add(1), nil); err != nil {
				return fmt.Errorf("%w: heartbeat: %v", ErrConnectionLost, err)
			}

			s.mu.Lock()
			s.lastHeartbeatSentAt = now
			s.mu.Unlock()
		}
	}
}

func (s *Session) degrade(lastAck time.Time) {
	s.mu.Lock()
	s.status = Degraded
	sessionID := s.sessionID
	s.mu.Unlock()

	s.logger.Warn("no heartbeat ack, session degraded",
		"session_id", sessionID,
		"last_ack", lastAck,
		"max_missed", s.cfg.MaxMissedHeartbeats,
	)

	s.failPending(ErrHeartbeatLost)
	s.emit(Event{Type: EventDegraded, SessionID: sessionID, Conn: s.connSeq.Load(), Err: ErrHeartbeatLost})
}

func (s *Session) handleFrame(c Client, msg TimestampedMessage) {
	frame, err := decodeFrame(msg.Data)
	if err != nil {
		s.logger.Warn("malformed frame", "error", err)
		return
	}

	switch frame.Type {
	case FrameUpdate:
		s.deliver(frame, msg.ReceivedAt)

	case FrameHeartbeat:
		s.answerHeartbeat(c, frame)

	case FrameHeartbeatAck:
		now := s.clock.Now()
		s.mu.Lock()
		s.lastHeartbeatAckAt = now
		s.mu.Unlock()

	case FrameSubscribeAck, FrameUnsubscribeAck:
		if !s.resolve(frame.ID, nil) {
			s.logger.Debug("ack without waiter", "type", frame.Type, "id", frame.ID)
		}

	case FrameError:
		reason := errorMessage(frame)
		if !s.resolve(frame.ID, fmt.Errorf("%w: %s", ErrSubscribeUnconfirmed, reason)) {
			s.logger.Warn("upstream error", "id", frame.ID, "message", reason)
		}

	default:
		s.logger.Debug("ignoring frame", "type", frame.Type)
	}
}

// deliver forwards an update without blocking frame processing.
func (s *Session) deliver(frame Frame, receivedAt time.Time) {
	var p UpdatePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Symbol == "" {
		s.logger.Warn("malformed update", "error", err)
		return
	}

	u := Update{
		Symbol:     p.Symbol,
		Price:      p.Price,
		ReceivedAt: receivedAt,
		Conn:       s.connSeq.Load(),
	}
	if p.Timestamp > 0 {
		u.Timestamp = time.UnixMilli(p.Timestamp)
	}

	select {
	case s.updates <- u:
	default:
		s.logger.Warn("update buffer full, dropping", "symbol", p.Symbol)
	}
}

func (s *Session) answerHeartbeat(c Client, frame Frame) {
	if err := s.write(c, FrameHeartbeatAck, frame.ID, nil); err != nil {
		s.logger.Debug("failed to answer heartbeat", "error", err)
	}
}

// write encodes and sends a frame. Called from the connection goroutine or
// with mu held.
func (s *Session) write(c Client, typ FrameType, id int64, payload any) error {
	frame := Frame{
		Type:    typ,
		ID:      id,
		Session: s.sessionID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		frame.Payload = raw
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	return c.Send(data)
}

// resolve hands err to the waiter for id. Returns false if none is waiting.
func (s *Session) resolve(id int64, err error) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	if !ok {
		return false
	}
	ch <- err
	return true
}

func (s *Session) forget(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// failPending fails every outstanding subscribe/unsubscribe with err.
func (s *Session) failPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	for id, ch := range s.pending {
		ch <- err
		delete(s.pending, id)
	}
}

func (s *Session) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) dispatchEvents() {
	defer close(s.dispatchDone)

	for ev := range s.events {
		s.listenersMu.RLock()
		listeners := slices.Clone(s.listeners)
		s.listenersMu.RUnlock()

		for _, fn := range listeners {
			fn(ev)
		}
	}
}

func decodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, err
	}
	if frame.Type == "" {
		return Frame{}, errors.New("frame without type")
	}
	return frame, nil
}

func errorMessage(frame Frame) string {
	var p ErrorPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return "unknown error"
	}
	if p.Message != "" {
		return p.Message
	}
	if p.Code != "" {
		return p.Code
	}
	return "unknown error"
}
