// Package exchange contains the Deribit catalog client, frame decoder and
// websocket session.
package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// ChannelsPerInstrument is the number of channels one instrument consumes
// against the per-session cap (one quote stream, one trade stream).
const ChannelsPerInstrument = 2

const (
	heartbeatInterval    = 20 * time.Second
	dialTimeout          = 10 * time.Second
	writeTimeout         = 10 * time.Second
	subscribeChunkSize   = 100 // instruments per control frame
	maxReconnectInterval = 60 * time.Second
)

// SessionState names one state of the per-session state machine
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateConnecting SessionState = "connecting"
	StateConnected  SessionState = "connected"
	StateDraining   SessionState = "draining"
	StateBroken     SessionState = "broken"
	StateStopped    SessionState = "stopped"
)

// FailedInstrument names one instrument a command could not apply to
type FailedInstrument struct {
	Instrument string `json:"instrument"`
	Error      string `json:"error"`
}

// CommandResult reports the outcome of a subscribe or unsubscribe command
type CommandResult struct {
	Subscribed        []string
	AlreadySubscribed []string
	Unsubscribed      []string
	NotFound          []string
	Failed            []FailedInstrument
	TotalInstruments  int
}

// SessionStatus is a read-only snapshot of one session
type SessionStatus struct {
	ID           int
	State        SessionState
	Connected    bool
	Instruments  []string
	ChannelCount int
	LastEventAt  time.Time
	BrokenSince  time.Time
	DecodeErrors int64
}

// rpcRequest is the JSON-RPC request frame shape
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Session owns one websocket connection to the exchange. The intended
// instrument set survives disconnects; every reconnect re-issues the full
// set, which is the canonical recovery mechanism.
type Session struct {
	id      int
	url     string
	cap     int
	handler func(Event)

	mu          sync.Mutex
	wanted      map[string]struct{}
	conn        *websocket.Conn
	state       SessionState
	stateSince  time.Time
	capEstimate int

	writeMu      sync.Mutex
	reqID        atomic.Int64
	lastEvent    atomic.Int64
	decodeErrors atomic.Int64
}

// NewSession creates a session. The handler receives every decoded quote
// and trade event.
func NewSession(id int, url string, channelCap int, handler func(Event)) *Session {
	return &Session{
		id:          id,
		url:         url,
		cap:         channelCap,
		handler:     handler,
		wanted:      make(map[string]struct{}),
		state:       StateIdle,
		stateSince:  time.Now(),
		capEstimate: channelCap,
	}
}

// ID returns the session identifier
func (s *Session) ID() int { return s.id }

// Run drives the connect/read/reconnect loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = time.Second
	backoffCfg.Multiplier = 2
	backoffCfg.RandomizationFactor = 0.2
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		default:
		}

		s.setState(StateConnecting)
		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, _, err := dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.setState(StateBroken)
			zaplogger.Warn("session dial failed", zaplogger.Fields{
				"session": s.id,
				"error":   err.Error(),
			})
			if !s.sleepBackoff(ctx, backoffCfg) {
				s.shutdown()
				return
			}
			continue
		}

		s.attachConn(conn)
		zaplogger.Info("session connected", zaplogger.Fields{
			"session":     s.id,
			"instruments": s.instrumentCount(),
		})

		if err := s.send("public/set_heartbeat", map[string]interface{}{
			"interval": int(heartbeatInterval.Seconds()),
		}); err != nil {
			zaplogger.Warn("set_heartbeat failed", zaplogger.Fields{
				"session": s.id,
				"error":   err.Error(),
			})
		}
		if err := s.resubscribeAll(); err != nil {
			zaplogger.Warn("resubscribe failed", zaplogger.Fields{
				"session": s.id,
				"error":   err.Error(),
			})
		}

		backoffCfg.Reset()
		err = s.readLoop(ctx)
		s.detachConn()

		if ctx.Err() != nil {
			s.shutdown()
			return
		}

		s.setState(StateBroken)
		zaplogger.Warn("session broken", zaplogger.Fields{
			"session": s.id,
			"error":   err.Error(),
		})
		if !s.sleepBackoff(ctx, backoffCfg) {
			s.shutdown()
			return
		}
	}
}

// sleepBackoff waits for the next reconnect delay; returns false when ctx
// was cancelled during the wait.
func (s *Session) sleepBackoff(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) bool {
	sleep := backoffCfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = maxReconnectInterval
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}

// readLoop consumes frames until the connection fails. A missing frame for
// twice the heartbeat interval is treated as a dead connection.
func (s *Session) readLoop(ctx context.Context) error {
	conn := s.currentConn()
	if conn == nil {
		return fmt.Errorf("session %d has no connection", s.id)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := conn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval)); err != nil {
			return err
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.lastEvent.Store(time.Now().UnixNano())

		events, decodeErr := Decode(frame)
		if decodeErr != nil {
			s.decodeErrors.Add(1)
			zaplogger.Debug("frame decode error", zaplogger.Fields{
				"session": s.id,
				"error":   decodeErr.Error(),
			})
		}
		for _, ev := range events {
			s.dispatch(ev)
		}
	}
}

func (s *Session) dispatch(ev Event) {
	switch ev.Kind {
	case EventQuote, EventTrade:
		s.handler(ev)
	case EventTestRequest:
		if err := s.send("public/test", nil); err != nil {
			zaplogger.Warn("heartbeat reply failed", zaplogger.Fields{
				"session": s.id,
				"error":   err.Error(),
			})
		}
	case EventError:
		// the exchange reports cap breaches as subscription errors; halve
		// the capacity estimate until reconnect
		if strings.Contains(strings.ToLower(ev.ErrMessage), "subscription") {
			s.halveCapEstimate()
		}
		zaplogger.Warn("exchange error frame", zaplogger.Fields{
			"session": s.id,
			"code":    ev.ErrCode,
			"message": ev.ErrMessage,
		})
	case EventHeartbeat, EventAck:
		// silent
	}
}

// Subscribe adds instruments to the intended set and, when connected,
// issues the channel subscriptions. Already-subscribed instruments are
// skipped; instruments beyond the capacity estimate are rejected.
func (s *Session) Subscribe(instruments []string) CommandResult {
	var result CommandResult

	s.mu.Lock()
	if s.state == StateDraining || s.state == StateStopped {
		s.mu.Unlock()
		for _, name := range instruments {
			result.Failed = append(result.Failed, FailedInstrument{Instrument: name, Error: "session is shutting down"})
		}
		return result
	}
	accepted := make([]string, 0, len(instruments))
	for _, name := range instruments {
		if _, ok := s.wanted[name]; ok {
			result.AlreadySubscribed = append(result.AlreadySubscribed, name)
			continue
		}
		if (len(s.wanted)+1)*ChannelsPerInstrument > s.capEstimate {
			result.Failed = append(result.Failed, FailedInstrument{Instrument: name, Error: "capacity_exceeded"})
			continue
		}
		s.wanted[name] = struct{}{}
		accepted = append(accepted, name)
	}
	result.TotalInstruments = len(s.wanted)
	connected := s.conn != nil
	s.mu.Unlock()

	result.Subscribed = accepted
	if connected && len(accepted) > 0 {
		if err := s.sendChannelCommand("public/subscribe", accepted); err != nil {
			// the intended set keeps the names; the next reconnect replays them
			zaplogger.Warn("subscribe send failed, queued for reconnect", zaplogger.Fields{
				"session": s.id,
				"count":   len(accepted),
				"error":   err.Error(),
			})
		}
	}
	return result
}

// Unsubscribe removes instruments from the intended set and, when
// connected, tears the channels down. Non-present instruments are skipped.
func (s *Session) Unsubscribe(instruments []string) CommandResult {
	var result CommandResult

	s.mu.Lock()
	removed := make([]string, 0, len(instruments))
	for _, name := range instruments {
		if _, ok := s.wanted[name]; !ok {
			result.NotFound = append(result.NotFound, name)
			continue
		}
		delete(s.wanted, name)
		removed = append(removed, name)
	}
	result.TotalInstruments = len(s.wanted)
	connected := s.conn != nil
	s.mu.Unlock()

	result.Unsubscribed = removed
	if connected && len(removed) > 0 {
		if err := s.sendChannelCommand("public/unsubscribe", removed); err != nil {
			// already out of the intended set; reconnect will not restore it
			zaplogger.Warn("unsubscribe send failed", zaplogger.Fields{
				"session": s.id,
				"count":   len(removed),
				"error":   err.Error(),
			})
		}
	}
	return result
}

// Instruments returns the sorted intended instrument set
func (s *Session) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.wanted))
	for name := range s.wanted {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns a read-only snapshot of the session
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	state := s.state
	stateSince := s.stateSince
	connected := s.conn != nil
	count := len(s.wanted)
	names := make([]string, 0, count)
	for name := range s.wanted {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	var lastEvent time.Time
	if nanos := s.lastEvent.Load(); nanos > 0 {
		lastEvent = time.Unix(0, nanos)
	}
	var brokenSince time.Time
	if state == StateBroken || state == StateConnecting {
		brokenSince = stateSince
	}

	return SessionStatus{
		ID:           s.id,
		State:        state,
		Connected:    connected,
		Instruments:  names,
		ChannelCount: count * ChannelsPerInstrument,
		LastEventAt:  lastEvent,
		BrokenSince:  brokenSince,
		DecodeErrors: s.decodeErrors.Load(),
	}
}

// State returns the current session state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// resubscribeAll re-issues the full intended instrument set
func (s *Session) resubscribeAll() error {
	names := s.Instruments()
	if len(names) == 0 {
		return nil
	}
	return s.sendChannelCommand("public/subscribe", names)
}

// sendChannelCommand sends subscribe/unsubscribe frames, chunked to keep
// individual control frames small.
func (s *Session) sendChannelCommand(method string, instruments []string) error {
	for start := 0; start < len(instruments); start += subscribeChunkSize {
		end := start + subscribeChunkSize
		if end > len(instruments) {
			end = len(instruments)
		}
		channels := make([]string, 0, (end-start)*ChannelsPerInstrument)
		for _, name := range instruments[start:end] {
			channels = append(channels, "ticker."+name+".100ms", "trades."+name+".100ms")
		}
		if err := s.send(method, map[string]interface{}{"channels": channels}); err != nil {
			return err
		}
	}
	return nil
}

// send writes one JSON-RPC request frame
func (s *Session) send(method string, params interface{}) error {
	conn := s.currentConn()
	if conn == nil {
		return fmt.Errorf("session %d not connected", s.id)
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      s.reqID.Add(1),
		Method:  method,
		Params:  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) attachConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.capEstimate = s.cap
	s.state = StateConnected
	s.stateSince = time.Now()
}

func (s *Session) detachConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.stateSince = time.Now()
}

func (s *Session) halveCapEstimate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capEstimate > ChannelsPerInstrument {
		s.capEstimate /= 2
	}
}

func (s *Session) instrumentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wanted)
}

// shutdown sends a close frame and marks the session stopped
func (s *Session) shutdown() {
	s.setState(StateDraining)

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(5 * time.Second)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage, message, deadline)
		s.writeMu.Unlock()
		conn.Close()
	}

	s.setState(StateStopped)
	zaplogger.Info("session stopped", zaplogger.Fields{"session": s.id})
}
