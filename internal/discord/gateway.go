package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

const (
	intentGuilds        = 1 << 0
	intentGuildMessages = 1 << 9
)

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type outboundPayload struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// fatalError stops the dial loop; retrying cannot succeed.
type fatalError struct {
	err error
}

func (e fatalError) Error() string {
	return e.err.Error()
}

func (e fatalError) Unwrap() error {
	return e.err
}

// session is a logged-in gateway connection kept alive by heartbeats.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	seq     atomic.Int64
	acked   atomic.Bool
	stop    chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

func (c *Client) openSession(ctx context.Context) error {
	backoff := c.retryDelay

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Info("connecting to gateway", zap.String("url", c.cfg.GatewayURL))
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.GatewayURL, nil)
		if err != nil {
			c.logger.Warn("gateway connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
			wait(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		s := &session{conn: conn, stop: make(chan struct{}), logger: c.logger}
		s.seq.Store(-1)
		interval, user, err := s.identify(ctx, c.cfg.Token)
		if err != nil {
			_ = conn.Close()
			var fatal fatalError
			if errors.As(err, &fatal) || ctx.Err() != nil {
				return err
			}
			c.logger.Warn("gateway handshake failed", zap.Error(err), zap.Duration("retry_in", backoff))
			wait(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		c.sessionMu.Lock()
		if ctx.Err() != nil {
			c.sessionMu.Unlock()
			_ = s.close()
			return ctx.Err()
		}
		c.session = s
		c.sessionMu.Unlock()
		c.logger.Info("gateway ready", zap.String("user", user), zap.Duration("heartbeat", interval))

		go s.readPump()
		go s.heartbeat(interval)
		return nil
	}
}

// identify runs HELLO, IDENTIFY and waits for the READY dispatch.
func (s *session) identify(ctx context.Context, token string) (time.Duration, string, error) {
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-stopWatch:
		}
	}()

	hello, err := s.read()
	if err != nil {
		return 0, "", err
	}
	if hello.Op != opHello {
		return 0, "", fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return 0, "", fmt.Errorf("decode hello: %w", err)
	}
	if hd.HeartbeatInterval <= 0 {
		return 0, "", fmt.Errorf("invalid heartbeat interval %d", hd.HeartbeatInterval)
	}

	err = s.write(opIdentify, identifyData{
		Token:   token,
		Intents: intentGuilds | intentGuildMessages,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "eas-notify",
			Device:  "eas-notify",
		},
	})
	if err != nil {
		return 0, "", err
	}

	for {
		msg, err := s.read()
		if err != nil {
			return 0, "", err
		}
		switch msg.Op {
		case opDispatch:
			if msg.T != "READY" {
				continue
			}
			var rd readyData
			if err := json.Unmarshal(msg.D, &rd); err != nil {
				return 0, "", fmt.Errorf("decode ready: %w", err)
			}
			return time.Duration(hd.HeartbeatInterval) * time.Millisecond, rd.User.Username, nil
		case opHeartbeat:
			if err := s.write(opHeartbeat, s.lastSeq()); err != nil {
				return 0, "", err
			}
		case opInvalidSession:
			return 0, "", errors.New("gateway rejected the session")
		case opReconnect:
			return 0, "", errors.New("gateway asked to reconnect")
		}
	}
}

func (s *session) read() (gatewayPayload, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && fatalCloseCode(closeErr.Code) {
			return gatewayPayload{}, fatalError{err: fmt.Errorf("gateway closed: %w", err)}
		}
		return gatewayPayload{}, err
	}
	var msg gatewayPayload
	if err := json.Unmarshal(data, &msg); err != nil {
		return gatewayPayload{}, fmt.Errorf("decode gateway message: %w", err)
	}
	if msg.S != nil {
		s.seq.Store(*msg.S)
	}
	return msg, nil
}

func (s *session) write(op int, d any) error {
	encoded, err := json.Marshal(outboundPayload{Op: op, D: d})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, encoded)
}

func (s *session) lastSeq() *int64 {
	seq := s.seq.Load()
	if seq < 0 {
		return nil
	}
	return &seq
}

// readPump drains the connection so acks and heartbeat requests are seen.
func (s *session) readPump() {
	defer s.close()
	for {
		msg, err := s.read()
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.logger.Warn("gateway session closed", zap.Error(err))
			}
			return
		}
		switch msg.Op {
		case opHeartbeatAck:
			s.acked.Store(true)
		case opHeartbeat:
			if err := s.write(opHeartbeat, s.lastSeq()); err != nil {
				return
			}
		case opReconnect, opInvalidSession:
			s.logger.Warn("gateway session ended by server", zap.Int("op", msg.Op))
			return
		}
	}
}

func (s *session) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.acked.Store(true)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.acked.Swap(false) {
				s.logger.Warn("gateway heartbeat not acknowledged, closing session")
				_ = s.close()
				return
			}
			if err := s.write(opHeartbeat, s.lastSeq()); err != nil {
				s.logger.Warn("gateway heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *session) close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// fatalCloseCode reports gateway close codes that mean the bot is
// misconfigured: bad token, version, intents or sharding.
func fatalCloseCode(code int) bool {
	switch code {
	case 4004, 4010, 4011, 4012, 4013, 4014:
		return true
	}
	return false
}

func wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > 30*time.Second {
		return 30 * time.Second
	}
	return next
}
