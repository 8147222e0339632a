// Package wsclient talks to a simulation engine bridge over a websocket.
//
// Requests are matched to responses by req_id. FRAME messages are dispatched
// to sensor listeners on the reader goroutine, so frame callbacks run
// concurrently with whichever goroutine issues requests.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"visualroad.ai/internal/engine"
	"visualroad.ai/internal/protocol"
)

var ErrClosed = errors.New("engine connection closed")

// RemoteError is an error reported by the engine for one request.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}

type Config struct {
	URL  string
	Name string
	// Timeout bounds each request. Zero means only the caller's context applies.
	Timeout time.Duration
	// IdleTimeout closes the connection when the engine sends nothing for this
	// long. Defaults to five minutes.
	IdleTimeout time.Duration
	Logger      *log.Logger
}

type Client struct {
	cfg  Config
	log  *log.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan protocol.RespMsg
	listeners map[engine.ActorID]engine.FrameFunc
	readErr   error

	welcome protocol.WelcomeMsg

	closeOnce sync.Once
	done      chan struct{}
}

var _ engine.Engine = (*Client)(nil)

// Dial connects, performs the HELLO/WELCOME handshake and starts the reader.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Name == "" {
		cfg.Name = "generator"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.DialContext(ctx, cfg.URL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      cfg.Name,
		MaxQueue:        64,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %q", string(msg))
	}
	if !protocol.IsSupportedVersion(w.ProtocolVersion) {
		_ = conn.Close()
		return nil, fmt.Errorf("unsupported protocol_version %q", w.ProtocolVersion)
	}

	c := &Client{
		cfg:       cfg,
		log:       logger,
		conn:      conn,
		pending:   map[string]chan protocol.RespMsg{},
		listeners: map[engine.ActorID]engine.FrameFunc{},
		welcome:   w,
		done:      make(chan struct{}),
	}
	go c.readLoop()
	logger.Printf("connected to engine session=%s map=%s", w.SessionID, w.CurrentMap)
	return c, nil
}

func (c *Client) SessionID() string { return c.welcome.SessionID }

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeResp:
			var r protocol.RespMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[r.ReqID]
			delete(c.pending, r.ReqID)
			c.mu.Unlock()
			if ch != nil {
				ch <- r
			}

		case protocol.TypeFrame:
			var f protocol.FrameMsg
			if err := json.Unmarshal(msg, &f); err != nil {
				c.log.Printf("drop malformed frame: %v", err)
				continue
			}
			c.mu.Lock()
			fn := c.listeners[f.Sensor]
			c.mu.Unlock()
			if fn != nil {
				fn(f.Image)
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: encode params: %w", method, err)
		}
		raw = b
	}
	req := protocol.ReqMsg{
		Type:            protocol.TypeReq,
		ProtocolVersion: protocol.Version,
		ReqID:           uuid.NewString(),
		Method:          method,
		Params:          raw,
	}

	ch := make(chan protocol.RespMsg, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return fmt.Errorf("%s: %w: %v", method, ErrClosed, err)
	}
	c.pending[req.ReqID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ReqID)
		return fmt.Errorf("%s: write: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(req.ReqID)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, ErrClosed)
		}
		if resp.Error != nil {
			if !protocol.IsKnownCode(resp.Error.Code) {
				c.log.Printf("%s: unknown error code %q", method, resp.Error.Code)
			}
			return &RemoteError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) forget(reqID string) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

func (c *Client) LoadWorld(ctx context.Context, mapName string) error {
	return c.call(ctx, protocol.MethodLoadWorld, protocol.MapParams{Map: mapName}, nil)
}

func (c *Client) SetWeather(ctx context.Context, preset string) error {
	return c.call(ctx, protocol.MethodSetWeather, protocol.WeatherParams{Preset: preset}, nil)
}

func (c *Client) Settings(ctx context.Context) (engine.WorldSettings, error) {
	var s engine.WorldSettings
	err := c.call(ctx, protocol.MethodGetSettings, nil, &s)
	return s, err
}

func (c *Client) ApplySettings(ctx context.Context, s engine.WorldSettings) error {
	return c.call(ctx, protocol.MethodApplySettings, s, nil)
}

func (c *Client) SpawnPoints(ctx context.Context) ([]engine.Transform, error) {
	var out []engine.Transform
	err := c.call(ctx, protocol.MethodSpawnPoints, nil, &out)
	return out, err
}

func (c *Client) RandomNavigationLocation(ctx context.Context) (engine.Location, error) {
	var out engine.Location
	err := c.call(ctx, protocol.MethodRandomNavLocation, nil, &out)
	return out, err
}

func (c *Client) Blueprints(ctx context.Context, filter string) ([]engine.Blueprint, error) {
	var out []engine.Blueprint
	err := c.call(ctx, protocol.MethodBlueprints, protocol.FilterParams{Filter: filter}, &out)
	return out, err
}

func (c *Client) FindBlueprint(ctx context.Context, id string) (engine.Blueprint, error) {
	var out engine.Blueprint
	err := c.call(ctx, protocol.MethodFindBlueprint, protocol.BlueprintIDParams{ID: id}, &out)
	return out, err
}

func (c *Client) SpawnActor(ctx context.Context, bp engine.Blueprint, at engine.Transform) (engine.ActorID, error) {
	var out protocol.SpawnResult
	err := c.call(ctx, protocol.MethodSpawnActor, protocol.SpawnParams{Blueprint: bp, Transform: at}, &out)
	return out.Actor, err
}

func (c *Client) ApplyBatchSync(ctx context.Context, cmds []engine.Command) ([]engine.Response, error) {
	var out protocol.BatchResult
	if err := c.call(ctx, protocol.MethodApplyBatchSync, protocol.BatchParams{Commands: cmds}, &out); err != nil {
		return nil, err
	}
	if len(out.Responses) != len(cmds) {
		return nil, fmt.Errorf("%s: got %d responses for %d commands", protocol.MethodApplyBatchSync, len(out.Responses), len(cmds))
	}
	return out.Responses, nil
}

// Listen registers fn before asking the engine to stream, so the first frame
// cannot race the registration.
func (c *Client) Listen(ctx context.Context, sensor engine.ActorID, fn engine.FrameFunc) error {
	c.mu.Lock()
	c.listeners[sensor] = fn
	c.mu.Unlock()
	if err := c.call(ctx, protocol.MethodListen, protocol.SensorParams{Sensor: sensor}, nil); err != nil {
		c.mu.Lock()
		delete(c.listeners, sensor)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) StopSensor(ctx context.Context, sensor engine.ActorID) error {
	err := c.call(ctx, protocol.MethodStopSensor, protocol.SensorParams{Sensor: sensor}, nil)
	c.mu.Lock()
	delete(c.listeners, sensor)
	c.mu.Unlock()
	return err
}

func (c *Client) Tick(ctx context.Context) (uint64, error) {
	var out protocol.TickResult
	err := c.call(ctx, protocol.MethodTick, nil, &out)
	return out.Frame, err
}
