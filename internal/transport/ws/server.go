package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"visualroad.ai/internal/engine"
	"visualroad.ai/internal/protocol"
)

// Server exposes an engine.Engine to remote generators. Requests on one
// connection are served in order; frames of listened sensors are queued on
// the same connection ahead of the response that produced them.
type Server struct {
	engine engine.Engine
	name   string
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(e engine.Engine, name string, logger *log.Logger) *Server {
	return &Server{
		engine: e,
		name:   name,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 1024 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		out := s.handshake(conn)
		if out == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		var sensors []engine.ActorID
		send := func(v any) {
			b, err := json.Marshal(v)
			if err != nil {
				return
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
		}

		// Reader loop.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeReq {
				continue
			}
			var req protocol.ReqMsg
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			resp := protocol.RespMsg{Type: protocol.TypeResp, ProtocolVersion: protocol.Version, ReqID: req.ReqID}
			if !protocol.IsSupportedVersion(req.ProtocolVersion) {
				resp.Error = &protocol.ErrorBody{Code: protocol.ErrProtoBadRequest, Message: "bad protocol_version"}
				send(resp)
				continue
			}
			result, err := s.dispatch(ctx, req, send, &sensors)
			if err != nil {
				resp.Error = toErrorBody(err)
			} else if result != nil {
				b, err := json.Marshal(result)
				if err != nil {
					resp.Error = &protocol.ErrorBody{Code: protocol.ErrInternal, Message: err.Error()}
				} else {
					resp.Result = b
				}
			}
			send(resp)
		}

		// Cleanup: a vanished client must not leave sensors streaming.
		cancel()
		<-writerDone
		for _, id := range sensors {
			_ = s.engine.StopSensor(context.Background(), id)
		}
	}
}

type requestError struct {
	code string
	err  error
}

func (e *requestError) Error() string { return e.err.Error() }

func badRequest(err error) error { return &requestError{code: protocol.ErrBadRequest, err: err} }

func toErrorBody(err error) *protocol.ErrorBody {
	var re *requestError
	if errors.As(err, &re) {
		return &protocol.ErrorBody{Code: re.code, Message: re.Error()}
	}
	return &protocol.ErrorBody{Code: protocol.ErrInternal, Message: err.Error()}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return badRequest(errors.New("missing params"))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return badRequest(err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req protocol.ReqMsg, send func(any), sensors *[]engine.ActorID) (any, error) {
	e := s.engine
	switch req.Method {
	case protocol.MethodLoadWorld:
		var p protocol.MapParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		s.log.Printf("load world %s", p.Map)
		return nil, e.LoadWorld(ctx, p.Map)
	case protocol.MethodSetWeather:
		var p protocol.WeatherParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, e.SetWeather(ctx, p.Preset)
	case protocol.MethodGetSettings:
		return e.Settings(ctx)
	case protocol.MethodApplySettings:
		var p engine.WorldSettings
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, e.ApplySettings(ctx, p)
	case protocol.MethodSpawnPoints:
		return e.SpawnPoints(ctx)
	case protocol.MethodRandomNavLocation:
		return e.RandomNavigationLocation(ctx)
	case protocol.MethodBlueprints:
		var p protocol.FilterParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return e.Blueprints(ctx, p.Filter)
	case protocol.MethodFindBlueprint:
		var p protocol.BlueprintIDParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		bp, err := e.FindBlueprint(ctx, p.ID)
		if err != nil {
			return nil, &requestError{code: protocol.ErrNotFound, err: err}
		}
		return bp, nil
	case protocol.MethodSpawnActor:
		var p protocol.SpawnParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := e.SpawnActor(ctx, p.Blueprint, p.Transform)
		if err != nil {
			return nil, &requestError{code: protocol.ErrSpawnFailed, err: err}
		}
		return protocol.SpawnResult{Actor: id}, nil
	case protocol.MethodApplyBatchSync:
		var p protocol.BatchParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		rs, err := e.ApplyBatchSync(ctx, p.Commands)
		if err != nil {
			return nil, err
		}
		return protocol.BatchResult{Responses: rs}, nil
	case protocol.MethodListen:
		var p protocol.SensorParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		err := e.Listen(ctx, p.Sensor, func(img engine.Image) {
			send(protocol.FrameMsg{Type: protocol.TypeFrame, ProtocolVersion: protocol.Version, Image: img})
		})
		if err != nil {
			return nil, &requestError{code: protocol.ErrNotFound, err: err}
		}
		*sensors = append(*sensors, p.Sensor)
		return nil, nil
	case protocol.MethodStopSensor:
		var p protocol.SensorParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, e.StopSensor(ctx, p.Sensor)
	case protocol.MethodTick:
		frame, err := e.Tick(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.TickResult{Frame: frame}, nil
	default:
		return nil, &requestError{code: protocol.ErrUnsupported, err: errors.New("unknown method " + req.Method)}
	}
}

func (s *Server) handshake(conn *websocket.Conn) chan []byte {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	_ = conn.SetReadDeadline(time.Time{})

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if !protocol.IsSupportedVersion(hello.ProtocolVersion) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 256 {
		maxQ = 256
	}

	w := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		EngineName:      s.name,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return nil
	}
	s.log.Printf("client %q connected session=%s", hello.ClientName, w.SessionID)
	return make(chan []byte, maxQ)
}
