package protocol

import (
	"encoding/json"

	"visualroad.ai/internal/engine"
)

// HELLO (client -> engine)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	// MaxQueue bounds the engine's outbound queue for this client.
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (engine -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	EngineName      string `json:"engine_name,omitempty"`
	CurrentMap      string `json:"current_map,omitempty"`
}

// REQ (client -> engine)
type ReqMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ReqID           string          `json:"req_id"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// RESP (engine -> client)
type RespMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ReqID           string          `json:"req_id"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FRAME (engine -> client): one rendered image of a listened sensor.
type FrameMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	engine.Image
}

// Params and results per method.

type MapParams struct {
	Map string `json:"map"`
}

type WeatherParams struct {
	Preset string `json:"preset"`
}

type FilterParams struct {
	Filter string `json:"filter"`
}

type BlueprintIDParams struct {
	ID string `json:"id"`
}

type SpawnParams struct {
	Blueprint engine.Blueprint `json:"blueprint"`
	Transform engine.Transform `json:"transform"`
}

type SpawnResult struct {
	Actor engine.ActorID `json:"actor"`
}

type BatchParams struct {
	Commands []engine.Command `json:"commands"`
}

type BatchResult struct {
	Responses []engine.Response `json:"responses"`
}

type SensorParams struct {
	Sensor engine.ActorID `json:"sensor"`
}

type TickResult struct {
	Frame uint64 `json:"frame"`
}
