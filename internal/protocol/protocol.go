package protocol

import "encoding/json"

const Version = "1.0"

// EnginePath is the websocket endpoint an engine bridge serves.
const EnginePath = "/v1/engine"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeReq     = "REQ"
	TypeResp    = "RESP"
	TypeFrame   = "FRAME"
)

// Engine methods carried by REQ messages.
const (
	MethodLoadWorld         = "load_world"
	MethodSetWeather        = "set_weather"
	MethodGetSettings       = "get_settings"
	MethodApplySettings     = "apply_settings"
	MethodSpawnPoints       = "spawn_points"
	MethodRandomNavLocation = "random_nav_location"
	MethodBlueprints        = "blueprints"
	MethodFindBlueprint     = "find_blueprint"
	MethodSpawnActor        = "spawn_actor"
	MethodApplyBatchSync    = "apply_batch_sync"
	MethodListen            = "listen"
	MethodStopSensor        = "stop_sensor"
	MethodTick              = "tick"
)

var supportedVersions = map[string]struct{}{
	Version: {},
}

func IsSupportedVersion(v string) bool {
	_, ok := supportedVersions[v]
	return ok
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
