package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Engine layer.
	ErrBadRequest  = "E_BAD_REQUEST"
	ErrNotFound    = "E_NOT_FOUND"
	ErrSpawnFailed = "E_SPAWN_FAILED"
	ErrUnsupported = "E_UNSUPPORTED"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrNotFound:        {},
	ErrSpawnFailed:     {},
	ErrUnsupported:     {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
