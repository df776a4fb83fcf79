package codec

// Websocket close codes used by the relay. They sit in the 3000-3999 range
// reserved for applications.
const (
	CloseAuthFailed = 3000
	CloseInternal   = 3001
	CloseMalformed  = 3002
	CloseEvicted    = 3003
)
