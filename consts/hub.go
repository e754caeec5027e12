package consts

// Hub defaults shared by the hub client, the session and the configuration layer.
const (
	DefaultHubPath      = "/hub/messageHub"
	DefaultReceiveEvent = "ReceivedMessage"
)
