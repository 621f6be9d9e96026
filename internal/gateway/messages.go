package gateway

// Control message types exchanged with devices.
const (
	typeHello   = "hello"
	typeGoodbye = "goodbye"
	typeAbort   = "abort"
	typeError   = "error"
)

// transportUDP is the media transport advertised in the hello reply.
const transportUDP = "udp"

// helloFailedMessage is sent when a call cannot be set up.
const helloFailedMessage = "Failed to process hello message"

// controlMessage holds the fields the session reads from any device message.
type controlMessage struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
}

type helloReply struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	SessionID   string      `json:"session_id"`
	Transport   string      `json:"transport"`
	UDP         udpParams   `json:"udp"`
	AudioParams audioParams `json:"audio_params"`
}

type udpParams struct {
	Server     string `json:"server"`
	Port       int    `json:"port"`
	Encryption string `json:"encryption"`
	Key        string `json:"key"`
	Nonce      string `json:"nonce"`
}

type audioParams struct {
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
	Format        string `json:"format"`
}

type goodbyeMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
