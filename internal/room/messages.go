package room

import (
	"strconv"
	"strings"
	"time"
)

// messageSource tags every packet the gateway publishes into a room.
const messageSource = "mqtt_gateway"

// defaultVolumeStep applies to volume_up/volume_down without a step.
const defaultVolumeStep = 10

// Device-bound message types.
const (
	TypeTTS        = "tts"
	TypeSTT        = "stt"
	TypeLLM        = "llm"
	TypeMCP        = "mcp"
	TypeRecordStop = "record_stop"
)

// TTS states.
const (
	TTSStart         = "start"
	TTSStop          = "stop"
	TTSSentenceStart = "sentence_start"
)

// TTSMessage reports speech playback state to the device.
type TTSMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

// STTMessage carries a user transcript to the device.
type STTMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// LLMMessage carries a thinking state or a text reply with an emotion.
type LLMMessage struct {
	Type      string `json:"type"`
	State     string `json:"state,omitempty"`
	Text      string `json:"text,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
	SessionID string `json:"session_id"`
}

// RecordStopMessage tells the device to stop capturing.
type RecordStopMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// MCPMessage is a JSON-RPC tool call for the device firmware.
type MCPMessage struct {
	Type      string     `json:"type"`
	Payload   MCPPayload `json:"payload"`
	SessionID string     `json:"session_id"`
	Timestamp any        `json:"timestamp"`
	RequestID string     `json:"request_id"`
}

// MCPPayload is the JSON-RPC 2.0 body of an MCPMessage.
type MCPPayload struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  MCPParams `json:"params"`
	ID      int64     `json:"id"`
}

// MCPParams names the tool and its arguments.
type MCPParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// AgentMessage is published into the room for the agent.
type AgentMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	Message    string `json:"message,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	DeviceMAC  string `json:"device_mac,omitempty"`
	DeviceUUID string `json:"device_uuid,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Source     string `json:"source"`
}

// Agent-bound message types.
const (
	AgentAbortPlayback = "abort_playback"
	AgentEndPrompt     = "end_prompt"
	AgentCleanup       = "cleanup_request"
	AgentDeviceInfo    = "device_info"
	AgentReady         = "agent_ready"
)

// greetingMessage asks the agent to open the conversation.
const greetingMessage = "Say hello to the user"

// roomMessage is any JSON packet received on the data channel.
type roomMessage struct {
	Type         string        `json:"type"`
	Data         roomEventData `json:"data"`
	Action       string        `json:"action"`
	Command      string        `json:"command"`
	Volume       any           `json:"volume"`
	Value        any           `json:"value"`
	Step         any           `json:"step"`
	Timestamp    any           `json:"timestamp"`
	RequestID    string        `json:"request_id"`
	FunctionCall *functionCall `json:"function_call"`
	LoopEnabled  bool          `json:"loop_enabled"`
	ContentType  string        `json:"content_type"`
	State        string        `json:"state"`
	Text         string        `json:"text"`
	Emotion      string        `json:"emotion"`
}

type roomEventData struct {
	OldState   string `json:"old_state"`
	NewState   string `json:"new_state"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

type functionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Room event types handled by the bridge.
const (
	eventAgentStateChanged    = "agent_state_changed"
	eventUserInputTranscribed = "user_input_transcribed"
	eventSpeechCreated        = "speech_created"
	eventDeviceControl        = "device_control"
	eventFunctionCall         = "function_call"
	eventMusicStopped         = "music_playback_stopped"
	eventLoopState            = "loop_state"
)

// deviceControlFunctions maps device_control actions to function names.
var deviceControlFunctions = map[string]string{
	"set_volume":         "self_set_volume",
	"volume_up":          "self_volume_up",
	"volume_down":        "self_volume_down",
	"get_volume":         "self_get_volume",
	"mute":               "self_mute",
	"unmute":             "self_unmute",
	"set_light_color":    "self_set_light_color",
	"get_battery_status": "self_get_battery_status",
	"set_light_mode":     "self_set_light_mode",
	"set_rainbow_speed":  "self_set_rainbow_speed",
}

// mcpTools maps function names to firmware MCP tool names.
var mcpTools = map[string]string{
	"self_set_volume":         "self.audio_speaker.set_volume",
	"self_get_volume":         "self.get_device_status",
	"self_volume_up":          "self.audio_speaker.volume_up",
	"self_volume_down":        "self.audio_speaker.volume_down",
	"self_mute":               "self.audio_speaker.mute",
	"self_unmute":             "self.audio_speaker.unmute",
	"self_set_light_color":    "self.led.set_color",
	"self_get_battery_status": "self.battery.get_status",
	"self_set_light_mode":     "self.led.set_mode",
	"self_set_rainbow_speed":  "self.led.set_rainbow_speed",
}

// MCPToolName returns the firmware tool for a function name. Unknown names
// are returned unchanged.
func MCPToolName(function string) string {
	if tool, ok := mcpTools[function]; ok {
		return tool
	}
	return function
}

// deviceControlCall converts a device_control packet into a function call.
// ok is false for unknown actions.
func deviceControlCall(msg roomMessage, now time.Time) (fc functionCall, requestID string, ok bool) {
	action := msg.Action
	if action == "" {
		action = msg.Command
	}
	name, ok := deviceControlFunctions[action]
	if !ok {
		return functionCall{}, "", false
	}

	args := map[string]any{}
	switch action {
	case "set_volume":
		if v := firstSet(msg.Volume, msg.Value); v != nil {
			args["volume"] = v
		}
	case "volume_up", "volume_down":
		args["step"] = firstSet(msg.Step, msg.Value, defaultVolumeStep)
	}

	requestID = msg.RequestID
	if requestID == "" {
		requestID = "req_" + strconv.FormatInt(now.UnixMilli(), 10)
	}
	return functionCall{Name: name, Arguments: args}, requestID, true
}

// mcpCall builds the device tool call for fc.
//
// Known functions keep the caller's request id and timestamp. Unknown
// functions are forwarded under their own name with a fresh id.
func mcpCall(fc functionCall, requestID string, timestamp any, sessionID string, now time.Time) MCPMessage {
	id := now.UnixMilli()
	ts := timestamp
	if _, known := mcpTools[fc.Name]; known {
		if n, err := strconv.ParseInt(strings.TrimPrefix(requestID, "req_"), 10, 64); err == nil {
			id = n
		}
	} else {
		ts = nil
	}
	if isUnset(ts) {
		ts = now.UTC().Format("2006-01-02T15:04:05.000Z")
	}

	args := fc.Arguments
	if args == nil {
		args = map[string]any{}
	}

	return MCPMessage{
		Type: TypeMCP,
		Payload: MCPPayload{
			JSONRPC: "2.0",
			Method:  "tools/call",
			Params:  MCPParams{Name: MCPToolName(fc.Name), Arguments: args},
			ID:      id,
		},
		SessionID: sessionID,
		Timestamp: ts,
		RequestID: "req_" + strconv.FormatInt(id, 10),
	}
}

// firstSet returns the first value that is not nil, zero, empty or false.
func firstSet(vals ...any) any {
	for _, v := range vals {
		if !isUnset(v) {
			return v
		}
	}
	return nil
}

func isUnset(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == ""
	case float64:
		return x == 0
	case int:
		return x == 0
	}
	return false
}
