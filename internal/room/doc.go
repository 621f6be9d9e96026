// Package room bridges one device session into a media room.
//
// A Bridge joins a room named {uuid}_{mac} as the device's MAC, publishes a
// 16 kHz microphone track fed from device uplink audio, and converts room
// audio back into device frames through an audio.Outbound. JSON packets on
// the room's data channel are translated into device control messages
// (tts, stt, llm, mcp); gateway events such as abort and end-of-call are
// published back to the agent the same way.
//
// The media server itself sits behind the Connector and Room interfaces.
// LiveKitConnector is the production implementation.
package room
