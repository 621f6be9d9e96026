package room

import (
	"context"
	"fmt"
	"sync"

	media "github.com/livekit/media-sdk"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"
)

// LiveKitConnector joins LiveKit rooms with the server SDK.
type LiveKitConnector struct {
	// RoomAudioRate is the rate remote audio is delivered at.
	RoomAudioRate int
	Logger        Logger
}

// NewLiveKitConnector creates a connector delivering room audio at roomRate.
func NewLiveKitConnector(roomRate int, logger Logger) *LiveKitConnector {
	if logger == nil {
		logger = nopLogger{}
	}
	return &LiveKitConnector{RoomAudioRate: roomRate, Logger: logger}
}

// Connect joins the room, publishes the device microphone track, and wires
// room callbacks to h.
func (c *LiveKitConnector) Connect(ctx context.Context, url, token string, h Handlers) (Room, error) {
	r := &liveKitRoom{
		handlers: h,
		rate:     c.RoomAudioRate,
		logger:   c.Logger,
		remote:   make(map[string]*remoteAudio),
	}

	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   r.onTrackSubscribed,
			OnTrackUnsubscribed: r.onTrackUnsubscribed,
			OnDataPacket:        r.onDataPacket,
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			if h.ParticipantConnected != nil {
				h.ParticipantConnected(string(rp.Identity()))
			}
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			if h.ParticipantDisconnected != nil {
				h.ParticipantDisconnected(string(rp.Identity()))
			}
		},
		OnDisconnected: func() {
			if h.Disconnected != nil {
				h.Disconnected()
			}
		},
	}

	type connectResult struct {
		room *lksdk.Room
		err  error
	}
	resCh := make(chan connectResult, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, token, cb, lksdk.WithAutoSubscribe(true))
		resCh <- connectResult{room, err}
	}()

	var res connectResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		// Disconnect a late join so it does not leak.
		go func() {
			if late := <-resCh; late.room != nil {
				late.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", url, res.err)
	}
	r.room = res.room

	track, err := lkmedia.NewPCMLocalTrack(micSampleRate, 1, nil)
	if err != nil {
		res.room.Disconnect()
		return nil, fmt.Errorf("creating mic track: %w", err)
	}
	if _, err := res.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "microphone",
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		track.Close()
		res.room.Disconnect()
		return nil, fmt.Errorf("publishing mic track: %w", err)
	}
	r.mic = track

	return r, nil
}

type liveKitRoom struct {
	handlers Handlers
	rate     int
	logger   Logger

	room *lksdk.Room
	mic  *lkmedia.PCMLocalTrack

	mu           sync.Mutex
	remote       map[string]*remoteAudio
	disconnected bool
}

func (r *liveKitRoom) PublishData(payload []byte) error {
	return r.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
	)
}

func (r *liveKitRoom) WriteSamples(pcm []int16) error {
	return r.mic.WriteSample(media.PCM16Sample(pcm))
}

func (r *liveKitRoom) Disconnect() {
	r.mu.Lock()
	if r.disconnected {
		r.mu.Unlock()
		return
	}
	r.disconnected = true
	tracks := r.remote
	r.remote = make(map[string]*remoteAudio)
	r.mu.Unlock()

	for _, t := range tracks {
		t.close()
	}
	r.mic.Close()
	r.room.Disconnect()
}

func (r *liveKitRoom) onDataPacket(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	payload := data.ToProto().GetUser().GetPayload()
	if len(payload) == 0 || r.handlers.Data == nil {
		return
	}
	r.handlers.Data(payload, params.SenderIdentity)
}

func (r *liveKitRoom) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	identity := string(rp.Identity())

	w := &remoteAudio{identity: identity, handlers: r.handlers}
	pcmTrack, err := lkmedia.NewPCMRemoteTrack(track, w,
		lkmedia.WithTargetSampleRate(r.rate),
		lkmedia.WithTargetChannels(1),
		lkmedia.WithHandleJitter(true),
	)
	if err != nil {
		r.logger.Warn("reading remote audio failed", "identity", identity, "error", err)
		return
	}
	w.track = pcmTrack

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disconnected {
		w.close()
		return
	}
	r.remote[pub.SID()] = w
}

func (r *liveKitRoom) onTrackUnsubscribed(_ *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, _ *lksdk.RemoteParticipant) {
	r.mu.Lock()
	w, ok := r.remote[pub.SID()]
	delete(r.remote, pub.SID())
	r.mu.Unlock()

	if ok {
		w.close()
	}
}

// remoteAudio receives decoded PCM from one remote track.
type remoteAudio struct {
	identity string
	handlers Handlers
	track    *lkmedia.PCMRemoteTrack
	endOnce  sync.Once
}

// WriteSample implements the SDK's PCM16 writer.
func (w *remoteAudio) WriteSample(sample media.PCM16Sample) error {
	if len(sample) > 0 && w.handlers.Audio != nil {
		w.handlers.Audio(w.identity, []int16(sample))
	}
	return nil
}

// Close implements the SDK's PCM16 writer. It fires when the stream ends.
func (w *remoteAudio) Close() error {
	w.end()
	return nil
}

func (w *remoteAudio) close() {
	if w.track != nil {
		w.track.Close()
	}
	w.end()
}

func (w *remoteAudio) end() {
	w.endOnce.Do(func() {
		if w.handlers.AudioEnd != nil {
			w.handlers.AudioEnd(w.identity)
		}
	})
}
