package negotiator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsignal/internal/signaling"
)

// DataChannelLabel names the negotiated in-call control channel. Both
// peers create it with ID 0 instead of announcing it in SDP.
const DataChannelLabel = "signaling"

// PionConfig configures PionEngine.
type PionConfig struct {
	STUNServers []string
	Cameras     []mediadevices.MediaDeviceInfo
	// OnCameraChange tells the capture pipeline which camera to feed into
	// VideoTrack after a flip.
	OnCameraChange func(device mediadevices.MediaDeviceInfo)
	Logger         *zap.Logger
}

// PionEngine implements Engine on a pion PeerConnection. Captured media is
// written into AudioTrack and VideoTrack by the capture pipeline.
type PionEngine struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	obs    EngineObserver
	cfg    PionConfig
	logger *zap.Logger

	mu          sync.Mutex
	audioTrack  *webrtc.TrackLocalStaticSample
	audioSender *webrtc.RTPSender
	videoTrack  *webrtc.TrackLocalStaticSample
	videoSender *webrtc.RTPSender
	cameraIndex int
}

// NewPionFactory returns an EngineFactory building PionEngines from cfg.
func NewPionFactory(cfg PionConfig) EngineFactory {
	return func(obs EngineObserver) (Engine, error) {
		return NewPionEngine(cfg, obs)
	}
}

func NewPionEngine(cfg PionConfig, obs EngineObserver) (*PionEngine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pcConfig := webrtc.Configuration{
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
	if len(cfg.STUNServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}

	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	negotiated := true
	var id uint16
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	e := &PionEngine{
		pc:     pc,
		dc:     dc,
		obs:    obs,
		cfg:    cfg,
		logger: cfg.Logger.Named("pion-engine"),
	}
	e.setupCallbacks()
	return e, nil
}

func (e *PionEngine) setupCallbacks() {
	e.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			return
		}
		ci := candidate.ToJSON()
		c := signaling.Candidate{SDP: ci.Candidate}
		if ci.SDPMid != nil {
			c.SDPMid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			c.SDPMLineIndex = int(*ci.SDPMLineIndex)
		}
		e.obs.OnICECandidate(c)
	})

	e.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.logger.Debug("ICE connection state changed", zap.String("state", state.String()))
		e.obs.OnConnectivityChange(connectivityFromICE(state))
	})

	e.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		e.obs.OnDataMessage(msg.Data)
	})
}

func connectivityFromICE(state webrtc.ICEConnectionState) Connectivity {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return ConnectivityChecking
	case webrtc.ICEConnectionStateConnected:
		return ConnectivityConnected
	case webrtc.ICEConnectionStateCompleted:
		return ConnectivityCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ConnectivityDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnectivityFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnectivityClosed
	default:
		return ConnectivityNew
	}
}

func toPion(desc signaling.SessionDescription) webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if desc.Type == signaling.SDPTypeAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}
}

func fromPion(desc webrtc.SessionDescription) signaling.SessionDescription {
	t := signaling.SDPTypeOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		t = signaling.SDPTypeAnswer
	}
	return signaling.SessionDescription{Type: t, SDP: desc.SDP}
}

func (e *PionEngine) CreateOffer(obs SDPObserver, c Constraints) {
	go func() {
		offer, err := e.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: c.ICERestart})
		if err != nil {
			obs.OnCreateFailure(err)
			return
		}
		obs.OnCreateSuccess(fromPion(offer))
	}()
}

func (e *PionEngine) CreateAnswer(obs SDPObserver, _ Constraints) {
	go func() {
		answer, err := e.pc.CreateAnswer(nil)
		if err != nil {
			obs.OnCreateFailure(err)
			return
		}
		obs.OnCreateSuccess(fromPion(answer))
	}()
}

func (e *PionEngine) SetLocalDescription(obs SDPObserver, desc signaling.SessionDescription) {
	go func() {
		if err := e.pc.SetLocalDescription(toPion(desc)); err != nil {
			obs.OnSetFailure(err)
			return
		}
		obs.OnSetSuccess()
	}()
}

func (e *PionEngine) SetRemoteDescription(obs SDPObserver, desc signaling.SessionDescription) {
	go func() {
		if err := e.pc.SetRemoteDescription(toPion(desc)); err != nil {
			obs.OnSetFailure(err)
			return
		}
		obs.OnSetSuccess()
	}()
}

func (e *PionEngine) AddICECandidate(c signaling.Candidate) error {
	mid := c.SDPMid
	index := uint16(c.SDPMLineIndex)
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.SDP,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
}

func (e *PionEngine) AddAudioTrack() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "call")
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	sender, err := e.addTrack(track)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.audioTrack, e.audioSender = track, sender
	e.mu.Unlock()
	return nil
}

func (e *PionEngine) AddVideoTrack() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "call")
	if err != nil {
		return fmt.Errorf("failed to create video track: %w", err)
	}
	sender, err := e.addTrack(track)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.videoTrack, e.videoSender = track, sender
	e.mu.Unlock()
	e.selectCamera(0)
	return nil
}

func (e *PionEngine) addTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := e.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}
	// drain RTCP so interceptors keep running
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

// AudioTrack is where captured Opus samples are written.
func (e *PionEngine) AudioTrack() *webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audioTrack
}

// VideoTrack is where captured VP8 samples are written, or nil.
func (e *PionEngine) VideoTrack() *webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.videoTrack
}

// SetAudioEnabled mutes by detaching the track from its sender.
func (e *PionEngine) SetAudioEnabled(enabled bool) error {
	e.mu.Lock()
	sender, track := e.audioSender, e.audioTrack
	e.mu.Unlock()
	return replaceTrack(sender, track, enabled)
}

func (e *PionEngine) SetVideoEnabled(enabled bool) error {
	e.mu.Lock()
	sender, track := e.videoSender, e.videoTrack
	e.mu.Unlock()
	if sender == nil {
		if enabled {
			return errors.New("no video track")
		}
		return nil
	}
	return replaceTrack(sender, track, enabled)
}

func replaceTrack(sender *webrtc.RTPSender, track *webrtc.TrackLocalStaticSample, enabled bool) error {
	if sender == nil {
		return errors.New("track not added")
	}
	if enabled {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// FlipCamera switches to the next camera.
func (e *PionEngine) FlipCamera() error {
	e.mu.Lock()
	n := len(e.cfg.Cameras)
	next := e.cameraIndex + 1
	e.mu.Unlock()
	if n < 2 {
		return errors.New("no other camera to switch to")
	}
	e.selectCamera(next % n)
	return nil
}

func (e *PionEngine) selectCamera(index int) {
	e.mu.Lock()
	if index >= len(e.cfg.Cameras) {
		e.mu.Unlock()
		return
	}
	e.cameraIndex = index
	device := e.cfg.Cameras[index]
	e.mu.Unlock()

	e.logger.Info("camera selected", zap.String("label", device.Label), zap.String("device_id", device.DeviceID))
	if e.cfg.OnCameraChange != nil {
		e.cfg.OnCameraChange(device)
	}
}

func (e *PionEngine) SendData(data []byte) error {
	if e.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	return e.dc.Send(data)
}

func (e *PionEngine) Close() error {
	if err := e.dc.Close(); err != nil {
		e.logger.Debug("data channel close failed", zap.Error(err))
	}
	return e.pc.Close()
}
