// Package livekit adapts a LiveKit room to core.SessionClient.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

var ErrNoMicrophone = errors.New("microphone track not published")

const (
	DefaultAgentPrefix = "agent-"
	eventBuffer        = 512
)

type Config struct {
	// AgentPrefix marks identities that belong to the voice agent.
	AgentPrefix string
	// PublishMicrophone publishes an Opus track on join.
	PublishMicrophone bool
}

type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	if cfg.AgentPrefix == "" {
		cfg.AgentPrefix = DefaultAgentPrefix
	}
	return &Dialer{cfg: cfg}
}

// Session is one joined room. Callback events are forwarded to a single
// channel which is closed exactly once when the room goes away.
type Session struct {
	cfg    Config
	room   *lksdk.Room
	logger zerolog.Logger

	events chan core.Event
	stop   chan struct{}
	once   sync.Once

	sendMu sync.RWMutex
	closed bool

	stateMu sync.Mutex
	ready   bool
	pending []core.Event

	// unregister removes a text stream handler; set once the room exists
	unregister func(topic string)
	topics     []string

	trackMu  sync.Mutex
	audio    *webrtc.TrackLocalStaticRTP
	video    *webrtc.TrackLocalStaticRTP
	audioPub *lksdk.LocalTrackPublication
	videoPub *lksdk.LocalTrackPublication
}

func (d *Dialer) Dial(ctx context.Context, creds *core.Credentials) (core.SessionClient, error) {
	if creds == nil || creds.ServerURL == "" || creds.Token == "" {
		return nil, errors.New("dial: incomplete credentials")
	}
	s := &Session{
		cfg:    d.cfg,
		logger: log.With().Str("module", "adapters.livekit").Str("room", string(creds.Room)).Logger(),
		events: make(chan core.Event, eventBuffer),
		stop:   make(chan struct{}),
	}

	room := lksdk.NewRoom(s.callbacks())
	s.room = room
	s.unregister = func(topic string) { room.UnregisterTextStreamHandler(topic) }
	register := func(topic string, h func(*lksdk.TextStreamReader, string)) error {
		return room.RegisterTextStreamHandler(topic, h)
	}
	if err := s.registerHandlers(register); err != nil {
		return nil, err
	}

	joined := make(chan error, 1)
	go func() { joined <- room.JoinWithToken(creds.ServerURL, creds.Token) }()
	select {
	case err := <-joined:
		if err != nil {
			s.unregisterHandlers()
			return nil, fmt.Errorf("join %s: %w", creds.Room, err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-joined; err == nil {
				room.Disconnect()
			}
			s.unregisterHandlers()
		}()
		return nil, fmt.Errorf("join %s: %w", creds.Room, ctx.Err())
	}

	if err := s.prepareTracks(); err != nil {
		s.unregisterHandlers()
		room.Disconnect()
		return nil, err
	}
	var present []core.Event
	for _, rp := range room.GetRemoteParticipants() {
		present = append(present, core.ParticipantConnected{Participant: s.participant(rp.Identity(), rp.Name(), rp)})
	}
	s.markReady(present...)
	s.logger.Info().Str("identity", s.LocalIdentity()).Msg("joined room")
	return s, nil
}

func (s *Session) Events() <-chan core.Event { return s.events }

func (s *Session) LocalIdentity() string {
	if s.room == nil || s.room.LocalParticipant == nil {
		return ""
	}
	return s.room.LocalParticipant.Identity()
}

func (s *Session) LocalTrack(kind domain.TrackKind) *webrtc.TrackLocalStaticRTP {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if kind == domain.TrackVideo {
		return s.video
	}
	return s.audio
}

func (s *Session) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	s.trackMu.Lock()
	pub := s.audioPub
	s.trackMu.Unlock()
	if pub == nil {
		return ErrNoMicrophone
	}
	pub.SetMuted(!enabled)
	s.logger.Debug().Bool("enabled", enabled).Msg("microphone")
	return nil
}

// SetCameraEnabled publishes the camera track on first enable, then only
// toggles its mute state.
func (s *Session) SetCameraEnabled(_ context.Context, enabled bool) error {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.videoPub != nil {
		s.videoPub.SetMuted(!enabled)
		return nil
	}
	if !enabled {
		return nil
	}
	pub, err := s.room.LocalParticipant.PublishTrack(s.video, &lksdk.TrackPublicationOptions{
		Name:   "camera",
		Source: livekit.TrackSource_CAMERA,
	})
	if err != nil {
		return fmt.Errorf("publish camera: %w", err)
	}
	s.videoPub = pub
	s.logger.Info().Msg("camera published")
	return nil
}

type chatPacket struct {
	Text      string `json:"text"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// SendChat sends the line as a chat text stream and as a reliable data packet
// for agents that only listen to packets.
func (s *Session) SendChat(_ context.Context, text string) error {
	lp := s.room.LocalParticipant
	lp.SendText(text, lksdk.StreamTextOptions{Topic: core.TopicChat})

	b, err := json.Marshal(chatPacket{Text: text, Type: "chat", Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode chat packet: %w", err)
	}
	if err := lp.PublishDataPacket(lksdk.UserData(b), lksdk.WithDataPublishReliable(true)); err != nil {
		return fmt.Errorf("publish chat packet: %w", err)
	}
	return nil
}

func (s *Session) Disconnect() {
	s.logger.Info().Msg("disconnect requested")
	s.finish(false)
	s.room.Disconnect()
}

func (s *Session) prepareTracks() error {
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "microphone", "mindflex")
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "camera", "mindflex")
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}

	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	s.audio, s.video = audio, video
	if !s.cfg.PublishMicrophone {
		return nil
	}
	pub, err := s.room.LocalParticipant.PublishTrack(audio, &lksdk.TrackPublicationOptions{
		Name:   "microphone",
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		return fmt.Errorf("publish microphone: %w", err)
	}
	s.audioPub = pub
	return nil
}

// registerHandlers installs the transcription and chat handlers. On failure
// the ones already installed are removed again.
func (s *Session) registerHandlers(register func(topic string, h func(*lksdk.TextStreamReader, string)) error) error {
	for _, topic := range []string{core.TopicTranscription, core.TopicChat} {
		if err := register(topic, s.textHandler(topic)); err != nil {
			s.logger.Error().Err(err).Str("topic", topic).Msg("register text stream handler")
			s.unregisterHandlers()
			return fmt.Errorf("register %s handler: %w", topic, err)
		}
		s.trackMu.Lock()
		s.topics = append(s.topics, topic)
		s.trackMu.Unlock()
	}
	return nil
}

func (s *Session) unregisterHandlers() {
	s.trackMu.Lock()
	topics := s.topics
	s.topics = nil
	s.trackMu.Unlock()
	if s.unregister == nil {
		return
	}
	for _, topic := range topics {
		s.unregister(topic)
	}
}

// markReady emits the connected event, the participants already in the room
// and whatever arrived while joining, in that order.
func (s *Session) markReady(present ...core.Event) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.send(core.ConnectionStateChanged{State: domain.ConnConnected})
	for _, ev := range present {
		s.send(ev)
	}
	for _, ev := range s.pending {
		s.send(ev)
	}
	s.pending = nil
	s.ready = true
}

func (s *Session) emit(ev core.Event) {
	s.stateMu.Lock()
	if !s.ready {
		s.pending = append(s.pending, ev)
		s.stateMu.Unlock()
		return
	}
	s.stateMu.Unlock()
	s.send(ev)
}

func (s *Session) send(ev core.Event) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

// finish closes the event channel once. A remote disconnect is delivered
// before closing; a local one only if there is room in the buffer.
func (s *Session) finish(remote bool) {
	s.once.Do(func() {
		if remote {
			s.send(core.ConnectionStateChanged{State: domain.ConnDisconnected})
		}
		close(s.stop)
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		if !remote {
			select {
			case s.events <- core.ConnectionStateChanged{State: domain.ConnDisconnected}:
			default:
			}
		}
		s.closed = true
		close(s.events)
		s.unregisterHandlers()
		s.logger.Info().Bool("remote", remote).Msg("session closed")
	})
}

// kinded is the part of a room participant that carries its kind flag.
type kinded interface {
	Kind() lksdk.ParticipantKind
}

// kindOf trusts the participant's kind flag. The identity prefix is only
// consulted when no participant is at hand.
func (s *Session) kindOf(identity string, p kinded) domain.ParticipantKind {
	if p != nil {
		if p.Kind() == lksdk.ParticipantAgent {
			return domain.KindAgent
		}
		return domain.KindHuman
	}
	if strings.HasPrefix(identity, s.cfg.AgentPrefix) {
		return domain.KindAgent
	}
	return domain.KindHuman
}

func (s *Session) participant(identity, name string, p kinded) domain.Participant {
	return domain.Participant{Identity: identity, Name: name, Kind: s.kindOf(identity, p)}
}

// lookup finds a remote participant of the room by identity, or nil.
func (s *Session) lookup(identity string) kinded {
	if s.room == nil {
		return nil
	}
	for _, rp := range s.room.GetRemoteParticipants() {
		if rp != nil && rp.Identity() == identity {
			return rp
		}
	}
	return nil
}

func (s *Session) callbacks() *lksdk.RoomCallback {
	cb := lksdk.NewRoomCallback()
	cb.OnParticipantConnected = func(rp *lksdk.RemoteParticipant) {
		s.emit(core.ParticipantConnected{Participant: s.participant(rp.Identity(), rp.Name(), rp)})
	}
	cb.OnParticipantDisconnected = func(rp *lksdk.RemoteParticipant) {
		s.emit(core.ParticipantDisconnected{Participant: s.participant(rp.Identity(), rp.Name(), rp)})
	}
	cb.OnDisconnected = func() {
		s.finish(true)
	}
	cb.OnActiveSpeakersChanged = func(ps []lksdk.Participant) {
		ids := make([]string, 0, len(ps))
		for _, p := range ps {
			ids = append(ids, p.Identity())
		}
		s.emit(core.ActiveSpeakersChanged{Identities: ids})
	}
	cb.OnTrackPublished = func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		s.emit(core.TrackChanged{Identity: rp.Identity(), Kind: domain.TrackKind(pub.Kind()), Published: true})
	}
	cb.OnTrackUnpublished = func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		s.emit(core.TrackChanged{Identity: rp.Identity(), Kind: domain.TrackKind(pub.Kind()), Published: false})
	}
	cb.OnDataPacket = func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
		pkt, ok := data.(*lksdk.UserDataPacket)
		if !ok {
			return
		}
		ev := core.DataReceived{Payload: pkt.Payload, Topic: pkt.Topic}
		if params.SenderIdentity != "" {
			p := s.participant(params.SenderIdentity, "", s.lookup(params.SenderIdentity))
			ev.Sender = &p
		}
		s.emit(ev)
	}
	return cb
}

func (s *Session) textHandler(topic string) func(*lksdk.TextStreamReader, string) {
	return func(reader *lksdk.TextStreamReader, identity string) {
		s.emit(core.TextStreamReceived{Topic: topic, Identity: identity, Reader: textReader{r: reader}})
	}
}

type textReader struct {
	r *lksdk.TextStreamReader
}

// ReadAll blocks until the stream is complete or ctx is done. The SDK read
// cannot be cancelled, so after ctx ends the inner goroutine stays parked until
// the stream or the room closes; it never outlives the room.
func (t textReader) ReadAll(ctx context.Context) (string, error) {
	done := make(chan string, 1)
	go func() { done <- t.r.ReadAll() }()
	select {
	case text := <-done:
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
