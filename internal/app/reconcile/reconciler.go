// Package reconcile folds the event stream of a room into the transcript and
// chat views.
//
// One goroutine (Run) consumes the session client's channel. Every text stream
// is drained on its own goroutine and its completion comes back into the loop,
// so entries are appended in the order streams finish.
package reconcile

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

// Observer is told about everything the lifecycle controller cares about.
// Calls come from the Run goroutine, except ViewsChanged after Echo.
type Observer interface {
	ParticipantJoined(p domain.Participant)
	ParticipantLeft(p domain.Participant)
	ConnectionChanged(state domain.ConnectionState)
	SpeakersChanged(identities []string)
	ViewsChanged()
}

type Options struct {
	LocalIdentity string
	// MirrorTranscripts also appends every transcript line to the chat view
	// tagged voice_transcript.
	MirrorTranscripts bool
	Observer          Observer
	Now               func() time.Time
}

type streamResult struct {
	stream core.TextStreamReceived
	text   string
	err    error
}

type Reconciler struct {
	views  *Views
	opts   Options
	logger zerolog.Logger

	// owned by the Run goroutine
	kinds map[string]domain.ParticipantKind

	drained chan streamResult
}

func New(views *Views, opts Options) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if views == nil {
		views = NewViews()
	}
	return &Reconciler{
		views:   views,
		opts:    opts,
		logger:  log.With().Str("module", "app.reconcile").Str("local", opts.LocalIdentity).Logger(),
		kinds:   make(map[string]domain.ParticipantKind),
		drained: make(chan streamResult),
	}
}

func (r *Reconciler) Views() *Views { return r.views }

// Run consumes events until ctx is done, or until events is closed and every
// accepted text stream has been drained.
func (r *Reconciler) Run(ctx context.Context, events <-chan core.Event) {
	if events == nil {
		r.logger.Warn().Msg("no event source, nothing to reconcile")
		return
	}
	pending := 0
	for events != nil || pending > 0 {
		select {
		case <-ctx.Done():
			r.logger.Info().Int("pending_streams", pending).Msg("reconcile ctx done")
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			pending += r.handle(ctx, ev)
		case res := <-r.drained:
			pending--
			r.complete(res)
		}
	}
	r.logger.Info().Msg("event source closed")
}

// Echo appends a line the local participant sent, which the transport does
// not deliver back.
func (r *Reconciler) Echo(text string) {
	r.views.AppendChat(domain.ChatEntry{
		Message:   text,
		From:      domain.SenderYou,
		Timestamp: r.opts.Now(),
		Kind:      domain.ChatKindChat,
	})
	r.notifyViews()
}

// handle returns the number of text streams it accepted (0 or 1).
func (r *Reconciler) handle(ctx context.Context, ev core.Event) int {
	switch e := ev.(type) {
	case core.ParticipantConnected:
		r.kinds[e.Participant.Identity] = e.Participant.Kind
		r.views.putParticipant(e.Participant)
		r.logger.Info().Str("identity", e.Participant.Identity).Str("kind", string(e.Participant.Kind)).Msg("participant connected")
		if o := r.opts.Observer; o != nil {
			o.ParticipantJoined(e.Participant)
		}
	case core.ParticipantDisconnected:
		// the kind stays known so late streams still resolve
		r.views.dropParticipant(e.Participant.Identity)
		r.logger.Info().Str("identity", e.Participant.Identity).Msg("participant disconnected")
		if o := r.opts.Observer; o != nil {
			o.ParticipantLeft(e.Participant)
		}
	case core.ConnectionStateChanged:
		r.logger.Info().Str("state", string(e.State)).Msg("connection state")
		if o := r.opts.Observer; o != nil {
			o.ConnectionChanged(e.State)
		}
	case core.TrackChanged:
		if r.views.setTrack(e.Identity, e.Kind, e.Published) {
			r.notifyViews()
		}
	case core.ActiveSpeakersChanged:
		if o := r.opts.Observer; o != nil {
			o.SpeakersChanged(e.Identities)
		}
	case core.DataReceived:
		r.handleData(e)
	case core.TextStreamReceived:
		return r.enqueue(ctx, e)
	default:
		r.logger.Warn().Str("kind", core.KindOf(ev)).Msg("unhandled event")
	}
	return 0
}

type dataMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Content string `json:"content"`
}

func (r *Reconciler) handleData(e core.DataReceived) {
	if !utf8.Valid(e.Payload) {
		r.logger.Warn().Int("bytes", len(e.Payload)).Msg("data packet is not utf-8, dropped")
		return
	}
	var msg dataMessage
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		r.logger.Warn().Err(err).Msg("data packet is not json, dropped")
		return
	}
	if msg.Type != "chat" && msg.Type != "message" {
		r.logger.Debug().Str("type", msg.Type).Msg("data packet type ignored")
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Content
	}
	if strings.TrimSpace(text) == "" {
		r.logger.Debug().Str("type", msg.Type).Msg("data packet without text")
	}
	r.views.AppendChat(domain.ChatEntry{
		Message:   text,
		From:      r.senderRole(e.Sender).Sender(),
		Timestamp: r.opts.Now(),
		Kind:      domain.ChatKindChat,
	})
	r.notifyViews()
}

func (r *Reconciler) enqueue(ctx context.Context, s core.TextStreamReceived) int {
	if s.Topic != core.TopicTranscription && s.Topic != core.TopicChat {
		r.logger.Debug().Str("topic", s.Topic).Msg("text stream topic ignored")
		return 0
	}
	if s.Reader == nil {
		r.logger.Warn().Str("topic", s.Topic).Str("identity", s.Identity).Msg("text stream without reader, dropped")
		return 0
	}
	r.drain(ctx, s)
	return 1
}

// drain reads one stream on its own goroutine. Streams finish in any order
// and are appended in the order they finish.
func (r *Reconciler) drain(ctx context.Context, s core.TextStreamReceived) {
	go func() {
		text, err := s.Reader.ReadAll(ctx)
		select {
		case r.drained <- streamResult{stream: s, text: text, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (r *Reconciler) complete(res streamResult) {
	logger := r.logger.With().Str("topic", res.stream.Topic).Str("identity", res.stream.Identity).Logger()
	if res.err != nil {
		logger.Error().Err(res.err).Msg("text stream read failed, dropped")
		return
	}
	if strings.TrimSpace(res.text) == "" {
		logger.Debug().Msg("empty text stream")
	}

	// role is resolved now, not when the stream opened
	role := r.resolve(res.stream.Identity)
	now := r.opts.Now()
	switch res.stream.Topic {
	case core.TopicTranscription:
		r.views.AppendTranscript(domain.TranscriptEntry{
			Content:   res.text,
			Role:      role,
			Timestamp: now,
			Modality:  domain.ModalityVoice,
		})
		if r.opts.MirrorTranscripts {
			r.views.AppendChat(domain.ChatEntry{
				Message:   res.text,
				From:      role.Sender(),
				Timestamp: now,
				Kind:      domain.ChatKindTranscript,
			})
		}
	case core.TopicChat:
		r.views.AppendChat(domain.ChatEntry{
			Message:   res.text,
			From:      role.Sender(),
			Timestamp: now,
			Kind:      domain.ChatKindChat,
		})
	}
	logger.Debug().Str("role", string(role)).Msg("text stream reconciled")
	r.notifyViews()
}

func (r *Reconciler) resolve(identity string) domain.Role {
	if identity != "" && identity == r.opts.LocalIdentity {
		return domain.RoleUser
	}
	kind, ok := r.kinds[identity]
	if !ok {
		return domain.RoleUnknown
	}
	if kind == domain.KindAgent {
		return domain.RoleAssistant
	}
	return domain.RoleUser
}

func (r *Reconciler) senderRole(p *domain.Participant) domain.Role {
	if p == nil {
		return domain.RoleUnknown
	}
	switch {
	case p.Kind == domain.KindAgent:
		return domain.RoleAssistant
	case p.Kind == domain.KindHuman, p.Identity == r.opts.LocalIdentity:
		return domain.RoleUser
	default:
		return r.resolve(p.Identity)
	}
}

func (r *Reconciler) notifyViews() {
	if o := r.opts.Observer; o != nil {
		o.ViewsChanged()
	}
}
