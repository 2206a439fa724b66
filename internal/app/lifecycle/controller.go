// Package lifecycle owns one session instance from the start command to the
// post-session navigation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/app/reconcile"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

var (
	ErrNotIdle = errors.New("session already started")
	ErrClosed  = errors.New("controller closed")
)

// AlertConnectFailed is what the user sees when a start attempt fails.
const AlertConnectFailed = "Failed to connect. Please try again."

const DefaultNavigateDelay = 3 * time.Second

const (
	EndAgentLeft      = "agent_left"
	EndConnectionLost = "disconnected"
	EndByUser         = "user"
)

type Options struct {
	Room              domain.RoomName
	Identity          string
	DisplayName       string
	MirrorTranscripts bool
	NavigateDelay     time.Duration

	// OnChange runs after every state change, outside the controller lock.
	OnChange func()
	// OnNavigate is the deferred post-session action.
	OnNavigate func()
	// OnEnded receives the final snapshot once.
	OnEnded func(Snapshot)
}

// Snapshot is the read-only state handed to the presentation layer.
type Snapshot struct {
	Phase          domain.Phase    `json:"phase"`
	Room           domain.RoomName `json:"room,omitempty"`
	Status         string          `json:"status"`
	AgentConnected bool            `json:"agentConnected"`
	AgentSpeaking  bool            `json:"agentSpeaking"`
	MicEnabled     bool            `json:"micEnabled"`
	CameraEnabled  bool            `json:"cameraEnabled"`
	Alert          string          `json:"alert,omitempty"`
	EndReason      string          `json:"endReason,omitempty"`
	reconcile.Snapshot
}

type Controller struct {
	creds  core.CredentialSource
	dialer core.Dialer
	opts   Options
	logger zerolog.Logger
	views  *reconcile.Views

	mu           sync.Mutex
	phase        domain.Phase
	room         domain.RoomName
	session      core.SessionClient
	rec          *reconcile.Reconciler
	cancel       context.CancelFunc
	agents       map[string]struct{}
	speaking     bool
	mic          bool
	camera       bool
	alert        string
	endReason    string
	navTimer     *time.Timer
	disconnected bool
	closed       bool
}

func NewController(creds core.CredentialSource, dialer core.Dialer, opts Options) *Controller {
	if opts.NavigateDelay <= 0 {
		opts.NavigateDelay = DefaultNavigateDelay
	}
	return &Controller{
		creds:  creds,
		dialer: dialer,
		opts:   opts,
		logger: log.With().Str("module", "app.lifecycle").Str("identity", opts.Identity).Logger(),
		views:  reconcile.NewViews(),
		phase:  domain.PhaseIdle,
		agents: make(map[string]struct{}),
		mic:    true,
	}
}

// Start requests a credential and connects. On failure the controller is
// back in idle with an alert set, ready for a manual retry.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != domain.PhaseIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.phase = domain.PhaseConnecting
	c.alert = ""
	c.mu.Unlock()
	c.changed()

	c.logger.Info().Str("room", string(c.opts.Room)).Msg("requesting credentials")
	creds, err := c.creds.Credentials(ctx, core.CredentialRequest{
		Room:        c.opts.Room,
		Identity:    c.opts.Identity,
		DisplayName: c.opts.DisplayName,
	})
	if err != nil {
		return c.fail(fmt.Errorf("credentials: %w", err))
	}

	c.mu.Lock()
	if c.closed {
		c.phase = domain.PhaseIdle
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	sess, err := c.dialer.Dial(ctx, creds)
	if err != nil {
		return c.fail(fmt.Errorf("connect: %w", err))
	}

	c.mu.Lock()
	if c.closed {
		// closed while dialing; nothing will ever connect this controller
		c.phase = domain.PhaseIdle
		c.mu.Unlock()
		sess.Disconnect()
		return ErrClosed
	}
	rec := reconcile.New(c.views, reconcile.Options{
		LocalIdentity:     sess.LocalIdentity(),
		MirrorTranscripts: c.opts.MirrorTranscripts,
		Observer:          c,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	c.session = sess
	c.rec = rec
	c.cancel = cancel
	c.room = creds.Room
	c.mu.Unlock()

	c.logger.Info().Str("room", string(creds.Room)).Str("server", creds.ServerURL).Msg("session dialed")
	go rec.Run(runCtx, sess.Events())
	return nil
}

func (c *Controller) fail(err error) error {
	c.logger.Error().Err(err).Msg("start failed")
	c.mu.Lock()
	c.phase = domain.PhaseIdle
	c.alert = AlertConnectFailed
	c.mu.Unlock()
	c.changed()
	return err
}

// End is the user's explicit end-session command.
func (c *Controller) End() {
	c.mu.Lock()
	if c.phase != domain.PhaseConnected {
		c.mu.Unlock()
		return
	}
	sess := c.session
	c.disconnected = true
	snap, ok := c.endLocked(EndByUser)
	c.mu.Unlock()

	sess.Disconnect()
	c.ended(snap, ok)
}

// Close tears the controller down: the pending navigation is cancelled and
// the session, if any, is disconnected.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.navTimer != nil {
		c.navTimer.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	sess := c.session
	needDisconnect := sess != nil && !c.disconnected
	c.disconnected = true
	c.mu.Unlock()

	if needDisconnect {
		sess.Disconnect()
	}
	c.logger.Info().Msg("controller closed")
}

func (c *Controller) SetMicrophone(ctx context.Context, enabled bool) {
	sess, ok := c.connectedSession()
	if !ok {
		c.logger.Debug().Msg("microphone command outside a connected session")
		return
	}
	if err := sess.SetMicrophoneEnabled(ctx, enabled); err != nil {
		c.logger.Error().Err(err).Bool("enabled", enabled).Msg("toggle microphone")
		return
	}
	c.mu.Lock()
	c.mic = enabled
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) ToggleMicrophone(ctx context.Context) {
	c.mu.Lock()
	target := !c.mic
	c.mu.Unlock()
	c.SetMicrophone(ctx, target)
}

func (c *Controller) SetCamera(ctx context.Context, enabled bool) {
	sess, ok := c.connectedSession()
	if !ok {
		c.logger.Debug().Msg("camera command outside a connected session")
		return
	}
	if err := sess.SetCameraEnabled(ctx, enabled); err != nil {
		c.logger.Error().Err(err).Bool("enabled", enabled).Msg("toggle camera")
		return
	}
	c.mu.Lock()
	c.camera = enabled
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) ToggleCamera(ctx context.Context) {
	c.mu.Lock()
	target := !c.camera
	c.mu.Unlock()
	c.SetCamera(ctx, target)
}

// SendChat sends a typed line. Blank text is ignored.
func (c *Controller) SendChat(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	sess, ok := c.connectedSession()
	if !ok {
		c.logger.Debug().Msg("chat outside a connected session")
		return
	}
	if err := sess.SendChat(ctx, text); err != nil {
		c.logger.Error().Err(err).Msg("send chat")
		return
	}
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()
	rec.Echo(text)
}

func (c *Controller) Phase() domain.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) MicEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic
}

// Session returns the live session client, if any.
func (c *Controller) Session() (core.SessionClient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.session != nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	agent := len(c.agents) > 0
	return Snapshot{
		Phase:          c.phase,
		Room:           c.room,
		Status:         statusText(c.phase, agent, c.speaking),
		AgentConnected: agent,
		AgentSpeaking:  c.speaking,
		MicEnabled:     c.mic,
		CameraEnabled:  c.camera,
		Alert:          c.alert,
		EndReason:      c.endReason,
		Snapshot:       c.views.Snapshot(),
	}
}

func statusText(phase domain.Phase, agent, speaking bool) string {
	switch phase {
	case domain.PhaseEnded:
		return "Session ended..."
	case domain.PhaseConnected:
		switch {
		case speaking:
			return "Speaking..."
		case agent:
			return "Connected"
		default:
			return "Waiting for agent..."
		}
	case domain.PhaseConnecting:
		return "Connecting..."
	default:
		return "Ready"
	}
}

func (c *Controller) connectedSession() (core.SessionClient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != domain.PhaseConnected || c.session == nil {
		return nil, false
	}
	return c.session, true
}

// endLocked moves to ended and schedules the one deferred navigation.
// The returned snapshot is only meaningful when ok is true.
func (c *Controller) endLocked(reason string) (Snapshot, bool) {
	if c.phase != domain.PhaseConnected && c.phase != domain.PhaseConnecting {
		return Snapshot{}, false
	}
	c.phase = domain.PhaseEnded
	c.endReason = reason
	c.speaking = false
	if !c.closed {
		c.navTimer = time.AfterFunc(c.opts.NavigateDelay, c.navigate)
	}
	c.logger.Info().Str("reason", reason).Dur("navigate_in", c.opts.NavigateDelay).Msg("session ended")
	return c.snapshotLocked(), true
}

func (c *Controller) ended(snap Snapshot, ok bool) {
	if !ok {
		return
	}
	if c.opts.OnEnded != nil {
		c.opts.OnEnded(snap)
	}
	c.changed()
}

func (c *Controller) navigate() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.opts.OnNavigate == nil {
		return
	}
	c.logger.Info().Msg("post-session navigation")
	c.opts.OnNavigate()
}

func (c *Controller) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}

// reconcile.Observer

func (c *Controller) ParticipantJoined(p domain.Participant) {
	if !p.IsAgent() {
		return
	}
	c.mu.Lock()
	c.agents[p.Identity] = struct{}{}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) ParticipantLeft(p domain.Participant) {
	if !p.IsAgent() {
		return
	}
	c.mu.Lock()
	delete(c.agents, p.Identity)
	snap, ok := c.endLocked(EndAgentLeft)
	c.mu.Unlock()
	if ok {
		c.ended(snap, ok)
		return
	}
	c.changed()
}

func (c *Controller) ConnectionChanged(state domain.ConnectionState) {
	c.mu.Lock()
	var (
		snap Snapshot
		ok   bool
	)
	switch state {
	case domain.ConnConnected:
		if c.phase == domain.PhaseConnecting {
			c.phase = domain.PhaseConnected
		}
	case domain.ConnDisconnected:
		c.disconnected = true
		snap, ok = c.endLocked(EndConnectionLost)
	}
	c.mu.Unlock()
	if ok {
		c.ended(snap, ok)
		return
	}
	c.changed()
}

func (c *Controller) SpeakersChanged(identities []string) {
	c.mu.Lock()
	speaking := false
	for _, id := range identities {
		if _, ok := c.agents[id]; ok {
			speaking = true
			break
		}
	}
	changed := speaking != c.speaking && c.phase == domain.PhaseConnected
	if changed {
		c.speaking = speaking
	}
	c.mu.Unlock()
	if changed {
		c.changed()
	}
}

func (c *Controller) ViewsChanged() { c.changed() }
