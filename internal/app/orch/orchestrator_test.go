package orch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/mindflex/internal/app"
	"github.com/dkeye/mindflex/internal/app/lifecycle"
	"github.com/dkeye/mindflex/internal/app/sfu"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/core/mock"
	"github.com/dkeye/mindflex/internal/domain"
)

type fakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return core.ErrBackpressure
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {}

func (f *fakeSignal) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(fr, &env)
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeSignal) has(typ string) bool {
	for _, t := range f.types() {
		if t == typ {
			return true
		}
	}
	return false
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []*domain.Conversation
}

func (a *fakeArchive) SaveConversation(_ context.Context, c *domain.Conversation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, c)
	return nil
}

func (a *fakeArchive) ListConversations(context.Context, domain.UserID) ([]*domain.Conversation, error) {
	return nil, nil
}

func (a *fakeArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.saved)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func setup(t *testing.T, creds core.CredentialSource, dialer core.Dialer) (*Orchestrator, *fakeSignal, *fakeArchive) {
	t.Helper()
	sig := &fakeSignal{}
	store := &fakeArchive{}
	o := &Orchestrator{
		Registry: app.NewRegistry(),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(),
		Creds:    creds,
		Dialer:   dialer,
		Store:    store,
		Session:  SessionConfig{NavigateDelay: 10 * time.Millisecond, RedirectPath: "/profile", MirrorTranscripts: true},
	}
	meta := &domain.Participant{Identity: "user-1", Name: "Ada", Kind: domain.KindHuman}
	o.Registry.BindSignal("b1", core.NewMemberSession(meta).UpdateSignal(sig), func() {})
	t.Cleanup(o.Shutdown)
	return o, sig, store
}

func TestStartFailurePushesAlert(t *testing.T) {
	mc := gomock.NewController(t)
	creds := mock.NewMockCredentialSource(mc)
	creds.EXPECT().Credentials(gomock.Any(), gomock.Any()).Return(nil, errors.New("endpoint down"))
	o, sig, _ := setup(t, creds, mock.NewMockDialer(mc))

	if err := o.StartSession(context.Background(), "b1", ""); err == nil {
		t.Fatal("expected error")
	}
	if !sig.has("alert") {
		t.Fatalf("frames = %v", sig.types())
	}
	if s := o.Snapshot("b1"); s.Phase != domain.PhaseIdle || s.Alert != lifecycle.AlertConnectFailed {
		t.Fatalf("snapshot: %+v", s)
	}
}

func TestSessionEndsRedirectsAndArchives(t *testing.T) {
	mc := gomock.NewController(t)
	creds := mock.NewMockCredentialSource(mc)
	dialer := mock.NewMockDialer(mc)
	session := mock.NewMockSessionClient(mc)
	events := make(chan core.Event, 8)

	creds.EXPECT().Credentials(gomock.Any(), core.CredentialRequest{Room: DefaultRoom, Identity: "user-1", DisplayName: "Ada"}).
		Return(&core.Credentials{ServerURL: "wss://lk", Room: DefaultRoom, Token: "t"}, nil)
	dialer.EXPECT().Dial(gomock.Any(), gomock.Any()).Return(session, nil)
	session.EXPECT().LocalIdentity().Return("user-1").AnyTimes()
	session.EXPECT().Events().Return((<-chan core.Event)(events))
	session.EXPECT().Disconnect().AnyTimes()

	o, sig, store := setup(t, creds, dialer)
	if err := o.StartSession(context.Background(), "b1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	events <- core.ConnectionStateChanged{State: domain.ConnConnected}
	agent := domain.Participant{Identity: "agent-1", Kind: domain.KindAgent}
	events <- core.ParticipantConnected{Participant: agent}
	events <- core.ParticipantDisconnected{Participant: agent}

	waitFor(t, "redirect", func() bool { return sig.has("redirect") })
	waitFor(t, "archive", func() bool { return store.count() == 1 })

	if !sig.has("state") {
		t.Fatalf("no state frames: %v", sig.types())
	}
	store.mu.Lock()
	conv := store.saved[0]
	store.mu.Unlock()
	if conv.Room != DefaultRoom || conv.ID == "" {
		t.Fatalf("conversation: %+v", conv)
	}
}

func TestStateFramesDroppedUnderBackpressure(t *testing.T) {
	mc := gomock.NewController(t)
	o, sig, _ := setup(t, mock.NewMockCredentialSource(mc), mock.NewMockDialer(mc))
	var cancelled atomic.Bool
	meta := &domain.Participant{Identity: "user-1"}
	o.Registry.BindSignal("b1", core.NewMemberSession(meta).UpdateSignal(sig), func() { cancelled.Store(true) })
	sig.full = true

	o.Send("b1", "state", StateMessage{Type: "state"})
	if cancelled.Load() {
		t.Fatal("state frame backpressure kicked the browser")
	}
	o.Send("b1", "redirect", RedirectMessage{Type: "redirect", To: "/profile"})
	if !cancelled.Load() {
		t.Fatal("redirect backpressure did not kick the browser")
	}
}

func TestLeaveClosesController(t *testing.T) {
	mc := gomock.NewController(t)
	creds := mock.NewMockCredentialSource(mc)
	creds.EXPECT().Credentials(gomock.Any(), gomock.Any()).Return(nil, errors.New("nope"))
	o, _, _ := setup(t, creds, mock.NewMockDialer(mc))
	_ = o.StartSession(context.Background(), "b1", "")

	ctrl, ok := o.Registry.Controller("b1")
	if !ok {
		t.Fatal("no controller")
	}
	o.Leave("b1", nil)
	if o.Registry.Count() != 0 {
		t.Fatal("still registered")
	}
	if err := ctrl.Start(context.Background()); !errors.Is(err, lifecycle.ErrClosed) {
		t.Fatalf("controller not closed: %v", err)
	}
}

func TestStartUnknownBrowser(t *testing.T) {
	mc := gomock.NewController(t)
	o, _, _ := setup(t, mock.NewMockCredentialSource(mc), mock.NewMockDialer(mc))
	err := o.StartSession(context.Background(), "ghost", "")
	if err == nil || !strings.Contains(err.Error(), "no session") {
		t.Fatalf("err = %v", err)
	}
}
