package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/dkeye/mindflex/internal/adapters/token"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/core/mock"
	"github.com/dkeye/mindflex/internal/domain"
)

var testCreds = &core.Credentials{ServerURL: "wss://lk.test", Room: "wellness", Token: "t0k", ParticipantName: "Ada"}

var agent = domain.Participant{Identity: "agent-1", Kind: domain.KindAgent}

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

type harness struct {
	ctrl    *Controller
	session *mock.MockSessionClient
	events  chan core.Event
	navs    atomic.Int32
	ended   atomic.Int32
}

// connected returns a controller in the connected phase with the given
// navigation delay.
func connected(t *testing.T, delay time.Duration) *harness {
	t.Helper()
	mc := gomock.NewController(t)
	h := &harness{
		session: mock.NewMockSessionClient(mc),
		events:  make(chan core.Event, 16),
	}
	creds := mock.NewMockCredentialSource(mc)
	dialer := mock.NewMockDialer(mc)

	creds.EXPECT().Credentials(gomock.Any(), core.CredentialRequest{Room: "wellness", Identity: "user-1", DisplayName: "Ada"}).
		Return(testCreds, nil)
	dialer.EXPECT().Dial(gomock.Any(), testCreds).Return(h.session, nil)
	h.session.EXPECT().LocalIdentity().Return("user-1").AnyTimes()
	h.session.EXPECT().Events().Return((<-chan core.Event)(h.events))
	h.session.EXPECT().Disconnect().AnyTimes()

	h.ctrl = NewController(creds, dialer, Options{
		Room:              "wellness",
		Identity:          "user-1",
		DisplayName:       "Ada",
		MirrorTranscripts: true,
		NavigateDelay:     delay,
		OnNavigate:        func() { h.navs.Add(1) },
		OnEnded:           func(Snapshot) { h.ended.Add(1) },
	})
	t.Cleanup(h.ctrl.Close)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.events <- core.ConnectionStateChanged{State: domain.ConnConnected}
	waitFor(t, "connected", func() bool { return h.ctrl.Phase() == domain.PhaseConnected })
	return h
}

func TestStartReachesConnected(t *testing.T) {
	h := connected(t, time.Hour)
	h.events <- core.ParticipantConnected{Participant: agent}
	waitFor(t, "agent", func() bool { return h.ctrl.Snapshot().AgentConnected })

	snap := h.ctrl.Snapshot()
	if snap.Room != "wellness" || snap.Status != "Connected" || !snap.MicEnabled || snap.Alert != "" {
		t.Fatalf("snapshot: %+v", snap)
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second start: %v", err)
	}
}

func TestAgentLeavingEndsOnceWithOneNavigation(t *testing.T) {
	h := connected(t, 20*time.Millisecond)
	h.events <- core.ParticipantConnected{Participant: agent}
	h.events <- core.ParticipantDisconnected{Participant: agent}
	h.events <- core.ConnectionStateChanged{State: domain.ConnDisconnected}

	waitFor(t, "navigation", func() bool { return h.navs.Load() == 1 })
	time.Sleep(60 * time.Millisecond)

	if n := h.navs.Load(); n != 1 {
		t.Fatalf("navigations = %d, want 1", n)
	}
	if n := h.ended.Load(); n != 1 {
		t.Fatalf("ended callbacks = %d, want 1", n)
	}
	snap := h.ctrl.Snapshot()
	if snap.Phase != domain.PhaseEnded || snap.EndReason != EndAgentLeft || snap.Status != "Session ended..." {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestHumanLeavingDoesNotEnd(t *testing.T) {
	h := connected(t, time.Hour)
	other := domain.Participant{Identity: "user-2", Kind: domain.KindHuman}
	h.events <- core.ParticipantConnected{Participant: other}
	h.events <- core.ParticipantDisconnected{Participant: other}
	h.events <- core.ParticipantConnected{Participant: agent}
	waitFor(t, "agent", func() bool { return h.ctrl.Snapshot().AgentConnected })

	if p := h.ctrl.Phase(); p != domain.PhaseConnected {
		t.Fatalf("phase = %s", p)
	}
}

func TestCloseCancelsPendingNavigation(t *testing.T) {
	h := connected(t, 50*time.Millisecond)
	h.events <- core.ConnectionStateChanged{State: domain.ConnDisconnected}
	waitFor(t, "ended", func() bool { return h.ctrl.Phase() == domain.PhaseEnded })

	h.ctrl.Close()
	time.Sleep(100 * time.Millisecond)
	if n := h.navs.Load(); n != 0 {
		t.Fatalf("navigations after close = %d", n)
	}
}

func TestEndDisconnectsAndNavigates(t *testing.T) {
	mc := gomock.NewController(t)
	session := mock.NewMockSessionClient(mc)
	events := make(chan core.Event, 4)
	creds := mock.NewMockCredentialSource(mc)
	dialer := mock.NewMockDialer(mc)
	creds.EXPECT().Credentials(gomock.Any(), gomock.Any()).Return(testCreds, nil)
	dialer.EXPECT().Dial(gomock.Any(), gomock.Any()).Return(session, nil)
	session.EXPECT().LocalIdentity().Return("user-1").AnyTimes()
	session.EXPECT().Events().Return((<-chan core.Event)(events))
	session.EXPECT().Disconnect().Times(1)

	var navs atomic.Int32
	ctrl := NewController(creds, dialer, Options{Room: "wellness", Identity: "user-1", NavigateDelay: 10 * time.Millisecond,
		OnNavigate: func() { navs.Add(1) }})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	events <- core.ConnectionStateChanged{State: domain.ConnConnected}
	waitFor(t, "connected", func() bool { return ctrl.Phase() == domain.PhaseConnected })

	ctrl.End()
	ctrl.End()
	waitFor(t, "navigation", func() bool { return navs.Load() == 1 })

	if s := ctrl.Snapshot(); s.EndReason != EndByUser {
		t.Fatalf("end reason = %q", s.EndReason)
	}
	// already disconnected, Close must not disconnect again
	ctrl.Close()
}

func TestBlankChatIsNoop(t *testing.T) {
	h := connected(t, time.Hour)
	// no SendChat expectation: any call fails the test
	h.ctrl.SendChat(context.Background(), "")
	h.ctrl.SendChat(context.Background(), "   \n\t")

	if n := len(h.ctrl.Snapshot().Chat); n != 0 {
		t.Fatalf("chat entries = %d", n)
	}
}

func TestSendChatEchoesLocally(t *testing.T) {
	h := connected(t, time.Hour)
	h.session.EXPECT().SendChat(gomock.Any(), "hello coach").Return(nil)

	h.ctrl.SendChat(context.Background(), "hello coach")

	chat := h.ctrl.Snapshot().Chat
	if len(chat) != 1 || chat[0].Message != "hello coach" || chat[0].From != domain.SenderYou || chat[0].Kind != domain.ChatKindChat {
		t.Fatalf("chat: %+v", chat)
	}
}

func TestSendChatFailureLeavesViewsAlone(t *testing.T) {
	h := connected(t, time.Hour)
	h.session.EXPECT().SendChat(gomock.Any(), "hi").Return(errors.New("publish failed"))

	h.ctrl.SendChat(context.Background(), "hi")
	if n := len(h.ctrl.Snapshot().Chat); n != 0 {
		t.Fatalf("chat entries = %d", n)
	}
}

func TestToggleMicrophoneTwiceRestores(t *testing.T) {
	h := connected(t, time.Hour)
	gomock.InOrder(
		h.session.EXPECT().SetMicrophoneEnabled(gomock.Any(), false).Return(nil),
		h.session.EXPECT().SetMicrophoneEnabled(gomock.Any(), true).Return(nil),
	)

	before := h.ctrl.MicEnabled()
	h.ctrl.ToggleMicrophone(context.Background())
	if h.ctrl.MicEnabled() == before {
		t.Fatal("first toggle did not flip the flag")
	}
	h.ctrl.ToggleMicrophone(context.Background())
	if h.ctrl.MicEnabled() != before {
		t.Fatal("second toggle did not restore the flag")
	}
}

func TestMicrophoneFailureKeepsFlag(t *testing.T) {
	h := connected(t, time.Hour)
	h.session.EXPECT().SetMicrophoneEnabled(gomock.Any(), false).Return(errors.New("no track"))

	h.ctrl.ToggleMicrophone(context.Background())
	if !h.ctrl.MicEnabled() {
		t.Fatal("flag changed despite failure")
	}
}

func TestToggleCamera(t *testing.T) {
	h := connected(t, time.Hour)
	h.session.EXPECT().SetCameraEnabled(gomock.Any(), true).Return(nil)

	h.ctrl.ToggleCamera(context.Background())
	if !h.ctrl.Snapshot().CameraEnabled {
		t.Fatal("camera flag not set")
	}
}

func TestCommandsOutsideConnectedAreNoops(t *testing.T) {
	mc := gomock.NewController(t)
	ctrl := NewController(mock.NewMockCredentialSource(mc), mock.NewMockDialer(mc), Options{Room: "r", Identity: "u"})

	ctrl.ToggleMicrophone(context.Background())
	ctrl.SetCamera(context.Background(), true)
	ctrl.SendChat(context.Background(), "hello")
	ctrl.End()

	snap := ctrl.Snapshot()
	if snap.Phase != domain.PhaseIdle || !snap.MicEnabled || snap.CameraEnabled || len(snap.Chat) != 0 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestCredentialFailureReturnsToIdleWithoutDialing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to generate access token"}`))
	}))
	defer srv.Close()

	mc := gomock.NewController(t)
	dialer := mock.NewMockDialer(mc)
	dialer.EXPECT().Dial(gomock.Any(), gomock.Any()).Times(0)

	var mu sync.Mutex
	var phases []domain.Phase
	var ctrl *Controller
	ctrl = NewController(token.NewClient(srv.URL, srv.Client()), dialer, Options{
		Room:     "wellness",
		Identity: "user-1",
		OnChange: func() {
			mu.Lock()
			phases = append(phases, ctrl.Phase())
			mu.Unlock()
		},
	})

	err := ctrl.Start(context.Background())
	if !errors.Is(err, token.ErrRejected) {
		t.Fatalf("err = %v", err)
	}
	snap := ctrl.Snapshot()
	if snap.Phase != domain.PhaseIdle || snap.Alert != AlertConnectFailed {
		t.Fatalf("snapshot: %+v", snap)
	}
	if _, ok := ctrl.Session(); ok {
		t.Fatal("session created on credential failure")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(phases) != 2 || phases[0] != domain.PhaseConnecting || phases[1] != domain.PhaseIdle {
		t.Fatalf("phases = %v", phases)
	}
}

func TestDialFailureAllowsRetry(t *testing.T) {
	mc := gomock.NewController(t)
	creds := mock.NewMockCredentialSource(mc)
	dialer := mock.NewMockDialer(mc)
	creds.EXPECT().Credentials(gomock.Any(), gomock.Any()).Return(testCreds, nil).Times(2)
	dialer.EXPECT().Dial(gomock.Any(), testCreds).Return(nil, errors.New("ws handshake failed")).Times(2)

	ctrl := NewController(creds, dialer, Options{Room: "wellness", Identity: "user-1"})
	for i := 0; i < 2; i++ {
		if err := ctrl.Start(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if s := ctrl.Snapshot(); s.Phase != domain.PhaseIdle || s.Alert != AlertConnectFailed {
			t.Fatalf("attempt %d snapshot: %+v", i, s)
		}
	}
}

func TestAgentSpeakingStatus(t *testing.T) {
	h := connected(t, time.Hour)
	h.events <- core.ParticipantConnected{Participant: agent}
	h.events <- core.ActiveSpeakersChanged{Identities: []string{"agent-1"}}
	waitFor(t, "speaking", func() bool { return h.ctrl.Snapshot().Status == "Speaking..." })

	h.events <- core.ActiveSpeakersChanged{Identities: []string{"user-1"}}
	waitFor(t, "connected status", func() bool { return h.ctrl.Snapshot().Status == "Connected" })
}

func TestStartAfterCloseFails(t *testing.T) {
	mc := gomock.NewController(t)
	ctrl := NewController(mock.NewMockCredentialSource(mc), mock.NewMockDialer(mc), Options{})
	ctrl.Close()
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestCloseDuringDialLeavesNoConnectingPhase(t *testing.T) {
	mc := gomock.NewController(t)
	creds := mock.NewMockCredentialSource(mc)
	dialer := mock.NewMockDialer(mc)
	sess := mock.NewMockSessionClient(mc)

	var ctrl *Controller
	creds.EXPECT().Credentials(gomock.Any(), gomock.Any()).Return(testCreds, nil)
	dialer.EXPECT().Dial(gomock.Any(), testCreds).DoAndReturn(
		func(context.Context, *core.Credentials) (core.SessionClient, error) {
			ctrl.Close()
			return sess, nil
		})
	sess.EXPECT().Disconnect().Times(1)

	ctrl = NewController(creds, dialer, Options{Room: "wellness", Identity: "user-1"})
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	snap := ctrl.Snapshot()
	if snap.Phase != domain.PhaseIdle || snap.Status == "Connecting..." {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestCloseDuringCredentialsSkipsDial(t *testing.T) {
	mc := gomock.NewController(t)
	creds := mock.NewMockCredentialSource(mc)
	dialer := mock.NewMockDialer(mc)
	dialer.EXPECT().Dial(gomock.Any(), gomock.Any()).Times(0)

	var ctrl *Controller
	creds.EXPECT().Credentials(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, core.CredentialRequest) (*core.Credentials, error) {
			ctrl.Close()
			return testCreds, nil
		})

	ctrl = NewController(creds, dialer, Options{Room: "wellness", Identity: "user-1"})
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if p := ctrl.Phase(); p != domain.PhaseIdle {
		t.Fatalf("phase = %s", p)
	}
}
