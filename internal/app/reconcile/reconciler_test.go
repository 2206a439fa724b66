package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

const localID = "user-1"

var agent = domain.Participant{Identity: "agent-abc", Kind: domain.KindAgent}

type textReader struct {
	text string
	err  error
	wait chan struct{}
}

func (r textReader) ReadAll(ctx context.Context) (string, error) {
	if r.wait != nil {
		select {
		case <-r.wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.text, r.err
}

type recorder struct {
	mu     sync.Mutex
	joined []string
	left   []string
	states []domain.ConnectionState
	views  int
}

func (o *recorder) ParticipantJoined(p domain.Participant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.joined = append(o.joined, p.Identity)
}

func (o *recorder) ParticipantLeft(p domain.Participant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.left = append(o.left, p.Identity)
}

func (o *recorder) ConnectionChanged(s domain.ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recorder) SpeakersChanged([]string) {}

func (o *recorder) ViewsChanged() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.views++
}

func newTestReconciler(mirror bool) (*Reconciler, *recorder) {
	obs := &recorder{}
	r := New(NewViews(), Options{
		LocalIdentity:     localID,
		MirrorTranscripts: mirror,
		Observer:          obs,
	})
	return r, obs
}

// runAll feeds evs through a fresh channel and waits for Run to finish.
func runAll(t *testing.T, r *Reconciler, evs ...core.Event) Snapshot {
	t.Helper()
	ch := make(chan core.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Run(ctx, ch)
	if ctx.Err() != nil {
		t.Fatalf("Run did not finish: %v", ctx.Err())
	}
	return r.Views().Snapshot()
}

func stream(topic, identity, text string) core.TextStreamReceived {
	return core.TextStreamReceived{Topic: topic, Identity: identity, Reader: textReader{text: text}}
}

func TestTranscriptRolesAndMirror(t *testing.T) {
	r, _ := newTestReconciler(true)

	const n = 8
	evs := []core.Event{core.ParticipantConnected{Participant: agent}}
	want := make(map[string]domain.Role, n)
	for i := 0; i < n; i++ {
		id, role := localID, domain.RoleUser
		if i%2 == 1 {
			id, role = agent.Identity, domain.RoleAssistant
		}
		line := fmt.Sprintf("line %d", i)
		evs = append(evs, stream(core.TopicTranscription, id, line))
		want[line] = role
	}

	snap := runAll(t, r, evs...)

	if len(snap.Transcript) != n {
		t.Fatalf("expected %d transcript entries, got %d", n, len(snap.Transcript))
	}
	for i, e := range snap.Transcript {
		role, ok := want[e.Content]
		if !ok {
			t.Fatalf("entry %d: unexpected content %q", i, e.Content)
		}
		if e.Role != role {
			t.Fatalf("entry %q: expected role %s, got %s", e.Content, role, e.Role)
		}
		if e.Modality != domain.ModalityVoice {
			t.Fatalf("entry %d: expected modality voice, got %q", i, e.Modality)
		}
		if i > 0 && e.Timestamp.Before(snap.Transcript[i-1].Timestamp) {
			t.Fatalf("entry %d: timestamp went backwards", i)
		}
	}
	if len(snap.Chat) != n {
		t.Fatalf("expected %d mirrored chat entries, got %d", n, len(snap.Chat))
	}
	for i, c := range snap.Chat {
		if c.Kind != domain.ChatKindTranscript {
			t.Fatalf("chat %d: expected voice_transcript, got %s", i, c.Kind)
		}
		// the mirror is appended together with its transcript entry
		if c.Message != snap.Transcript[i].Content || c.From != want[c.Message].Sender() {
			t.Fatalf("chat %d: %+v does not mirror %+v", i, c, snap.Transcript[i])
		}
	}
}

func TestMirrorDisabledKeepsChatEmpty(t *testing.T) {
	r, _ := newTestReconciler(false)
	snap := runAll(t, r,
		core.ParticipantConnected{Participant: agent},
		stream(core.TopicTranscription, agent.Identity, "hello"),
	)
	if len(snap.Transcript) != 1 || len(snap.Chat) != 0 {
		t.Fatalf("expected 1 transcript and 0 chat, got %d and %d", len(snap.Transcript), len(snap.Chat))
	}
}

func TestBadDataPacketsAreDropped(t *testing.T) {
	cases := map[string][]byte{
		"not json":      []byte("hello there"),
		"no type":       []byte(`{"text":"hi"}`),
		"unknown type":  []byte(`{"type":"transcript","text":"hi"}`),
		"text not str":  []byte(`{"type":"chat","text":42}`),
		"invalid utf-8": {0xff, 0xfe, '{', '}'},
		"empty payload": {},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			r, obs := newTestReconciler(true)
			snap := runAll(t, r, core.DataReceived{Payload: payload, Sender: &agent})
			if len(snap.Chat) != 0 {
				t.Fatalf("expected no chat entries, got %+v", snap.Chat)
			}
			if obs.views != 0 {
				t.Fatalf("expected no view notifications, got %d", obs.views)
			}
		})
	}
}

func TestBackToBackDataPackets(t *testing.T) {
	r, _ := newTestReconciler(true)
	snap := runAll(t, r,
		core.ParticipantConnected{Participant: agent},
		core.DataReceived{Payload: []byte(`{"type":"chat","text":"hi"}`), Sender: &agent},
		core.DataReceived{Payload: []byte(`{"type":"message","content":"there"}`), Sender: &agent},
	)
	if len(snap.Chat) != 2 {
		t.Fatalf("expected 2 chat entries, got %d", len(snap.Chat))
	}
	if snap.Chat[0].Message != "hi" || snap.Chat[1].Message != "there" {
		t.Fatalf("unexpected order: %q, %q", snap.Chat[0].Message, snap.Chat[1].Message)
	}
	for _, c := range snap.Chat {
		if c.From != domain.SenderAgent || c.Kind != domain.ChatKindChat {
			t.Fatalf("unexpected entry %+v", c)
		}
	}
}

func TestDataPacketWithoutSenderIsUnknown(t *testing.T) {
	r, _ := newTestReconciler(true)
	snap := runAll(t, r, core.DataReceived{Payload: []byte(`{"type":"chat","text":"hi"}`)})
	if len(snap.Chat) != 1 || snap.Chat[0].From != domain.SenderUnknown {
		t.Fatalf("expected one UNKNOWN entry, got %+v", snap.Chat)
	}
}

func TestUnknownIdentityFallsBackToUnknownRole(t *testing.T) {
	r, _ := newTestReconciler(true)
	snap := runAll(t, r, stream(core.TopicTranscription, "agent-late", "hello"))
	if len(snap.Transcript) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap.Transcript))
	}
	if snap.Transcript[0].Role != domain.RoleUnknown {
		t.Fatalf("expected unknown role, got %s", snap.Transcript[0].Role)
	}
	if snap.Chat[0].From != domain.SenderUnknown {
		t.Fatalf("expected UNKNOWN sender, got %s", snap.Chat[0].From)
	}
}

func TestRoleResolvedWhenStreamCompletes(t *testing.T) {
	r, _ := newTestReconciler(true)
	ch := make(chan core.Event)
	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), ch)
		close(done)
	}()

	release := make(chan struct{})
	ch <- core.TextStreamReceived{
		Topic:    core.TopicTranscription,
		Identity: agent.Identity,
		Reader:   textReader{text: "welcome", wait: release},
	}
	ch <- core.ParticipantConnected{Participant: agent}
	close(release)
	close(ch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish")
	}
	snap := r.Views().Snapshot()
	if len(snap.Transcript) != 1 || snap.Transcript[0].Role != domain.RoleAssistant {
		t.Fatalf("expected assistant entry, got %+v", snap.Transcript)
	}
}

func TestSameTopicAppendsInCompletionOrder(t *testing.T) {
	r, obs := newTestReconciler(false)
	ch := make(chan core.Event)
	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), ch)
		close(done)
	}()

	release := make(chan struct{})
	ch <- core.TextStreamReceived{Topic: core.TopicTranscription, Identity: localID, Reader: textReader{text: "opened first", wait: release}}
	ch <- stream(core.TopicTranscription, localID, "finished first")

	// the complete stream is not held back by the open one
	deadline := time.After(2 * time.Second)
	for len(r.Views().Snapshot().Transcript) == 0 {
		select {
		case <-deadline:
			t.Fatal("finished stream was not appended while an earlier one is open")
		case <-time.After(5 * time.Millisecond):
		}
	}
	ch <- core.DataReceived{Payload: []byte(`{"type":"chat","text":"packet"}`), Sender: &domain.Participant{Identity: localID}}
	close(release)
	close(ch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish")
	}
	snap := r.Views().Snapshot()
	got := make([]string, 0, len(snap.Transcript))
	for _, e := range snap.Transcript {
		got = append(got, e.Content)
	}
	want := []string{"finished first", "opened first"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(snap.Chat) != 1 || snap.Chat[0].Message != "packet" {
		t.Fatalf("unexpected chat %+v", snap.Chat)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.views != 3 {
		t.Fatalf("expected 3 view notifications, got %d", obs.views)
	}
}

func TestOpenStreamDoesNotBlockOtherStreams(t *testing.T) {
	r, _ := newTestReconciler(false)
	ch := make(chan core.Event, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, ch)
		close(done)
	}()

	// never closes, as when the speaker leaves mid-utterance
	ch <- core.TextStreamReceived{Topic: core.TopicTranscription, Identity: localID, Reader: textReader{wait: make(chan struct{})}}
	ch <- stream(core.TopicTranscription, localID, "later line")

	deadline := time.After(2 * time.Second)
	for len(r.Views().Snapshot().Transcript) == 0 {
		select {
		case <-deadline:
			t.Fatal("later stream stalled behind the open one")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestEmptyEntriesAreStillAppended(t *testing.T) {
	r, _ := newTestReconciler(true)
	snap := runAll(t, r,
		core.ParticipantConnected{Participant: agent},
		stream(core.TopicTranscription, agent.Identity, ""),
		core.DataReceived{Payload: []byte(`{"type":"chat"}`), Sender: &agent},
	)
	if len(snap.Transcript) != 1 || snap.Transcript[0].Content != "" || snap.Transcript[0].Role != domain.RoleAssistant {
		t.Fatalf("expected one empty assistant transcript entry, got %+v", snap.Transcript)
	}
	// one mirror of the transcript plus one packet
	if len(snap.Chat) != 2 {
		t.Fatalf("expected 2 chat entries, got %+v", snap.Chat)
	}
	kinds := map[domain.ChatKind]int{}
	for _, c := range snap.Chat {
		if c.Message != "" {
			t.Fatalf("unexpected message %q", c.Message)
		}
		kinds[c.Kind]++
	}
	if kinds[domain.ChatKindTranscript] != 1 || kinds[domain.ChatKindChat] != 1 {
		t.Fatalf("unexpected kinds %v", kinds)
	}
}

func TestStreamReadErrorDropsOnlyThatStream(t *testing.T) {
	r, _ := newTestReconciler(false)
	snap := runAll(t, r,
		core.TextStreamReceived{Topic: core.TopicChat, Identity: localID, Reader: textReader{err: errors.New("reset")}},
		stream(core.TopicChat, localID, "still here"),
	)
	if len(snap.Chat) != 1 || snap.Chat[0].Message != "still here" {
		t.Fatalf("unexpected chat %+v", snap.Chat)
	}
}

func TestIgnoredTopicAndNilReader(t *testing.T) {
	r, _ := newTestReconciler(true)
	snap := runAll(t, r,
		stream("lk.agent.events", localID, "noise"),
		core.TextStreamReceived{Topic: core.TopicChat, Identity: localID},
	)
	if len(snap.Chat) != 0 || len(snap.Transcript) != 0 {
		t.Fatalf("expected empty views, got %+v", snap)
	}
}

func TestNilEventSourceIsNoop(t *testing.T) {
	r, obs := newTestReconciler(true)
	r.Run(context.Background(), nil)
	if obs.views != 0 || len(obs.states) != 0 {
		t.Fatal("expected no activity")
	}
}

func TestMembershipAndTracks(t *testing.T) {
	r, obs := newTestReconciler(true)
	snap := runAll(t, r,
		core.ConnectionStateChanged{State: domain.ConnConnected},
		core.ParticipantConnected{Participant: agent},
		core.TrackChanged{Identity: agent.Identity, Kind: domain.TrackAudio, Published: true},
	)
	if len(snap.Participants) != 1 || !snap.Participants[0].Audio {
		t.Fatalf("expected agent with audio, got %+v", snap.Participants)
	}

	runAll(t, r, core.ParticipantDisconnected{Participant: agent})
	if got := r.Views().Snapshot().Participants; len(got) != 0 {
		t.Fatalf("expected empty roster, got %+v", got)
	}
	if len(obs.joined) != 1 || len(obs.left) != 1 || len(obs.states) != 1 {
		t.Fatalf("unexpected observer calls: %+v", obs)
	}
}

func TestEchoAppendsLocalChat(t *testing.T) {
	r, obs := newTestReconciler(true)
	r.Echo("on my way")
	snap := r.Views().Snapshot()
	if len(snap.Chat) != 1 || snap.Chat[0].From != domain.SenderYou {
		t.Fatalf("unexpected chat %+v", snap.Chat)
	}
	if obs.views != 1 {
		t.Fatalf("expected 1 view notification, got %d", obs.views)
	}
}
