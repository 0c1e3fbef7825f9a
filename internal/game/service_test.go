package game

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stardust/internal/ledger"
	"stardust/internal/mail"
	"stardust/internal/mission"
	"stardust/internal/store"
	"stardust/internal/store/sqlite"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []mail.Message
	failFor map[string]bool
	failAll bool
}

func (f *fakeSender) Send(_ context.Context, msg mail.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.failFor[msg.To] {
		return "", errors.New("provider unavailable")
	}
	f.sent = append(f.sent, msg)
	return "msg-" + msg.Tag, nil
}

func (f *fakeSender) sentTo(to string) []mail.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []mail.Message
	for _, m := range f.sent {
		if m.To == to {
			out = append(out, m)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc   *Service
	store *sqlite.Store
	mail  *fakeSender
	clock *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "game.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store: st,
		mail:  &fakeSender{failFor: map[string]bool{}},
		clock: &testClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)},
	}
	h.svc, err = NewService(st, h.mail, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		MailFrom:    "Letta <letta@example.com>",
		MailReplyTo: "letta@example.com",
		Now:         h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) signup(t *testing.T, email string) string {
	t.Helper()
	res, err := h.svc.Signup(context.Background(), email)
	require.NoError(t, err)
	return res.PlayerID
}

func (h *harness) reply(t *testing.T, email, text string) ReplyResult {
	t.Helper()
	res, err := h.svc.HandleReply(context.Background(), InboundReply{From: "Player <" + email + ">", TextBody: text})
	require.NoError(t, err)
	return res
}

// advanceTo sends mission n to the player, leaving them awaiting a reply to it.
func (h *harness) advanceTo(t *testing.T, playerID string, n int) {
	t.Helper()
	res, err := h.svc.Dispatch(context.Background(), playerID, n)
	require.NoError(t, err)
	require.True(t, res.Success)
}

func (h *harness) balance(t *testing.T, playerID string) int64 {
	t.Helper()
	p, err := h.store.PlayerByID(context.Background(), playerID)
	require.NoError(t, err)
	return p.Balance
}

func TestSignupNormalizesAndSendsFirstMission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.svc.Signup(ctx, "A@Example.com")
	require.NoError(t, err)
	require.True(t, res.Created)
	require.True(t, res.MissionSent)

	p, err := h.store.PlayerByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.Equal(t, res.PlayerID, p.ID)
	require.EqualValues(t, DefaultWelcomeBonus, p.Balance)
	require.Len(t, p.Token, 32)

	sent := h.mail.sentTo("a@example.com")
	require.Len(t, sent, 1)
	require.Equal(t, "mission-1", sent[0].Tag)
	require.Equal(t, "Darling, You've Been Spotted", sent[0].Subject)
	require.Equal(t, "letta@example.com", sent[0].ReplyTo)

	prog, err := h.store.Progress(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, prog.CurrentMission)
	require.Equal(t, mission.AwaitingReply, prog.State())

	// Signing up again while still on mission 1 resends it without a second player.
	again, err := h.svc.Signup(ctx, "  a@EXAMPLE.com ")
	require.NoError(t, err)
	require.False(t, again.Created)
	require.True(t, again.MissionSent)
	require.Equal(t, p.ID, again.PlayerID)
	require.Len(t, h.mail.sentTo("a@example.com"), 2)
	require.EqualValues(t, DefaultWelcomeBonus, h.balance(t, p.ID))

	// Past mission 1 nothing is resent.
	h.advanceTo(t, p.ID, 2)
	later, err := h.svc.Signup(ctx, "a@example.com")
	require.NoError(t, err)
	require.False(t, later.MissionSent)
	require.Len(t, h.mail.sentTo("a@example.com"), 3)
}

func TestSignupRejectsBadEmail(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Signup(context.Background(), "not-an-email")
	require.ErrorIs(t, err, ErrValidation)
}

func TestSignupSurvivesDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mail.failAll = true

	res, err := h.svc.Signup(ctx, "down@example.com")
	require.NoError(t, err)
	require.True(t, res.Created)
	require.False(t, res.MissionSent)

	_, err = h.store.Progress(ctx, res.PlayerID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Retrying signup with no progress row sends mission 1 once delivery recovers.
	h.mail.failAll = false
	res, err = h.svc.Signup(ctx, "down@example.com")
	require.NoError(t, err)
	require.True(t, res.MissionSent)
}

func TestDispatchValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.signup(t, "v@example.com")

	for _, n := range []int{0, -1, 11} {
		res, err := h.svc.Dispatch(ctx, id, n)
		require.ErrorIs(t, err, ErrInvalidMission)
		require.False(t, res.Success)
	}
	_, err := h.svc.Dispatch(ctx, "00000000-0000-0000-0000-000000000000", 2)
	require.ErrorIs(t, err, ErrPlayerNotFound)
	require.Len(t, h.mail.sentTo("v@example.com"), 1)
}

func TestDispatchLeavesProgressOnDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.signup(t, "f@example.com")
	h.reply(t, "f@example.com", "a cat looked at me")
	before, err := h.store.Progress(ctx, id)
	require.NoError(t, err)

	h.mail.failFor["f@example.com"] = true
	h.clock.Advance(time.Hour)
	res, err := h.svc.Dispatch(ctx, id, 2)
	require.ErrorIs(t, err, ErrDelivery)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)

	after, err := h.store.Progress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, mission.Answered, after.State())
}

func TestHandleReplyCreditsOnceAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.signup(t, "r@example.com")

	h.clock.Advance(3 * time.Hour)
	res := h.reply(t, "R@example.com", "the kettle whistled twice")
	require.Equal(t, OutcomeProcessed, res.Outcome)
	require.Equal(t, 1, res.Mission)
	require.EqualValues(t, DefaultWelcomeBonus+DefaultReplyReward, res.Balance)

	dup := h.reply(t, "r@example.com", "sending it again")
	require.Equal(t, OutcomeDuplicate, dup.Outcome)

	require.EqualValues(t, DefaultWelcomeBonus+DefaultReplyReward, h.balance(t, id))
	responses, err := h.store.ListResponses(ctx, id)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	require.Equal(t, 4, responses[0].WordCount)
	choices, err := h.store.ListChoices(ctx, id)
	require.NoError(t, err)
	require.Len(t, choices, 1)
	require.NotNil(t, choices[0].ArrivalTime)

	entries, err := h.store.LedgerEntries(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "Mission 1 reply", entries[1].Reason)
	require.Equal(t, ledger.Balance(entries), h.balance(t, id))
}

func TestHandleReplyPrefersStrippedText(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.signup(t, "s@example.com")

	res, err := h.svc.HandleReply(ctx, InboundReply{
		From:              "s@example.com",
		TextBody:          "just this\n\n> On Tuesday Letta wrote: quoted text",
		StrippedTextReply: "  just this  ",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, res.Outcome)

	responses, err := h.store.ListResponses(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "just this", responses[0].ResponseText)
}

func TestHandleReplyUnknownSenderAndNoProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res := h.reply(t, "stranger@example.com", "hello?")
	require.Equal(t, OutcomeUnknownSender, res.Outcome)

	res, err := h.svc.HandleReply(ctx, InboundReply{From: ""})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnknownSender, res.Outcome)

	p, created, err := h.svc.EnsurePlayer(ctx, "quiet@example.com")
	require.NoError(t, err)
	require.True(t, created)
	res = h.reply(t, "quiet@example.com", "hi")
	require.Equal(t, OutcomeNoProgress, res.Outcome)
	require.EqualValues(t, DefaultWelcomeBonus, h.balance(t, p.ID))
}

func TestPathSelectionDrivesBranches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.signup(t, "p@example.com")
	h.advanceTo(t, id, 3)

	res := h.reply(t, "p@example.com", "definitely chaos energy")
	require.Equal(t, mission.PathChaos, res.Path)

	prog, err := h.store.Progress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, mission.PathChaos, prog.PathChoice)
	p, err := h.store.PlayerByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, mission.PathChaos, p.Arc)

	h.advanceTo(t, id, 4)
	sent := h.mail.sentTo("p@example.com")
	require.Equal(t, "Chaos: The First Disturbance", sent[len(sent)-1].Subject)
}

func TestUnsetPathResolvesAsUnknown(t *testing.T) {
	h := newHarness(t)
	id := h.signup(t, "u@example.com")
	h.advanceTo(t, id, 5)

	sent := h.mail.sentTo("u@example.com")
	require.Equal(t, "Unknown: The Shape Of A Gap", sent[len(sent)-1].Subject)
}

// walkToQuestion takes a fresh player through path selection and the question mission.
func (h *harness) walkToQuestion(t *testing.T, email, path, question string) string {
	t.Helper()
	id := h.signup(t, email)
	h.advanceTo(t, id, 3)
	require.Equal(t, OutcomeProcessed, h.reply(t, email, path).Outcome)
	h.advanceTo(t, id, 6)
	require.Equal(t, OutcomeProcessed, h.reply(t, email, question).Outcome)
	h.clock.Advance(time.Minute)
	return id
}

func TestPairingIsSymmetricAndNeverRepeats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	alice := h.walkToQuestion(t, "alice@example.com", "clarity", "What would you measure first?")
	bob := h.walkToQuestion(t, "bob@example.com", "clarity", "What did you stop believing?")
	carol := h.walkToQuestion(t, "carol@example.com", "clarity", "Which door would you reopen?")
	dave := h.walkToQuestion(t, "dave@example.com", "chaos", "What would you knock over?")

	// Mission 7 without a partner keeps the placeholder.
	h.advanceTo(t, alice, 7)
	sent := h.mail.sentTo("alice@example.com")
	require.Contains(t, sent[len(sent)-1].HTML, mission.PairedQuestionToken)

	res := h.reply(t, "alice@example.com", "my answer")
	require.True(t, res.Paired)

	aliceQs, err := h.store.ListQuestions(ctx, alice)
	require.NoError(t, err)
	bobQs, err := h.store.ListQuestions(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, bob, aliceQs[0].PairedWith)
	require.Equal(t, alice, bobQs[0].PairedWith)

	// Bob is already paired; his mission 7 carries Alice's question.
	h.advanceTo(t, bob, 7)
	sent = h.mail.sentTo("bob@example.com")
	require.Contains(t, sent[len(sent)-1].HTML, "What would you measure first?")
	require.NotContains(t, sent[len(sent)-1].HTML, mission.PairedQuestionToken)
	res = h.reply(t, "bob@example.com", "answer")
	require.False(t, res.Paired)

	// Carol finds nobody left on clarity and Dave's chaos question is off-path.
	h.advanceTo(t, carol, 7)
	res = h.reply(t, "carol@example.com", "answer")
	require.False(t, res.Paired)
	carolQs, err := h.store.ListQuestions(ctx, carol)
	require.NoError(t, err)
	require.Empty(t, carolQs[0].PairedWith)
	daveQs, err := h.store.ListQuestions(ctx, dave)
	require.NoError(t, err)
	require.Empty(t, daveQs[0].PairedWith)

	// Pairing Alice again is a no-op.
	again, err := h.svc.Pair(ctx, alice, mission.PathClarity)
	require.NoError(t, err)
	require.False(t, again.Paired)
}

func TestSweepAdvancesOnlyAfterDelay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	old := h.signup(t, "old@example.com")
	h.advanceTo(t, old, 4)
	h.reply(t, "old@example.com", "evidence")

	h.clock.Advance(24 * time.Hour)
	fresh := h.signup(t, "fresh@example.com")
	h.reply(t, "fresh@example.com", "hello")

	done := h.signup(t, "done@example.com")
	h.advanceTo(t, done, mission.TotalMissions)
	h.reply(t, "done@example.com", "stardust")

	h.clock.Advance(time.Hour)
	res, err := h.svc.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, SweepItem{PlayerID: old, Mission: 5, Success: true}, res.Results[0])

	prog, err := h.store.Progress(ctx, old)
	require.NoError(t, err)
	require.Equal(t, 5, prog.CurrentMission)
	require.Equal(t, mission.AwaitingReply, prog.State())

	prog, err = h.store.Progress(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, 1, prog.CurrentMission)

	// A second sweep finds nothing new: the advanced player now awaits a reply.
	res, err = h.svc.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, res.Processed)
}

func TestSweepIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a := h.signup(t, "a1@example.com")
	h.reply(t, "a1@example.com", "one")
	b := h.signup(t, "b1@example.com")
	h.reply(t, "b1@example.com", "two")

	h.mail.failFor["a1@example.com"] = true
	h.clock.Advance(25 * time.Hour)

	res, err := h.svc.Sweep(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)

	byPlayer := map[string]SweepItem{}
	for _, item := range res.Results {
		byPlayer[item.PlayerID] = item
	}
	require.False(t, byPlayer[a].Success)
	require.NotEmpty(t, byPlayer[a].Error)
	require.True(t, byPlayer[b].Success)

	prog, err := h.store.Progress(ctx, a)
	require.NoError(t, err)
	require.Equal(t, 1, prog.CurrentMission)
	require.Equal(t, mission.Answered, prog.State())
}

func TestEarnAndSpend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.svc.SeedDefaults(ctx))
	require.NoError(t, h.svc.SeedDefaults(ctx))
	id := h.signup(t, "shop@example.com")

	_, err := h.svc.Earn(ctx, EarnInput{Email: "shop@example.com", Amount: 0})
	require.ErrorIs(t, err, ErrInvalidAmount)

	earned, err := h.svc.Earn(ctx, EarnInput{Email: "SHOP@example.com", Amount: 15, Metadata: map[string]any{"source": "test"}})
	require.NoError(t, err)
	require.EqualValues(t, 65, earned.NewBalance)
	require.Equal(t, DefaultEarnReason, earned.Transaction.Reason)

	_, err = h.svc.Spend(ctx, "shop@example.com", "no-such-secret")
	require.ErrorIs(t, err, ErrSecretNotFound)

	_, err = h.svc.Spend(ctx, "shop@example.com", "unroyal-charter")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	spent, err := h.svc.Spend(ctx, "shop@example.com", "first-hiccup")
	require.NoError(t, err)
	require.EqualValues(t, 35, spent.NewBalance)
	require.EqualValues(t, 35, h.balance(t, id))

	_, err = h.svc.Spend(ctx, "shop@example.com", "first-hiccup")
	require.ErrorIs(t, err, ErrAlreadyUnlocked)

	state, err := h.svc.PlayerState(ctx, "shop@example.com")
	require.NoError(t, err)
	require.EqualValues(t, 35, state.Player.Balance)
	require.Len(t, state.Secrets, len(defaultSecrets))
	require.Equal(t, "first-hiccup", state.Secrets[0].Code)
	require.True(t, state.Secrets[0].Unlocked)
	require.NotEmpty(t, state.Secrets[0].Content)
	require.False(t, state.Secrets[1].Unlocked)
	require.Empty(t, state.Secrets[1].Content)

	entries, err := h.store.LedgerEntries(ctx, id)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	require.Equal(t, ledger.Spend, last.Type)
	require.Equal(t, "Unlocked: The First Hiccup", last.Reason)
	require.Equal(t, "first-hiccup", last.Metadata["secret_code"])

	_, err = h.svc.Earn(ctx, EarnInput{Email: "ghost@example.com", Amount: 5})
	require.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestSaveReflection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.signup(t, "ref@example.com")

	_, err := h.svc.SaveReflection(ctx, "ref@example.com", "   ")
	require.ErrorIs(t, err, ErrEmptyReflection)

	long := make([]rune, MaxReflectionChars+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = h.svc.SaveReflection(ctx, "ref@example.com", string(long))
	require.ErrorIs(t, err, ErrReflectionTooLong)

	ref, err := h.svc.SaveReflection(ctx, "ref@example.com", "the field got quieter")
	require.NoError(t, err)
	require.NotEmpty(t, ref.ID)
}

func TestListPlayersSuggestsNextMission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.signup(t, "one@example.com")
	h.advanceTo(t, first, mission.TotalMissions)
	h.clock.Advance(time.Minute)
	second := h.signup(t, "two@example.com")
	h.clock.Advance(time.Minute)
	_, _, err := h.svc.EnsurePlayer(ctx, "three@example.com")
	require.NoError(t, err)

	rows, err := h.svc.ListPlayers(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "three@example.com", rows[0].Email)
	require.Nil(t, rows[0].Progress)
	require.Equal(t, 1, rows[0].SuggestedNextMission)
	require.Equal(t, second, rows[1].ID)
	require.Equal(t, 2, rows[1].SuggestedNextMission)
	require.Equal(t, first, rows[2].ID)
	require.Equal(t, mission.TotalMissions, rows[2].SuggestedNextMission)
}
