package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/zulandar/greenroom/internal/activation"
	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/queue"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Conversation{}, &models.Participant{},
		&models.Round{}, &models.RoundSlot{},
		&models.Run{}, &models.Message{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

type fixture struct {
	db    *gorm.DB
	sched *Scheduler
	q     *queue.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openTestDB(t)
	q := queue.NewMemory(16)
	sched := New(Opts{
		Store:    store.New(db),
		Queue:    q,
		Debounce: time.Millisecond,
	})
	return &fixture{db: db, sched: sched, q: q}
}

// seedConv creates a conversation with two AI speakers (a, b) and a human (h).
func (f *fixture) seedConv(t *testing.T, id, replyOrder, inputPolicy string) {
	t.Helper()
	conv := &models.Conversation{
		ID: id, Title: "test", ReplyOrder: replyOrder, InputPolicy: inputPolicy, NextSeq: 1,
	}
	if err := f.db.Create(conv).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	parts := []models.Participant{
		{ConversationID: id, SpeakerID: "a", Name: "Ada", Kind: models.SpeakerAI, Position: 0, Talkativeness: 50},
		{ConversationID: id, SpeakerID: "b", Name: "Bea", Kind: models.SpeakerAI, Position: 1, Talkativeness: 50},
		{ConversationID: id, SpeakerID: "h", Name: "Hal", Kind: models.SpeakerHuman, Position: 2},
	}
	for i := range parts {
		if err := f.db.Create(&parts[i]).Error; err != nil {
			t.Fatalf("seed participant: %v", err)
		}
	}
}

func (f *fixture) queuedRun(t *testing.T, convID string) *models.Run {
	t.Helper()
	run, err := store.QueuedRun(f.db, convID)
	if err != nil {
		t.Fatalf("QueuedRun: %v", err)
	}
	return run
}

func (f *fixture) activeRound(t *testing.T, convID string) *models.Round {
	t.Helper()
	round, err := store.ActiveRound(f.db, convID)
	if err != nil {
		t.Fatalf("ActiveRound: %v", err)
	}
	return round
}

func (f *fixture) countRuns(t *testing.T, convID, status string) int64 {
	t.Helper()
	var n int64
	f.db.Model(&models.Run{}).Where("conversation_id = ? AND status = ?", convID, status).Count(&n)
	return n
}

// checkRunInvariants asserts the per-conversation single-slot invariants.
func (f *fixture) checkRunInvariants(t *testing.T, convID string) {
	t.Helper()
	if n := f.countRuns(t, convID, models.RunRunning); n > 1 {
		t.Fatalf("invariant violated: %d running runs", n)
	}
	if n := f.countRuns(t, convID, models.RunQueued); n > 1 {
		t.Fatalf("invariant violated: %d queued runs", n)
	}
}

// claimAndComplete drives the queued run through claim and completion.
func (f *fixture) claimAndComplete(t *testing.T, convID, body string) {
	t.Helper()
	run := f.queuedRun(t, convID)
	if run == nil {
		t.Fatal("no queued run to claim")
	}
	_, outcome, err := f.sched.ClaimRun(run.ID, "worker-1")
	if err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}
	if outcome != OutcomeClaimed {
		t.Fatalf("claim outcome = %s, want claimed", outcome)
	}
	if _, _, err := f.sched.CompleteRun(run.ID, body); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	f.checkRunInvariants(t, convID)
}

func TestScenarioA_ListRoundLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)

	outcome, _, err := f.sched.PostHumanMessage("conv-1", "h", "hello all")
	if err != nil {
		t.Fatalf("PostHumanMessage: %v", err)
	}
	if outcome != OutcomeStarted {
		t.Fatalf("outcome = %s, want started", outcome)
	}

	round := f.activeRound(t, "conv-1")
	if round == nil {
		t.Fatal("expected active round")
	}
	slots, err := store.RoundSlots(f.db, round.ID)
	if err != nil {
		t.Fatalf("RoundSlots: %v", err)
	}
	if len(slots) != 2 || slots[0].SpeakerID != "a" || slots[1].SpeakerID != "b" {
		t.Fatalf("queue = %+v, want [a b]", slots)
	}

	run := f.queuedRun(t, "conv-1")
	if run == nil || run.SpeakerID != "a" {
		t.Fatalf("queued run = %+v, want speaker a", run)
	}
	if run.Kind != models.RunAutoResponse {
		t.Errorf("kind = %s", run.Kind)
	}
	if !run.RunAfter.After(time.Now().Add(-time.Second)) {
		t.Errorf("RunAfter not set: %v", run.RunAfter)
	}

	f.claimAndComplete(t, "conv-1", "A speaks")

	run = f.queuedRun(t, "conv-1")
	if run == nil || run.SpeakerID != "b" {
		t.Fatalf("queued run = %+v, want speaker b", run)
	}

	f.claimAndComplete(t, "conv-1", "B speaks")

	if f.activeRound(t, "conv-1") != nil {
		t.Fatal("expected idle conversation after queue exhausted")
	}
	var finished models.Round
	if err := f.db.Where("id = ?", round.ID).First(&finished).Error; err != nil {
		t.Fatal(err)
	}
	if finished.Status != models.RoundFinished {
		t.Errorf("round status = %s, want finished", finished.Status)
	}
	if f.queuedRun(t, "conv-1") != nil {
		t.Error("no run should remain queued after the round finished")
	}
}

func TestStartRound_NoEligibleSpeakers(t *testing.T) {
	f := newFixture(t)
	conv := &models.Conversation{ID: "conv-1", ReplyOrder: models.ReplyOrderList, InputPolicy: models.InputPolicyQueue, NextSeq: 1}
	f.db.Create(conv)

	outcome, err := f.sched.StartRound("conv-1", activation.Trigger{})
	if err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if outcome != OutcomeNoEligibleSpeakers {
		t.Fatalf("outcome = %s, want no_eligible_speakers", outcome)
	}
	if f.activeRound(t, "conv-1") != nil {
		t.Error("idle state must be unchanged")
	}
}

func TestStartRound_RefusesWhileActive(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)

	if _, err := f.sched.StartRound("conv-1", activation.Trigger{}); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	_, err := f.sched.StartRound("conv-1", activation.Trigger{})
	if !errors.Is(err, ErrActiveRoundExists) {
		t.Fatalf("err = %v, want ErrActiveRoundExists", err)
	}
}

func TestQueueFrozenAtRoundStart(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)

	if _, _, err := f.sched.PostHumanMessage("conv-1", "h", "go"); err != nil {
		t.Fatal(err)
	}
	round := f.activeRound(t, "conv-1")
	before, _ := store.RoundSlots(f.db, round.ID)

	// Membership churn mid-round: a new speaker joins, an existing one is
	// muted. Neither may alter the running order.
	f.db.Create(&models.Participant{ConversationID: "conv-1", SpeakerID: "c", Name: "Cyd", Kind: models.SpeakerAI, Position: 3})
	f.db.Model(&models.Participant{}).Where("speaker_id = ?", "b").Update("muted", true)

	f.claimAndComplete(t, "conv-1", "A speaks")

	after, _ := store.RoundSlots(f.db, round.ID)
	if len(after) != len(before) {
		t.Fatalf("slot count changed: %d -> %d", len(before), len(after))
	}
	for i := range after {
		if after[i].SpeakerID != before[i].SpeakerID || after[i].Position != before[i].Position {
			t.Errorf("slot %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
	// The muted speaker still holds their slot and still gets scheduled.
	if run := f.queuedRun(t, "conv-1"); run == nil || run.SpeakerID != "b" {
		t.Errorf("queued run = %+v, want frozen-queue speaker b", run)
	}
}

func TestScenarioB_StaleTailSkipsRun(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)

	_, msg, err := f.sched.PostHumanMessage("conv-1", "h", "hello")
	if err != nil {
		t.Fatal(err)
	}
	run := f.queuedRun(t, "conv-1")
	if run.ExpectedTailMessageID != msg.ID {
		t.Fatalf("expected tail = %q, want %q", run.ExpectedTailMessageID, msg.ID)
	}

	// The tail moves out from under the queued run.
	f.db.Model(&models.Message{}).Where("id = ?", msg.ID).Update("hidden", true)

	claimed, outcome, err := f.sched.ClaimRun(run.ID, "worker-1")
	if err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}
	if outcome != OutcomeStaleTail {
		t.Fatalf("outcome = %s, want stale_tail", outcome)
	}
	if claimed != nil {
		t.Error("stale claim must not hand back a run")
	}

	var after models.Run
	f.db.First(&after, "id = ?", run.ID)
	if after.Status != models.RunSkipped {
		t.Errorf("status = %s, want skipped", after.Status)
	}
	if after.ErrorCode != models.ErrCodeTailMismatch {
		t.Errorf("error code = %s, want %s", after.ErrorCode, models.ErrCodeTailMismatch)
	}
	if n := f.countRuns(t, "conv-1", models.RunRunning); n != 0 {
		t.Errorf("running runs = %d, want 0 (no generation)", n)
	}
}

func TestScenarioC_FailureKeepsCursorAndQueue(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.db.Model(&models.Conversation{}).Where("id = ?", "conv-1").Update("auto_mode", true)

	if _, _, err := f.sched.PostHumanMessage("conv-1", "h", "hello"); err != nil {
		t.Fatal(err)
	}
	round := f.activeRound(t, "conv-1")
	run := f.queuedRun(t, "conv-1")
	if _, outcome, err := f.sched.ClaimRun(run.ID, "worker-1"); err != nil || outcome != OutcomeClaimed {
		t.Fatalf("claim: %s, %v", outcome, err)
	}

	if _, err := f.sched.FailRun(run.ID, models.ErrCodeGeneration, "model exploded"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}

	var failed models.Round
	f.db.First(&failed, "id = ?", round.ID)
	if failed.Status != models.RoundActive || failed.SchedState != models.SchedFailed {
		t.Fatalf("round = %s/%s, want active/failed", failed.Status, failed.SchedState)
	}
	if failed.CurrentPosition != 0 {
		t.Errorf("cursor = %d, want 0", failed.CurrentPosition)
	}
	var conv models.Conversation
	f.db.First(&conv, "id = ?", "conv-1")
	if conv.AutoMode {
		t.Error("auto mode must be disabled on failure")
	}

	// AI-authored messages are blocked while failed; only fresh human input
	// or explicit recovery moves the conversation.
	aiMsg, err := store.AppendMessage(f.db, &models.Message{
		ConversationID: "conv-1", SpeakerID: "b", Role: models.RoleAI, Body: "late reply",
	})
	if err != nil {
		t.Fatal(err)
	}
	outcome, err := f.sched.AdvanceTurn("conv-1", aiMsg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != NoopBlockedFailed {
		t.Errorf("outcome = %s, want noop_blocked_failed", outcome)
	}

	// Retry reschedules the same speaker at the same position.
	outcome, err = f.sched.RetryCurrentSpeaker("conv-1")
	if err != nil {
		t.Fatalf("RetryCurrentSpeaker: %v", err)
	}
	if outcome != OutcomeRetried {
		t.Fatalf("outcome = %s, want retried", outcome)
	}
	retry := f.queuedRun(t, "conv-1")
	if retry == nil || retry.SpeakerID != "a" {
		t.Fatalf("retry run = %+v, want speaker a", retry)
	}
	var recovered models.Round
	f.db.First(&recovered, "id = ?", round.ID)
	if recovered.SchedState != models.SchedGenerating || recovered.CurrentPosition != 0 {
		t.Errorf("round = %s pos %d, want generating pos 0", recovered.SchedState, recovered.CurrentPosition)
	}
}

func TestFailedRound_NewHumanInputRestarts(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)

	if _, _, err := f.sched.PostHumanMessage("conv-1", "h", "hello"); err != nil {
		t.Fatal(err)
	}
	failed := f.activeRound(t, "conv-1")
	run := f.queuedRun(t, "conv-1")
	if _, outcome, err := f.sched.ClaimRun(run.ID, "worker-1"); err != nil || outcome != OutcomeClaimed {
		t.Fatalf("claim: %s, %v", outcome, err)
	}
	if _, err := f.sched.FailRun(run.ID, models.ErrCodeGeneration, "model exploded"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}

	// Fresh human input abandons the failed round and starts over.
	outcome, _, err := f.sched.PostHumanMessage("conv-1", "h", "let's try again")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeStarted {
		t.Fatalf("outcome = %s, want started", outcome)
	}

	var old models.Round
	f.db.First(&old, "id = ?", failed.ID)
	if old.Status != models.RoundSuperseded {
		t.Errorf("old round status = %s, want superseded", old.Status)
	}
	if old.EndedAt == nil {
		t.Error("superseded round must record ended_at")
	}

	fresh := f.activeRound(t, "conv-1")
	if fresh == nil || fresh.ID == failed.ID {
		t.Fatalf("fresh round = %+v, want a new active round", fresh)
	}
	if fresh.SchedState != models.SchedGenerating || fresh.CurrentPosition != 0 {
		t.Errorf("fresh round = %s pos %d, want generating pos 0", fresh.SchedState, fresh.CurrentPosition)
	}
	next := f.queuedRun(t, "conv-1")
	if next == nil || next.SpeakerID != "a" {
		t.Fatalf("queued run = %+v, want speaker a", next)
	}
	f.checkRunInvariants(t, "conv-1")
}

func TestScenarioD_QueuePolicyCoalescesInput(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)

	if _, _, err := f.sched.PostHumanMessage("conv-1", "h", "hello"); err != nil {
		t.Fatal(err)
	}
	run := f.queuedRun(t, "conv-1")
	if _, outcome, err := f.sched.ClaimRun(run.ID, "worker-1"); err != nil || outcome != OutcomeClaimed {
		t.Fatalf("claim: %s, %v", outcome, err)
	}

	// Two quick human messages while A is mid-generation.
	if _, _, err := f.sched.PostHumanMessage("conv-1", "h", "one more thing"); err != nil {
		t.Fatal(err)
	}
	f.checkRunInvariants(t, "conv-1")
	_, msg2, err := f.sched.PostHumanMessage("conv-1", "h", "and another")
	if err != nil {
		t.Fatal(err)
	}
	f.checkRunInvariants(t, "conv-1")

	if n := f.countRuns(t, "conv-1", models.RunQueued); n != 1 {
		t.Fatalf("queued runs = %d, want 1 (coalesced)", n)
	}
	queued := f.queuedRun(t, "conv-1")
	if queued.ExpectedTailMessageID != msg2.ID {
		t.Errorf("queued run tail = %q, want latest message %q", queued.ExpectedTailMessageID, msg2.ID)
	}
	// The running run was never canceled under the queue policy.
	var running models.Run
	f.db.First(&running, "id = ?", run.ID)
	if running.Status != models.RunRunning || running.CancelRequestedAt != nil {
		t.Errorf("running run = %s cancel=%v, want undisturbed", running.Status, running.CancelRequestedAt)
	}
}

func TestScenarioE_PauseBlocksScheduling(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)

	if _, _, err := f.sched.PostHumanMessage("conv-1", "h", "hello"); err != nil {
		t.Fatal(err)
	}
	outcome, err := f.sched.PauseRound("conv-1", "coffee break")
	if err != nil {
		t.Fatalf("PauseRound: %v", err)
	}
	if outcome != OutcomePaused {
		t.Fatalf("outcome = %s, want paused", outcome)
	}
	if f.queuedRun(t, "conv-1") != nil {
		t.Fatal("pause must cancel the queued run")
	}
	round := f.activeRound(t, "conv-1")
	if round.SchedState != models.SchedPaused {
		t.Fatalf("sched state = %s, want paused", round.SchedState)
	}
	if PauseReason(round) != "coffee break" {
		t.Errorf("pause reason = %q", PauseReason(round))
	}

	// New input updates the timeline but schedules nothing while paused.
	outcome, msg, err := f.sched.PostHumanMessage("conv-1", "h", "still there?")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != NoopPausedNoSched {
		t.Errorf("outcome = %s, want noop_paused_no_schedule", outcome)
	}
	if msg == nil {
		t.Fatal("message must still be persisted")
	}
	if f.queuedRun(t, "conv-1") != nil {
		t.Fatal("no run may be queued while paused")
	}

	outcome, err = f.sched.ResumeRound("conv-1")
	if err != nil {
		t.Fatalf("ResumeRound: %v", err)
	}
	if outcome != OutcomeResumed {
		t.Fatalf("outcome = %s, want resumed", outcome)
	}
	resumed := f.queuedRun(t, "conv-1")
	if resumed == nil || resumed.SpeakerID != "a" {
		t.Fatalf("queued run = %+v, want current speaker a", resumed)
	}
	// Resume schedules immediately, without debounce.
	if resumed.RunAfter.After(time.Now()) {
		t.Errorf("RunAfter = %v, want immediate", resumed.RunAfter)
	}
}

func TestPauseResume_Noops(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)

	if outcome, _ := f.sched.PauseRound("conv-1", ""); outcome != NoopNoActiveRound {
		t.Errorf("pause idle = %s, want noop_no_active_round", outcome)
	}
	if outcome, _ := f.sched.ResumeRound("conv-1"); outcome != NoopNoActiveRound {
		t.Errorf("resume idle = %s, want noop_no_active_round", outcome)
	}

	f.sched.PostHumanMessage("conv-1", "h", "hello")
	if outcome, _ := f.sched.ResumeRound("conv-1"); outcome != NoopNotPaused {
		t.Errorf("resume generating = %s, want noop_not_paused", outcome)
	}
	f.sched.PauseRound("conv-1", "")
	if outcome, _ := f.sched.PauseRound("conv-1", ""); outcome != NoopAlreadyPaused {
		t.Errorf("double pause = %s, want noop_already_paused", outcome)
	}
	if !Outcome("noop_already_paused").Noop() {
		t.Error("Noop() should report noop outcomes")
	}
}

func TestPauseRound_RefusesFailedRound(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	run := f.queuedRun(t, "conv-1")
	f.sched.ClaimRun(run.ID, "worker-1")
	f.sched.FailRun(run.ID, models.ErrCodeGeneration, "boom")

	_, err := f.sched.PauseRound("conv-1", "")
	if !errors.Is(err, ErrRoundFailed) {
		t.Fatalf("err = %v, want ErrRoundFailed", err)
	}
}

func TestResumeRound_BlockedByLiveRun(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	run := f.queuedRun(t, "conv-1")
	f.sched.ClaimRun(run.ID, "worker-1")
	f.sched.PauseRound("conv-1", "")

	_, err := f.sched.ResumeRound("conv-1")
	if !errors.Is(err, ErrBlockedActiveRun) {
		t.Fatalf("err = %v, want ErrBlockedActiveRun", err)
	}
}

func TestSkipCurrentSpeaker(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	round := f.activeRound(t, "conv-1")

	outcome, err := f.sched.SkipCurrentSpeaker("conv-1", false)
	if err != nil {
		t.Fatalf("SkipCurrentSpeaker: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}
	slots, _ := store.RoundSlots(f.db, round.ID)
	if slots[0].Status != models.SlotSkipped {
		t.Errorf("slot 0 = %s, want skipped", slots[0].Status)
	}
	if run := f.queuedRun(t, "conv-1"); run == nil || run.SpeakerID != "b" {
		t.Fatalf("queued run = %+v, want next speaker b", run)
	}

	// Skipping the last slot finishes the round.
	outcome, err = f.sched.SkipCurrentSpeaker("conv-1", false)
	if err != nil {
		t.Fatalf("SkipCurrentSpeaker: %v", err)
	}
	if outcome != OutcomeFinished {
		t.Fatalf("outcome = %s, want finished", outcome)
	}
	if f.activeRound(t, "conv-1") != nil {
		t.Error("round should be finished")
	}
}

func TestSkipCurrentSpeaker_RunningRunNeedsForce(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	run := f.queuedRun(t, "conv-1")
	f.sched.ClaimRun(run.ID, "worker-1")

	_, err := f.sched.SkipCurrentSpeaker("conv-1", false)
	if !errors.Is(err, ErrBlockedActiveRun) {
		t.Fatalf("err = %v, want ErrBlockedActiveRun", err)
	}

	outcome, err := f.sched.SkipCurrentSpeaker("conv-1", true)
	if err != nil {
		t.Fatalf("forced skip: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}
	var after models.Run
	f.db.First(&after, "id = ?", run.ID)
	if after.CancelRequestedAt == nil {
		t.Error("forced skip must soft-cancel the running run")
	}
}

func TestInputPolicy_Reject(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyReject)
	if _, _, err := f.sched.PostHumanMessage("conv-1", "h", "hello"); err != nil {
		t.Fatal(err)
	}
	_, _, err := f.sched.PostHumanMessage("conv-1", "h", "impatient")
	if !errors.Is(err, ErrInputRejected) {
		t.Fatalf("err = %v, want ErrInputRejected", err)
	}
	// The rejected message must not be persisted.
	var n int64
	f.db.Model(&models.Message{}).Where("conversation_id = ?", "conv-1").Count(&n)
	if n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
}

func TestInputPolicy_RestartSoftCancelsRunning(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyRestart)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	run := f.queuedRun(t, "conv-1")
	f.sched.ClaimRun(run.ID, "worker-1")

	if _, _, err := f.sched.PostHumanMessage("conv-1", "h", "changed my mind"); err != nil {
		t.Fatal(err)
	}
	var running models.Run
	f.db.First(&running, "id = ?", run.ID)
	if running.CancelRequestedAt == nil {
		t.Error("restart policy must soft-cancel the running run")
	}
	f.checkRunInvariants(t, "conv-1")
}

func TestAutoMode_RearmsAfterRoundFinishes(t *testing.T) {
	f := newFixture(t)
	conv := &models.Conversation{ID: "conv-1", ReplyOrder: models.ReplyOrderList, InputPolicy: models.InputPolicyQueue, AutoMode: true, NextSeq: 1}
	f.db.Create(conv)
	f.db.Create(&models.Participant{ConversationID: "conv-1", SpeakerID: "a", Name: "Ada", Kind: models.SpeakerAI, Position: 0})

	f.sched.PostHumanMessage("conv-1", "h", "hello")
	first := f.activeRound(t, "conv-1")
	f.claimAndComplete(t, "conv-1", "A speaks")

	// The finished round is replaced by a fresh one immediately.
	second := f.activeRound(t, "conv-1")
	if second == nil {
		t.Fatal("auto mode should start a new round")
	}
	if second.ID == first.ID {
		t.Fatal("expected a new round, not the old one")
	}
	if run := f.queuedRun(t, "conv-1"); run == nil || run.SpeakerID != "a" {
		t.Fatalf("queued run = %+v, want speaker a", run)
	}
}

func TestClaimRun_LostRace(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	run := f.queuedRun(t, "conv-1")

	if _, outcome, _ := f.sched.ClaimRun(run.ID, "worker-1"); outcome != OutcomeClaimed {
		t.Fatalf("first claim = %s", outcome)
	}
	_, outcome, err := f.sched.ClaimRun(run.ID, "worker-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if outcome != OutcomeClaimLost {
		t.Fatalf("second claim = %s, want claim_lost", outcome)
	}
}

func TestCompleteRun_SoftCanceledCommitsNothing(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	run := f.queuedRun(t, "conv-1")
	f.sched.ClaimRun(run.ID, "worker-1")
	f.db.Model(&models.Run{}).Where("id = ?", run.ID).Update("cancel_requested_at", time.Now())

	outcome, msg, err := f.sched.CompleteRun(run.ID, "too late")
	if err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if outcome != OutcomeCanceled {
		t.Fatalf("outcome = %s, want canceled", outcome)
	}
	if msg != nil {
		t.Error("canceled run must not commit a message")
	}
	var after models.Run
	f.db.First(&after, "id = ?", run.ID)
	if after.Status != models.RunCanceled {
		t.Errorf("status = %s, want canceled", after.Status)
	}
}

func TestCompleteRun_EmptyOutputSkipsSlot(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	round := f.activeRound(t, "conv-1")
	run := f.queuedRun(t, "conv-1")
	f.sched.ClaimRun(run.ID, "worker-1")

	if _, _, err := f.sched.CompleteRun(run.ID, ""); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	slots, _ := store.RoundSlots(f.db, round.ID)
	if slots[0].Status != models.SlotSkipped {
		t.Errorf("slot 0 = %s, want skipped (no output)", slots[0].Status)
	}
	if run := f.queuedRun(t, "conv-1"); run == nil || run.SpeakerID != "b" {
		t.Fatalf("queued run = %+v, want next speaker b", run)
	}
}

func TestIndependentRun_FailureLeavesRoundAlone(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)

	run, err := f.sched.ForceTalk("conv-1", "b")
	if err != nil {
		t.Fatalf("ForceTalk: %v", err)
	}
	if run.RoundID != nil {
		t.Fatal("force-talk run must be independent of rounds")
	}
	f.sched.ClaimRun(run.ID, "worker-1")
	if _, err := f.sched.FailRun(run.ID, models.ErrCodeGeneration, "boom"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}

	// No round exists, and a later human message starts one normally.
	outcome, _, err := f.sched.PostHumanMessage("conv-1", "h", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeStarted {
		t.Fatalf("outcome = %s, want started (failure must not block)", outcome)
	}
}

func TestForceTalk_SupersedesActiveRound(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	round := f.activeRound(t, "conv-1")

	run, err := f.sched.ForceTalk("conv-1", "b")
	if err != nil {
		t.Fatalf("ForceTalk: %v", err)
	}
	var stopped models.Round
	f.db.First(&stopped, "id = ?", round.ID)
	if stopped.Status != models.RoundCanceled {
		t.Errorf("round = %s, want canceled before independent run", stopped.Status)
	}
	if n := f.countRuns(t, "conv-1", models.RunQueued); n != 1 {
		t.Errorf("queued runs = %d, want exactly the force-talk run", n)
	}
	if got := f.queuedRun(t, "conv-1"); got.ID != run.ID {
		t.Errorf("queued run = %s, want %s", got.ID, run.ID)
	}
}

func TestRegenerate_HidesLastAIMessage(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	_, msg, _ := f.sched.PostHumanMessage("conv-1", "h", "hello")
	run := f.queuedRun(t, "conv-1")
	f.sched.ClaimRun(run.ID, "worker-1")
	_, aiMsg, err := f.sched.CompleteRun(run.ID, "first attempt")
	if err != nil {
		t.Fatal(err)
	}

	regen, err := f.sched.Regenerate("conv-1")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if regen.Kind != models.RunRegenerate || regen.RoundID != nil {
		t.Fatalf("regen run = %+v, want independent regenerate", regen)
	}
	if regen.SpeakerID != "a" {
		t.Errorf("regen speaker = %s, want a", regen.SpeakerID)
	}
	var hidden models.Message
	f.db.First(&hidden, "id = ?", aiMsg.ID)
	if !hidden.Hidden {
		t.Error("regenerate must hide the replaced AI message")
	}
	// The staleness guard now points at the human message again.
	if regen.ExpectedTailMessageID != msg.ID {
		t.Errorf("expected tail = %q, want %q", regen.ExpectedTailMessageID, msg.ID)
	}
}

func TestRegenerate_NothingToRegenerate(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)

	_, err := f.sched.Regenerate("conv-1")
	if !errors.Is(err, ErrNoMessageToRegenerate) {
		t.Fatalf("err = %v, want ErrNoMessageToRegenerate", err)
	}
}

func TestImpersonate_WritesAsHuman(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)

	run, err := f.sched.Impersonate("conv-1", "a")
	if err != nil {
		t.Fatalf("Impersonate: %v", err)
	}
	f.sched.ClaimRun(run.ID, "worker-1")
	_, msg, err := f.sched.CompleteRun(run.ID, "pretend I said this")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Role != models.RoleHuman {
		t.Errorf("role = %s, want human", msg.Role)
	}
}

func TestAdvanceTurn_StaleRoundMessageIgnored(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	round := f.activeRound(t, "conv-1")

	// A message tagged with a round that is no longer current.
	oldRound := "round-old"
	f.db.Create(&models.Round{ID: oldRound, ConversationID: "conv-1", Status: models.RoundCanceled})
	f.db.Create(&models.Message{ID: "m-stale", ConversationID: "conv-1", Seq: 99, Role: models.RoleAI, RoundID: &oldRound})

	outcome, err := f.sched.AdvanceTurn("conv-1", "m-stale")
	if err != nil {
		t.Fatalf("AdvanceTurn: %v", err)
	}
	if outcome != NoopStaleMessage {
		t.Fatalf("outcome = %s, want noop_stale_message", outcome)
	}
	after := f.activeRound(t, "conv-1")
	if after == nil || after.ID != round.ID || after.CurrentPosition != 0 {
		t.Error("stale message must not move the round")
	}
}

func TestScheduleSpeaker_SingleSlotQueue(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	round := f.activeRound(t, "conv-1")

	first := f.queuedRun(t, "conv-1")
	if _, err := f.sched.ScheduleSpeaker("conv-1", round.ID, 0); err != nil {
		t.Fatalf("ScheduleSpeaker: %v", err)
	}
	if n := f.countRuns(t, "conv-1", models.RunQueued); n != 1 {
		t.Fatalf("queued runs = %d, want 1", n)
	}
	var old models.Run
	f.db.First(&old, "id = ?", first.ID)
	if old.Status != models.RunCanceled {
		t.Errorf("superseded run = %s, want canceled", old.Status)
	}
}

func TestScheduleSpeaker_StaleRound(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")

	_, err := f.sched.ScheduleSpeaker("conv-1", "round-bogus", 0)
	if !errors.Is(err, ErrStaleRound) {
		t.Fatalf("err = %v, want ErrStaleRound", err)
	}
}

func TestHeartbeat_ReportsSoftCancel(t *testing.T) {
	f := newFixture(t)
	f.seedConv(t, "conv-1", models.ReplyOrderList, models.InputPolicyQueue)
	f.sched.PostHumanMessage("conv-1", "h", "hello")
	run := f.queuedRun(t, "conv-1")
	f.sched.ClaimRun(run.ID, "worker-1")

	canceled, err := f.sched.Heartbeat(run.ID)
	if err != nil || canceled {
		t.Fatalf("Heartbeat = %v, %v; want false, nil", canceled, err)
	}
	f.db.Model(&models.Run{}).Where("id = ?", run.ID).Update("cancel_requested_at", time.Now())
	canceled, err = f.sched.Heartbeat(run.ID)
	if err != nil || !canceled {
		t.Fatalf("Heartbeat = %v, %v; want true, nil", canceled, err)
	}
}
