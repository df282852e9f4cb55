package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/greenroom/internal/guard"
	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/notify"
	"github.com/zulandar/greenroom/internal/queue"
	"github.com/zulandar/greenroom/internal/scheduler"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB, *scheduler.Scheduler) {
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
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(db)
	sched := scheduler.New(scheduler.Opts{Store: st, Queue: queue.NewMemory(4), Debounce: time.Millisecond})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	registerRoutes(router, StartOpts{
		DB:        db,
		Scheduler: sched,
		Guard:     guard.New(st, nil),
		Hub:       NewHub(),
	})
	return router, db, sched
}

func seedConv(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	db.Create(&models.Conversation{ID: id, Title: "Test", ReplyOrder: models.ReplyOrderList, InputPolicy: models.InputPolicyQueue, NextSeq: 1})
	db.Create(&models.Participant{ConversationID: id, SpeakerID: "a", Name: "Ada", Kind: models.SpeakerAI, Position: 0})
	db.Create(&models.Participant{ConversationID: id, SpeakerID: "h", Name: "Hal", Kind: models.SpeakerHuman, Position: 1})
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStart_RequiresDB(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Fatalf("err = %v, want db required", err)
	}
}

func TestConversationList(t *testing.T) {
	router, db, _ := newTestRouter(t)
	seedConv(t, db, "conv-1")

	w := doJSON(t, router, http.MethodGet, "/api/conversations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Conversations []ConversationRow `json:"conversations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(resp.Conversations))
	}
	row := resp.Conversations[0]
	if row.ID != "conv-1" || row.Participants != 2 || row.RoundStatus != "idle" {
		t.Errorf("row = %+v", row)
	}
}

func TestPostMessage_StartsRound(t *testing.T) {
	router, db, _ := newTestRouter(t)
	seedConv(t, db, "conv-1")

	w := doJSON(t, router, http.MethodPost, "/api/conversations/conv-1/messages",
		map[string]string{"speaker_id": "h", "body": "hello"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	run, err := store.QueuedRun(db, "conv-1")
	if err != nil || run == nil {
		t.Fatalf("queued run: %+v, %v", run, err)
	}

	// Detail now shows the active round with its queue.
	w = doJSON(t, router, http.MethodGet, "/api/conversations/conv-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("detail status = %d", w.Code)
	}
	var detail ConversationDetail
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.ActiveRound == nil || len(detail.ActiveRound.Slots) != 1 {
		t.Fatalf("active round = %+v", detail.ActiveRound)
	}
	if len(detail.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(detail.Messages))
	}
}

func TestPostMessage_BadRequest(t *testing.T) {
	router, db, _ := newTestRouter(t)
	seedConv(t, db, "conv-1")
	w := doJSON(t, router, http.MethodPost, "/api/conversations/conv-1/messages",
		map[string]string{"body": "missing speaker"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPostMessage_RejectPolicyConflicts(t *testing.T) {
	router, db, _ := newTestRouter(t)
	seedConv(t, db, "conv-1")
	db.Model(&models.Conversation{}).Where("id = ?", "conv-1").Update("input_policy", models.InputPolicyReject)

	doJSON(t, router, http.MethodPost, "/api/conversations/conv-1/messages",
		map[string]string{"speaker_id": "h", "body": "first"})
	w := doJSON(t, router, http.MethodPost, "/api/conversations/conv-1/messages",
		map[string]string{"speaker_id": "h", "body": "second"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	router, db, _ := newTestRouter(t)
	seedConv(t, db, "conv-1")
	doJSON(t, router, http.MethodPost, "/api/conversations/conv-1/messages",
		map[string]string{"speaker_id": "h", "body": "hello"})

	w := doJSON(t, router, http.MethodPost, "/api/conversations/conv-1/pause",
		map[string]string{"reason": "lunch"})
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d, body = %s", w.Code, w.Body.String())
	}
	round, _ := store.ActiveRound(db, "conv-1")
	if round == nil || round.SchedState != models.SchedPaused {
		t.Fatalf("round = %+v, want paused", round)
	}

	w = doJSON(t, router, http.MethodPost, "/api/conversations/conv-1/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d, body = %s", w.Code, w.Body.String())
	}
	round, _ = store.ActiveRound(db, "conv-1")
	if round.SchedState != models.SchedGenerating {
		t.Errorf("sched state = %s, want generating", round.SchedState)
	}

	// Pausing a round with no active round is a visible noop, not an error.
	doJSON(t, router, http.MethodPost, "/api/conversations/conv-1/stop", nil)
	w = doJSON(t, router, http.MethodPost, "/api/conversations/conv-1/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("noop pause status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "noop") {
		t.Errorf("body = %s, want noop outcome", w.Body.String())
	}
}

func TestHideMessageEndpoint(t *testing.T) {
	router, db, _ := newTestRouter(t)
	seedConv(t, db, "conv-1")
	msg, err := store.AppendMessage(db, &models.Message{ConversationID: "conv-1", SpeakerID: "h", Role: models.RoleHuman, Body: "oops"})
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, http.MethodPost, "/api/conversations/conv-1/messages/"+msg.ID+"/hide", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var after models.Message
	db.First(&after, "id = ?", msg.ID)
	if !after.Hidden {
		t.Error("message not hidden")
	}

	w = doJSON(t, router, http.MethodPost, "/api/conversations/conv-1/messages/msg-bogus/hide", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestConversationDetail_NotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/api/conversations/conv-missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe()
	defer cancel()

	hub.RunTransition(notify.RunEvent{ConversationID: "conv-1", RunID: "run-1", Status: models.RunSucceeded})

	select {
	case ev := <-events:
		if ev.Event != "run" {
			t.Errorf("event = %s, want run", ev.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("no event broadcast")
	}

	// After cancel, broadcasts do not block.
	cancel()
	hub.RoundTransition(notify.RoundEvent{ConversationID: "conv-1"})
}
