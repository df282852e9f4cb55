package dashboard

import (
	"time"

	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/gorm"
)

// ConversationRow summarizes a conversation for the list view.
type ConversationRow struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ReplyOrder   string    `json:"reply_order"`
	InputPolicy  string    `json:"input_policy"`
	AutoMode     bool      `json:"auto_mode"`
	Participants int64     `json:"participants"`
	Messages     int64     `json:"messages"`
	RoundStatus  string    `json:"round_status"` // idle, generating, paused, failed
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationSummary returns all conversations with their scheduling state.
func ConversationSummary(db *gorm.DB) ([]ConversationRow, error) {
	var convs []models.Conversation
	if err := db.Order("updated_at DESC").Find(&convs).Error; err != nil {
		return nil, err
	}
	rows := make([]ConversationRow, len(convs))
	for i, c := range convs {
		row := ConversationRow{
			ID:          c.ID,
			Title:       c.Title,
			ReplyOrder:  c.ReplyOrder,
			InputPolicy: c.InputPolicy,
			AutoMode:    c.AutoMode,
			RoundStatus: "idle",
			UpdatedAt:   c.UpdatedAt,
		}
		db.Model(&models.Participant{}).Where("conversation_id = ?", c.ID).Count(&row.Participants)
		db.Model(&models.Message{}).Where("conversation_id = ? AND hidden = ?", c.ID, false).Count(&row.Messages)
		if active, err := store.ActiveRound(db, c.ID); err == nil && active != nil {
			row.RoundStatus = active.SchedState
		}
		rows[i] = row
	}
	return rows, nil
}

// RoundDetail holds a round with its frozen speaker queue.
type RoundDetail struct {
	Round models.Round       `json:"round"`
	Slots []models.RoundSlot `json:"slots"`
}

// ConversationDetail holds everything the detail view renders.
type ConversationDetail struct {
	Conversation models.Conversation  `json:"conversation"`
	Participants []models.Participant `json:"participants"`
	ActiveRound  *RoundDetail         `json:"active_round,omitempty"`
	RecentRuns   []models.Run         `json:"recent_runs"`
	Messages     []models.Message     `json:"messages"`
}

// LoadConversationDetail assembles the detail view for one conversation.
func LoadConversationDetail(db *gorm.DB, conversationID string) (*ConversationDetail, error) {
	var conv models.Conversation
	if err := db.Where("id = ?", conversationID).First(&conv).Error; err != nil {
		return nil, err
	}
	detail := &ConversationDetail{Conversation: conv}

	if err := db.Where("conversation_id = ?", conversationID).
		Order("position ASC").Find(&detail.Participants).Error; err != nil {
		return nil, err
	}

	active, err := store.ActiveRound(db, conversationID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		slots, err := store.RoundSlots(db, active.ID)
		if err != nil {
			return nil, err
		}
		detail.ActiveRound = &RoundDetail{Round: *active, Slots: slots}
	}

	if err := db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Limit(20).Find(&detail.RecentRuns).Error; err != nil {
		return nil, err
	}

	msgs, err := store.VisibleMessages(db, conversationID, 50)
	if err != nil {
		return nil, err
	}
	detail.Messages = msgs
	return detail, nil
}
