// Package activation computes the ordered speaker queue for a new round.
// It is the only place reply-order semantics live; everything here is pure
// and side-effect free.
package activation

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/zulandar/greenroom/internal/models"
)

// ErrNoEligibleSpeakers is returned when the eligible pool is empty or the
// policy activates nobody.
var ErrNoEligibleSpeakers = errors.New("activation: no eligible speakers")

// mentionWeight dominates talkativeness so an explicit mention always
// outranks a chatty participant.
const mentionWeight = 1000

// Trigger carries the hints a triggering message provides.
type Trigger struct {
	SpeakerID      string // who produced the triggering message
	Text           string // message body, scanned for mentions
	ForceSpeakerID string // explicit speaker for manual force-talk
}

// Activate maps a reply-order policy and the eligible participants to an
// ordered queue of speaker IDs. Participants must already be filtered to the
// eligible pool and ordered by position.
func Activate(policy string, participants []models.Participant, trigger Trigger) ([]string, error) {
	if policy == models.ReplyOrderManual {
		// Manual never auto-activates; only an explicit force-talk speaks.
		if trigger.ForceSpeakerID != "" {
			return []string{trigger.ForceSpeakerID}, nil
		}
		return nil, ErrNoEligibleSpeakers
	}
	if len(participants) == 0 {
		return nil, ErrNoEligibleSpeakers
	}

	var queue []string
	var err error
	switch policy {
	case models.ReplyOrderList:
		queue = activateList(participants, trigger)
	case models.ReplyOrderNatural:
		queue = activateNatural(participants, trigger)
	case models.ReplyOrderPooled:
		queue, err = activatePooled(participants)
	default:
		return nil, fmt.Errorf("activation: unknown reply order %q", policy)
	}
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return nil, ErrNoEligibleSpeakers
	}
	return queue, nil
}

// activateList returns every eligible participant once, in cyclic position
// order starting after the trigger speaker. Message content is irrelevant.
func activateList(participants []models.Participant, trigger Trigger) []string {
	start := 0
	for i, p := range participants {
		if p.SpeakerID == trigger.SpeakerID {
			start = i + 1
			break
		}
	}
	queue := make([]string, 0, len(participants))
	for i := 0; i < len(participants); i++ {
		p := participants[(start+i)%len(participants)]
		if p.SpeakerID == trigger.SpeakerID {
			continue
		}
		queue = append(queue, p.SpeakerID)
	}
	if len(queue) == 0 {
		// The trigger speaker is the only eligible participant; a round of
		// one is still a round.
		queue = append(queue, participants[0].SpeakerID)
	}
	return queue
}

// activateNatural scores each participant by mention hits and talkativeness.
// Everyone mentioned activates, highest score first; without any mention the
// single most talkative participant speaks. Ties break by position, which
// keeps the order stable and deterministic.
func activateNatural(participants []models.Participant, trigger Trigger) []string {
	type scored struct {
		p     models.Participant
		score int
	}

	text := strings.ToLower(trigger.Text)
	var mentioned []scored
	best := 0
	for i, p := range participants {
		if p.SpeakerID == trigger.SpeakerID {
			continue
		}
		hits := mentionHits(text, p.Name)
		if hits > 0 {
			mentioned = append(mentioned, scored{p, hits*mentionWeight + p.Talkativeness})
		}
		if p.Talkativeness > participants[best].Talkativeness ||
			participants[best].SpeakerID == trigger.SpeakerID {
			best = i
		}
	}

	if len(mentioned) == 0 {
		if participants[best].SpeakerID == trigger.SpeakerID {
			return nil
		}
		return []string{participants[best].SpeakerID}
	}

	sort.SliceStable(mentioned, func(i, j int) bool {
		if mentioned[i].score != mentioned[j].score {
			return mentioned[i].score > mentioned[j].score
		}
		return mentioned[i].p.Position < mentioned[j].p.Position
	})
	queue := make([]string, len(mentioned))
	for i, s := range mentioned {
		queue[i] = s.p.SpeakerID
	}
	return queue
}

// activatePooled picks exactly one participant at random from the pool.
func activatePooled(participants []models.Participant) ([]string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(participants))))
	if err != nil {
		return nil, fmt.Errorf("activation: pooled pick: %w", err)
	}
	return []string{participants[n.Int64()].SpeakerID}, nil
}

// mentionHits counts whole-word occurrences of name in lowercased text.
func mentionHits(text, name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return 0
	}
	hits := 0
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if word == name {
			hits++
		}
	}
	return hits
}
