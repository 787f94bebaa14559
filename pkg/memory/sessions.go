package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/scoopge/scoop/pkg/llm"
)

const (
	// MaxSessionMessages is the sliding window kept per session. Older
	// messages are folded into the summary.
	MaxSessionMessages = 30

	// SessionTTL expires idle sessions; SummaryTTL keeps the summary
	// around longer for continuity across sessions.
	SessionTTL = 7 * 24 * time.Hour
	SummaryTTL = 30 * 24 * time.Hour
)

// Session is one persisted conversation.
type Session struct {
	SessionID string        `bson:"session_id"`
	UserID    string        `bson:"user_id"`
	History   []llm.Message `bson:"history"`
	Summary   string        `bson:"summary,omitempty"`
	CreatedAt time.Time     `bson:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

// LoadSession returns the session, or nil when it does not exist.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.Collection(collSessions).FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&sess)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// SaveSession upserts the session, pruning history to the sliding window.
// Pruned messages are folded into the summary, which gets its own longer
// TTL. Every save refreshes the session TTL.
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	now := s.now()
	history, summary := pruneHistory(sess.History, sess.Summary)
	sess.History = history
	sess.Summary = summary

	set := bson.M{
		"user_id":    sess.UserID,
		"history":    history,
		"updated_at": now,
		"expires_at": now.Add(SessionTTL),
	}
	if summary != "" {
		set["summary"] = summary
		set["summary_expires_at"] = now.Add(SummaryTTL)
	}

	_, err := s.db.Collection(collSessions).UpdateOne(ctx,
		bson.M{"session_id": sess.SessionID},
		bson.M{
			"$set":         set,
			"$setOnInsert": bson.M{"session_id": sess.SessionID, "created_at": now},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.SessionID, err)
	}
	slog.Debug("Session saved", "session_id", sess.SessionID, "messages", len(history))
	return nil
}

// LoadLatestSession returns the user's most recently updated session, or
// nil when the user has none. Used when a request arrives without a
// session id so the conversation resumes instead of restarting.
func (s *Store) LoadLatestSession(ctx context.Context, userID string) (*Session, error) {
	var sess Session
	err := s.db.Collection(collSessions).FindOne(ctx,
		bson.M{"user_id": userID},
		options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}}),
	).Decode(&sess)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest session for %s: %w", userID, err)
	}
	return &sess, nil
}

// DeleteSession removes a session. Returns whether it existed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	result, err := s.db.Collection(collSessions).DeleteOne(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return false, fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return result.DeletedCount > 0, nil
}

// pruneHistory keeps the newest MaxSessionMessages messages and folds the
// overflow into the summary.
func pruneHistory(history []llm.Message, summary string) ([]llm.Message, string) {
	if len(history) <= MaxSessionMessages {
		return history, summary
	}
	dropped := history[:len(history)-MaxSessionMessages]
	kept := history[len(history)-MaxSessionMessages:]

	folded := summarizeDropped(dropped)
	if folded != "" {
		if summary != "" {
			summary += "\n"
		}
		summary += folded
	}
	slog.Info("Pruned session history", "dropped", len(dropped), "kept", len(kept))
	return kept, summary
}

// summarizeDropped builds a plain-text digest of pruned messages. This is
// the cheap path; the context compactor produces the LLM summary when a
// conversation actually approaches the context window.
func summarizeDropped(dropped []llm.Message) string {
	var lines []string
	for _, m := range dropped {
		for _, p := range m.Parts {
			text := strings.TrimSpace(p.Text)
			if text == "" {
				continue
			}
			if runes := []rune(text); len(runes) > 120 {
				text = string(runes[:120]) + "…"
			}
			lines = append(lines, m.Role+": "+text)
		}
	}
	const maxLines = 20
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
