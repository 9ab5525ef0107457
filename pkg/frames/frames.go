// Package frames persists chat memory frames: compact summaries of past
// conversations that the orchestrator can pull back into context. Frames live
// on a branch so alternate planning threads stay separate.
package frames

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Guffawaffle/majel/pkg/database"
)

const DefaultBranch = "main"

// Frame is one persisted memory summary.
type Frame struct {
	ID        string    `json:"id"`
	Branch    string    `json:"branch"`
	Summary   string    `json:"summary"`
	Keywords  []string  `json:"keywords"`
	CreatedAt time.Time `json:"createdAt"`
}

var ErrNotFound = errors.New("frames: not found")

// Store persists frames under the row policy.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create saves one frame.
func (s *Store) Create(ctx context.Context, userID string, f *Frame) (*Frame, error) {
	if f.Summary == "" {
		return nil, fmt.Errorf("frames: summary required")
	}
	if f.Branch == "" {
		f.Branch = DefaultBranch
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = time.Now().UTC()

	keywords := f.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	kw, err := json.Marshal(keywords)
	if err != nil {
		return nil, err
	}

	err = s.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_frames (user_id, id, branch, summary, keywords, created_at)
			VALUES (current_setting('app.current_user_id'), $1, $2, $3, $4::jsonb, $5)`,
			f.ID, f.Branch, f.Summary, string(kw), f.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("frames: create: %w", err)
	}
	return f, nil
}

// Get loads one frame.
func (s *Store) Get(ctx context.Context, userID, id string) (*Frame, error) {
	var frame *Frame
	err := s.db.WithUserRead(ctx, userID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, branch, summary, keywords, created_at
			FROM chat_frames WHERE id = $1`, id)
		f, err := scanFrame(row)
		if err != nil {
			return err
		}
		frame = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// List returns the newest frames on a branch.
func (s *Store) List(ctx context.Context, userID, branch string, limit int) ([]*Frame, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var out []*Frame
	err := s.db.WithUserRead(ctx, userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, branch, summary, keywords, created_at
			FROM chat_frames
			WHERE branch = $1
			ORDER BY created_at DESC
			LIMIT $2`, branch, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			f, err := scanFrame(rows)
			if err != nil {
				return err
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("frames: list: %w", err)
	}
	return out, nil
}

// Search returns frames whose keywords overlap the query terms, newest first.
// Matching happens in Go; frame volumes per user are small.
func (s *Store) Search(ctx context.Context, userID, branch string, terms []string) ([]*Frame, error) {
	frames, err := s.List(ctx, userID, branch, 100)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return frames, nil
	}

	want := map[string]bool{}
	for _, t := range terms {
		want[strings.ToLower(strings.TrimSpace(t))] = true
	}

	var out []*Frame
	for _, f := range frames {
		for _, kw := range f.Keywords {
			if want[strings.ToLower(kw)] {
				out = append(out, f)
				break
			}
		}
	}
	return out, nil
}

// Delete removes one frame.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	return s.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_frames WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFrame(row rowScanner) (*Frame, error) {
	var f Frame
	var keywords []byte
	err := row.Scan(&f.ID, &f.Branch, &f.Summary, &keywords, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keywords, &f.Keywords); err != nil {
		return nil, fmt.Errorf("frames: decode keywords: %w", err)
	}
	return &f, nil
}
