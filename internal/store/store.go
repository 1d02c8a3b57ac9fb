// Package store is the persistence collaborator: a SQLite-backed
// document store. The collaboration core never calls it inside a
// broadcast path; adapters fetch before taking room locks and append
// mutations after fan-out.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/delpha/deckroom/internal/core"
	"github.com/delpha/deckroom/internal/domain"
)

// Not-found and last-slide failures reuse the core sentinels so
// callers can errors.Is against one identity on either path.
var (
	ErrNotFound  = core.ErrNotFound
	ErrLastSlide = core.ErrLastSlide
	ErrDuplicate = errors.New("already authorized")
)

type Store struct {
	db *sql.DB
}

// Open creates the database file (and parent directory) if needed and
// applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "store").Str("path", path).Msg("database ready")
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			is_public INTEGER NOT NULL DEFAULT 1,
			allow_anonymous_edit INTEGER NOT NULL DEFAULT 1,
			max_participants INTEGER NOT NULL DEFAULT 50,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS slides (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			ord INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT 'Untitled Slide',
			background_color TEXT NOT NULL DEFAULT '#ffffff'
		);`,
		`CREATE TABLE IF NOT EXISTS text_blocks (
			id TEXT NOT NULL,
			slide_id TEXT NOT NULL REFERENCES slides(id) ON DELETE CASCADE,
			document_id TEXT NOT NULL,
			x REAL NOT NULL DEFAULT 100, y REAL NOT NULL DEFAULT 100,
			width REAL NOT NULL DEFAULT 200, height REAL NOT NULL DEFAULT 50,
			content TEXT NOT NULL DEFAULT '',
			font_size INTEGER NOT NULL DEFAULT 16,
			font_weight TEXT NOT NULL DEFAULT 'normal',
			color TEXT NOT NULL DEFAULT '#000000',
			background_color TEXT NOT NULL DEFAULT 'transparent',
			text_align TEXT NOT NULL DEFAULT 'left',
			z_index INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (slide_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS authorized_users (
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			nickname TEXT NOT NULL,
			role TEXT NOT NULL,
			added_by TEXT NOT NULL,
			added_at DATETIME NOT NULL,
			PRIMARY KEY (document_id, nickname)
		);`,
		`CREATE TABLE IF NOT EXISTS mutations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id TEXT NOT NULL,
			conn_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			slide_id TEXT,
			block_id TEXT,
			payload BLOB,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_slides_document ON slides(document_id, ord);`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_document ON text_blocks(document_id);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_activity ON documents(last_activity DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_mutations_document ON mutations(document_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// CreateDocument persists a fresh document with its seeded first slide.
func (s *Store) CreateDocument(ctx context.Context, title, description, createdBy string) (*domain.Document, error) {
	doc, err := domain.NewDocument(title, createdBy)
	if err != nil {
		return nil, err
	}
	doc.Description = description

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, title, description, created_by, is_public,
			allow_anonymous_edit, max_participants, created_at, updated_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Description, doc.CreatedBy,
		doc.Settings.IsPublic, doc.Settings.AllowAnonymousEdit, doc.Settings.MaxParticipants,
		doc.CreatedAt, doc.UpdatedAt, doc.LastActivity)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	first := doc.Slides[0]
	_, err = tx.ExecContext(ctx,
		`INSERT INTO slides (id, document_id, ord, title, background_color) VALUES (?, ?, ?, ?, ?)`,
		first.ID, doc.ID, first.Order, first.Title, first.BackgroundColor)
	if err != nil {
		return nil, fmt.Errorf("insert first slide: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return doc, nil
}

// FetchDocument loads the whole document: slides in order, their text
// blocks and the authorized-user list. This is the one read the join
// path awaits before any room lock is taken.
func (s *Store) FetchDocument(ctx context.Context, id domain.DocumentID) (*domain.Document, error) {
	doc := &domain.Document{ID: id}
	row := s.db.QueryRowContext(ctx,
		`SELECT title, description, created_by, is_public, allow_anonymous_edit,
			max_participants, created_at, updated_at, last_activity
		 FROM documents WHERE id = ?`, id)
	err := row.Scan(&doc.Title, &doc.Description, &doc.CreatedBy,
		&doc.Settings.IsPublic, &doc.Settings.AllowAnonymousEdit, &doc.Settings.MaxParticipants,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}

	slides, err := s.fetchSlides(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.Slides = slides

	rows, err := s.db.QueryContext(ctx,
		`SELECT nickname, role, added_by, added_at FROM authorized_users WHERE document_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query authorized users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var au domain.AuthorizedUser
		if err := rows.Scan(&au.Nickname, &au.Role, &au.AddedBy, &au.AddedAt); err != nil {
			return nil, fmt.Errorf("scan authorized user: %w", err)
		}
		doc.AuthorizedUsers = append(doc.AuthorizedUsers, au)
	}
	return doc, rows.Err()
}

func (s *Store) fetchSlides(ctx context.Context, id domain.DocumentID) ([]domain.Slide, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ord, title, background_color FROM slides WHERE document_id = ? ORDER BY ord`, id)
	if err != nil {
		return nil, fmt.Errorf("query slides: %w", err)
	}
	defer rows.Close()

	var slides []domain.Slide
	index := make(map[domain.SlideID]int)
	for rows.Next() {
		var sl domain.Slide
		if err := rows.Scan(&sl.ID, &sl.Order, &sl.Title, &sl.BackgroundColor); err != nil {
			return nil, fmt.Errorf("scan slide: %w", err)
		}
		sl.TextBlocks = []domain.TextBlock{}
		index[sl.ID] = len(slides)
		slides = append(slides, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	brows, err := s.db.QueryContext(ctx,
		`SELECT id, slide_id, x, y, width, height, content, font_size, font_weight,
			color, background_color, text_align, z_index
		 FROM text_blocks WHERE document_id = ? ORDER BY z_index`, id)
	if err != nil {
		return nil, fmt.Errorf("query text blocks: %w", err)
	}
	defer brows.Close()
	for brows.Next() {
		var tb domain.TextBlock
		var slideID domain.SlideID
		if err := brows.Scan(&tb.ID, &slideID, &tb.X, &tb.Y, &tb.Width, &tb.Height,
			&tb.Content, &tb.FontSize, &tb.FontWeight, &tb.Color,
			&tb.BackgroundColor, &tb.TextAlign, &tb.ZIndex); err != nil {
			return nil, fmt.Errorf("scan text block: %w", err)
		}
		if i, ok := index[slideID]; ok {
			slides[i].TextBlocks = append(slides[i].TextBlocks, tb)
		}
	}
	return slides, brows.Err()
}

// DocumentSummary is the list view for the lobby, most recent first.
type DocumentSummary struct {
	ID           domain.DocumentID `json:"id"`
	Title        string            `json:"title"`
	CreatedBy    string            `json:"created_by"`
	SlideCount   int               `json:"slide_count"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}

func (s *Store) ListDocuments(ctx context.Context, limit int) ([]DocumentSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.title, d.created_by, d.created_at, d.last_activity,
			(SELECT COUNT(*) FROM slides WHERE document_id = d.id)
		 FROM documents d ORDER BY d.last_activity DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := make([]DocumentSummary, 0, limit)
	for rows.Next() {
		var ds DocumentSummary
		if err := rows.Scan(&ds.ID, &ds.Title, &ds.CreatedBy, &ds.CreatedAt, &ds.LastActivity, &ds.SlideCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDocumentMeta(ctx context.Context, id domain.DocumentID, title, description string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET title = ?, description = ?, updated_at = ?, last_activity = ? WHERE id = ?`,
		title, description, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireRow(res)
}

func (s *Store) DeleteDocument(ctx context.Context, id domain.DocumentID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(res)
}

// TouchActivity bumps last_activity; called when a document is opened.
func (s *Store) TouchActivity(ctx context.Context, id domain.DocumentID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET last_activity = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *Store) UpdateSettings(ctx context.Context, id domain.DocumentID, set domain.Settings) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET is_public = ?, allow_anonymous_edit = ?, max_participants = ?,
			updated_at = ?, last_activity = ? WHERE id = ?`,
		set.IsPublic, set.AllowAnonymousEdit, set.MaxParticipants,
		time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return requireRow(res)
}

// GrantAccess inserts an authorized-user entry. Granting to a nickname
// that already holds a grant is a duplicate, not an upsert; revoke first.
func (s *Store) GrantAccess(ctx context.Context, id domain.DocumentID, au domain.AuthorizedUser) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authorized_users (document_id, nickname, role, added_by, added_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, au.Nickname, au.Role, au.AddedBy, au.AddedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("grant access: %w", err)
	}
	return nil
}

func (s *Store) RevokeAccess(ctx context.Context, id domain.DocumentID, nickname string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM authorized_users WHERE document_id = ? AND nickname = ?`, id, nickname)
	if err != nil {
		return fmt.Errorf("revoke access: %w", err)
	}
	return requireRow(res)
}

// AddSlide appends a slide at the dense tail position.
func (s *Store) AddSlide(ctx context.Context, id domain.DocumentID, title string) (domain.Slide, error) {
	return s.addSlide(ctx, id, "", title)
}

// slideID may be provided by a client that already rendered the slide
// locally; an empty id gets a fresh one.
func (s *Store) addSlide(ctx context.Context, id domain.DocumentID, slideID domain.SlideID, title string) (domain.Slide, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Slide{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM slides WHERE document_id = ?`, id).Scan(&count); err != nil {
		return domain.Slide{}, fmt.Errorf("count slides: %w", err)
	}
	sl := domain.NewSlide(count)
	if slideID != "" {
		sl.ID = slideID
	}
	if title != "" {
		sl.Title = title
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO slides (id, document_id, ord, title, background_color) VALUES (?, ?, ?, ?, ?)`,
		sl.ID, id, sl.Order, sl.Title, sl.BackgroundColor); err != nil {
		return domain.Slide{}, fmt.Errorf("insert slide: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET updated_at = ?, last_activity = ? WHERE id = ?`,
		time.Now().UTC(), time.Now().UTC(), id); err != nil {
		return domain.Slide{}, fmt.Errorf("touch document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Slide{}, fmt.Errorf("commit: %w", err)
	}
	return sl, nil
}

// DeleteSlide removes a slide and closes the order gap so slide order
// stays dense 0..n-1. A document always keeps at least one slide.
func (s *Store) DeleteSlide(ctx context.Context, id domain.DocumentID, slideID domain.SlideID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM slides WHERE document_id = ?`, id).Scan(&count); err != nil {
		return fmt.Errorf("count slides: %w", err)
	}
	if count <= 1 {
		return ErrLastSlide
	}
	var ord int
	err = tx.QueryRowContext(ctx,
		`SELECT ord FROM slides WHERE id = ? AND document_id = ?`, slideID, id).Scan(&ord)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find slide: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM slides WHERE id = ?`, slideID); err != nil {
		return fmt.Errorf("delete slide: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE slides SET ord = ord - 1 WHERE document_id = ? AND ord > ?`, id, ord); err != nil {
		return fmt.Errorf("resequence slides: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET updated_at = ?, last_activity = ? WHERE id = ?`,
		time.Now().UTC(), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("touch document: %w", err)
	}
	return tx.Commit()
}

func (s *Store) UpsertTextBlock(ctx context.Context, id domain.DocumentID, slideID domain.SlideID, tb domain.TextBlock) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO text_blocks (id, slide_id, document_id, x, y, width, height, content,
			font_size, font_weight, color, background_color, text_align, z_index)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (slide_id, id) DO UPDATE SET
			x = excluded.x, y = excluded.y, width = excluded.width, height = excluded.height,
			content = excluded.content, font_size = excluded.font_size,
			font_weight = excluded.font_weight, color = excluded.color,
			background_color = excluded.background_color, text_align = excluded.text_align,
			z_index = excluded.z_index`,
		tb.ID, slideID, id, tb.X, tb.Y, tb.Width, tb.Height, tb.Content,
		tb.FontSize, tb.FontWeight, tb.Color, tb.BackgroundColor, tb.TextAlign, tb.ZIndex)
	if err != nil {
		return fmt.Errorf("upsert text block: %w", err)
	}
	return nil
}

func (s *Store) DeleteTextBlock(ctx context.Context, slideID domain.SlideID, blockID domain.BlockID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM text_blocks WHERE slide_id = ? AND id = ?`, slideID, blockID)
	if err != nil {
		return fmt.Errorf("delete text block: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// Matching on the message keeps the store free of a driver type
	// dependency; mattn/go-sqlite3 always includes this prefix.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
