package memory

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/samsaffron/nohup/internal/embedding"
	_ "modernc.org/sqlite"
)

// Config controls memory store initialization.
type Config struct {
	Path string // DB path (supports :memory:)
}

// Fact is one stored memory.
type Fact struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Score     float64   `json:"score,omitempty"`
}

// AddResult reports what Add did.
type AddResult struct {
	Stored    int
	Updated   int
	Timestamp time.Time
}

// Store persists facts with full-text and optional vector search.
type Store struct {
	db       *sql.DB
	embedder embedding.EmbeddingProvider
	logger   *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS memory_facts (
    id         TEXT PRIMARY KEY,
    content    TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_content ON memory_facts(lower(trim(content)));

CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
    id UNINDEXED,
    content,
    content='memory_facts',
    content_rowid='rowid',
    tokenize='unicode61'
);

CREATE TABLE IF NOT EXISTS memory_embeddings (
    fact_id     TEXT NOT NULL REFERENCES memory_facts(id) ON DELETE CASCADE,
    provider    TEXT NOT NULL,
    model       TEXT NOT NULL,
    dimensions  INTEGER NOT NULL,
    vector      BLOB NOT NULL,
    embedded_at DATETIME NOT NULL,
    PRIMARY KEY (fact_id, provider, model)
);
`

// NewStore opens the memory database and initializes schema.
func NewStore(cfg Config) (*Store, error) {
	dbPath := strings.TrimSpace(cfg.Path)
	if dbPath == "" {
		return nil, fmt.Errorf("memory db path is empty")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create memory data directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize memory schema: %w", err)
	}

	return &Store{db: db, logger: slog.Default()}, nil
}

// SetEmbedder enables vector search. Facts stored before the embedder was
// set are only reachable through full-text search.
func (s *Store) SetEmbedder(p embedding.EmbeddingProvider) {
	s.embedder = p
}

// SetLogger overrides the logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Add stores facts under one timestamp. An existing fact with the same text
// (ignoring case and surrounding space) is replaced and counted as updated.
func (s *Store) Add(ctx context.Context, facts []string) (AddResult, error) {
	res := AddResult{Timestamp: time.Now()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var added []Fact
	for _, content := range facts {
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}

		replaced, err := deleteMatchingTx(ctx, tx, content)
		if err != nil {
			return res, err
		}
		if replaced {
			res.Updated++
		}

		f := Fact{ID: newID(), Content: content, CreatedAt: res.Timestamp}
		result, err := tx.ExecContext(ctx,
			`INSERT INTO memory_facts (id, content, created_at) VALUES (?, ?, ?)`,
			f.ID, f.Content, f.CreatedAt)
		if err != nil {
			return res, fmt.Errorf("insert fact: %w", err)
		}
		rowID, err := result.LastInsertId()
		if err != nil {
			return res, fmt.Errorf("get fact rowid: %w", err)
		}
		if err := syncFTSInsert(ctx, tx, rowID, &f); err != nil {
			return res, fmt.Errorf("sync fts insert: %w", err)
		}
		added = append(added, f)
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit facts: %w", err)
	}
	res.Stored = len(added)

	if s.embedder != nil && len(added) > 0 {
		if err := s.embedFacts(ctx, added); err != nil {
			s.logger.Warn("memory embedding failed; facts remain searchable by text", "error", err)
		}
	}
	return res, nil
}

func (s *Store) embedFacts(ctx context.Context, facts []Fact) error {
	texts := make([]string, len(facts))
	for i, f := range facts {
		texts[i] = f.Content
	}
	res, err := s.embedder.Embed(ctx, embedding.EmbedRequest{
		Texts:    texts,
		TaskType: embedding.TaskDocument,
	})
	if err != nil {
		return err
	}
	model := s.embeddingModel(res)
	for _, emb := range res.Embeddings {
		if emb.Index < 0 || emb.Index >= len(facts) {
			continue
		}
		if err := s.UpsertEmbedding(ctx, facts[emb.Index].ID, s.embedder.Name(), model, emb.Vector); err != nil {
			return err
		}
	}
	return nil
}

// embeddingModel keys stored vectors by the model that produced them, so
// query and document vectors always come from the same space.
func (s *Store) embeddingModel(res *embedding.EmbeddingResult) string {
	if res != nil && res.Model != "" {
		return modelKey(res.Model)
	}
	return modelKey(s.embedder.DefaultModel())
}

// modelKey drops the "models/" prefix some APIs echo back.
func modelKey(model string) string {
	return strings.TrimPrefix(model, "models/")
}

// Search returns up to limit facts relevant to query, best first. With an
// embedder it ranks by cosine similarity; otherwise, or when vector search
// yields nothing, by BM25.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 3
	}
	if s.embedder != nil {
		facts, err := s.searchVector(ctx, query, limit)
		if err != nil {
			s.logger.Warn("vector memory search failed, falling back to BM25", "error", err)
		} else if len(facts) > 0 {
			return facts, nil
		}
	}
	return s.SearchBM25(ctx, query, limit)
}

func (s *Store) searchVector(ctx context.Context, query string, limit int) ([]Fact, error) {
	res, err := s.embedder.Embed(ctx, embedding.EmbedRequest{
		Texts:    []string{query},
		TaskType: embedding.TaskQuery,
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(res.Embeddings) == 0 || len(res.Embeddings[0].Vector) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}
	return s.VectorSearch(ctx, s.embedder.Name(), s.embeddingModel(res), res.Embeddings[0].Vector, limit)
}

// SearchBM25 runs a full-text query. Words in query are OR-ed so partial
// matches still rank.
func (s *Store) SearchBM25(ctx context.Context, query string, limit int) ([]Fact, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT mf.id, mf.content, mf.created_at, bm25(memory_fts) AS score
		FROM memory_fts
		JOIN memory_facts mf ON mf.rowid = memory_fts.rowid
		WHERE memory_fts MATCH ?
		ORDER BY bm25(memory_fts)
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		var rawScore float64
		if err := rows.Scan(&f.ID, &f.Content, &f.CreatedAt, &rawScore); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		// SQLite FTS5 bm25() returns negative values (more negative = more relevant).
		f.Score = -rawScore
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertEmbedding inserts or updates an embedding vector for a fact.
func (s *Store) UpsertEmbedding(ctx context.Context, factID, provider, model string, vec []float64) error {
	if factID == "" || provider == "" || model == "" {
		return fmt.Errorf("fact_id, provider, and model are required")
	}
	if len(vec) == 0 {
		return fmt.Errorf("vector cannot be empty")
	}

	payload, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode embedding vector: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_embeddings(fact_id, provider, model, dimensions, vector, embedded_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(fact_id, provider, model) DO UPDATE SET
			dimensions = excluded.dimensions,
			vector = excluded.vector,
			embedded_at = excluded.embedded_at`,
		factID, provider, model, len(vec), payload, time.Now())
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// VectorSearch performs a full cosine similarity scan over embeddings.
func (s *Store) VectorSearch(ctx context.Context, provider, model string, queryVec []float64, limit int) ([]Fact, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("query vector cannot be empty")
	}
	if limit <= 0 {
		limit = 3
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.content, f.created_at, e.vector
		FROM memory_embeddings e
		JOIN memory_facts f ON f.id = e.fact_id
		WHERE e.provider = ? AND e.model = ? AND e.dimensions = ?`,
		provider, model, len(queryVec))
	if err != nil {
		return nil, fmt.Errorf("vector search query: %w", err)
	}
	defer rows.Close()

	var matches []Fact
	for rows.Next() {
		var f Fact
		var payload []byte
		if err := rows.Scan(&f.ID, &f.Content, &f.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan vector search row: %w", err)
		}
		var vec []float64
		if err := json.Unmarshal(payload, &vec); err != nil {
			return nil, fmt.Errorf("decode stored vector for fact %s: %w", f.ID, err)
		}
		f.Score = embedding.CosineSimilarity(queryVec, vec)
		matches = append(matches, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Count returns the number of stored facts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_facts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count facts: %w", err)
	}
	return n, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// deleteMatchingTx removes facts whose text equals content case-insensitively.
func deleteMatchingTx(ctx context.Context, tx *sql.Tx, content string) (bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT rowid, id, content, created_at FROM memory_facts
		WHERE lower(trim(content)) = lower(?)`, content)
	if err != nil {
		return false, fmt.Errorf("find matching fact: %w", err)
	}

	type match struct {
		rowID int64
		fact  Fact
	}
	var found []match
	for rows.Next() {
		var m match
		if err := rows.Scan(&m.rowID, &m.fact.ID, &m.fact.Content, &m.fact.CreatedAt); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan matching fact: %w", err)
		}
		found = append(found, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	for _, m := range found {
		if err := syncFTSDelete(ctx, tx, m.rowID, &m.fact); err != nil {
			return false, fmt.Errorf("sync fts delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_facts WHERE rowid = ?`, m.rowID); err != nil {
			return false, fmt.Errorf("delete fact: %w", err)
		}
	}
	return len(found) > 0, nil
}

func syncFTSInsert(ctx context.Context, tx *sql.Tx, rowID int64, f *Fact) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO memory_fts(rowid, id, content) VALUES(?, ?, ?)`,
		rowID, f.ID, f.Content)
	return err
}

func syncFTSDelete(ctx context.Context, tx *sql.Tx, rowID int64, f *Fact) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO memory_fts(memory_fts, rowid, id, content) VALUES('delete', ?, ?, ?)`,
		rowID, f.ID, f.Content)
	return err
}

// ftsQuery turns free text into an FTS5 expression of quoted terms.
func ftsQuery(text string) string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, `"`+strings.ToLower(w)+`"`)
	}
	return strings.Join(terms, " OR ")
}

func newID() string {
	now := time.Now().Format("20060102-150405")
	randBytes := make([]byte, 3)
	_, _ = rand.Read(randBytes)
	return fmt.Sprintf("mem-%s-%s", now, hex.EncodeToString(randBytes))
}
