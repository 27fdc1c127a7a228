package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
)

// SQLiteRetriever scores every article of the requested account. Knowledge
// bases here are small (hundreds of rows), so ranking happens in Go.
type SQLiteRetriever struct {
	db               *sql.DB
	defaultAccountID string
}

var _ contractx.Retriever = (*SQLiteRetriever)(nil)

func NewSQLiteRetriever(ctx context.Context, db *sql.DB, defaultAccountID string) (*SQLiteRetriever, error) {
	if db == nil {
		return nil, fmt.Errorf("retrieval: nil database")
	}
	r := &SQLiteRetriever{db: db, defaultAccountID: strings.TrimSpace(defaultAccountID)}
	if _, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS knowledge_articles (
		article_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_account ON knowledge_articles(account_id);
	`); err != nil {
		return nil, fmt.Errorf("create knowledge schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteRetriever) Upsert(ctx context.Context, a Article) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO knowledge_articles (article_id, account_id, title, content, tags)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(article_id) DO UPDATE SET
		account_id = excluded.account_id,
		title = excluded.title,
		content = excluded.content,
		tags = excluded.tags`, a.ArticleID, a.AccountID, a.Title, a.Content, a.Tags)
	if err != nil {
		return fmt.Errorf("upsert article %s: %w", a.ArticleID, err)
	}
	return nil
}

func (r *SQLiteRetriever) Search(ctx context.Context, q contractx.RetrievalQuery) ([]contractx.RetrievalHit, error) {
	account := strings.TrimSpace(q.AccountID)
	if account == "" {
		account = r.defaultAccountID
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT article_id, account_id, title, content, tags
		FROM knowledge_articles WHERE account_id = ?`, account)
	if err != nil {
		return nil, fmt.Errorf("query knowledge articles: %w", err)
	}
	defer rows.Close()

	articles := make([]Article, 0)
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ArticleID, &a.AccountID, &a.Title, &a.Content, &a.Tags); err != nil {
			return nil, fmt.Errorf("scan knowledge article: %w", err)
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge articles: %w", err)
	}
	return rank(q.Text, articles, q.Limit), nil
}
