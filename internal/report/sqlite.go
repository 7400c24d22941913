package report

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run TEXT PRIMARY KEY,
		dir TEXT NOT NULL,
		database_name TEXT,
		embedding_model TEXT,
		rerank_model TEXT,
		results INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		total_score REAL NOT NULL,
		max_total REAL NOT NULL,
		avg_score REAL NOT NULL,
		percent REAL NOT NULL,
		work_tokens INTEGER NOT NULL,
		score_tokens INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS loops (
		run TEXT NOT NULL,
		loop INTEGER NOT NULL,
		results INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		total_score REAL NOT NULL,
		avg_score REAL NOT NULL,
		percent REAL NOT NULL,
		avg_work_ms REAL NOT NULL,
		PRIMARY KEY (run, loop)
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		run TEXT NOT NULL,
		id INTEGER NOT NULL,
		tag TEXT,
		question TEXT NOT NULL,
		max_score REAL NOT NULL,
		avg_score REAL NOT NULL,
		min_score REAL NOT NULL,
		best_score REAL NOT NULL,
		failed INTEGER NOT NULL,
		PRIMARY KEY (run, id)
	)`,
}

// ExportSQLite writes aggregates into a SQLite database at path. Runs that
// already exist in the database are replaced.
func ExportSQLite(ctx context.Context, path string, reps ...*RunReport) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rep := range reps {
		if err := insertRun(ctx, tx, rep); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func insertRun(ctx context.Context, tx *sql.Tx, rep *RunReport) error {
	for _, table := range []string{"questions", "loops", "runs"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run = ?`, rep.Run); err != nil {
			return fmt.Errorf("failed to replace run %s: %w", rep.Run, err)
		}
	}
	o := rep.Overall
	_, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run, dir, database_name, embedding_model, rerank_model, results, failed,
			total_score, max_total, avg_score, percent, work_tokens, score_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.Run, rep.Dir, rep.Database, rep.Embedding, rep.Rerank, o.Results, o.Failed,
		o.TotalScore, o.MaxTotal, o.AvgScore, o.Percent, o.WorkTokens.TotalTokens, o.ScoreTokens.TotalTokens)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rep.Run, err)
	}

	for _, l := range rep.Loops {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO loops (run, loop, results, failed, total_score, avg_score, percent, avg_work_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rep.Run, l.Loop, l.Results, l.Failed, l.TotalScore, l.AvgScore, l.Percent, l.AvgWorkMillis)
		if err != nil {
			return fmt.Errorf("failed to insert loop %d of %s: %w", l.Loop, rep.Run, err)
		}
	}

	for _, q := range rep.Questions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO questions (run, id, tag, question, max_score, avg_score, min_score, best_score, failed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rep.Run, q.ID, q.Tag, q.Question, q.MaxScore, q.AvgScore, q.MinScore, q.Best, q.Failed)
		if err != nil {
			return fmt.Errorf("failed to insert question %d of %s: %w", q.ID, rep.Run, err)
		}
	}
	return nil
}
