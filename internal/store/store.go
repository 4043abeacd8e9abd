package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"voice-expense/internal/faults"
	"voice-expense/internal/models"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound 任務不存在，或存在但不屬於查詢者（兩者對外不做區分）。
var ErrNotFound = errors.New("task not found")

// ErrConflict 狀態轉換被拒絕：任務已離開 processing 狀態。
// 終態更新帶有 WHERE status = 'processing' 的 Atomic Check，
// 這保證狀態單調（processing → completed/failed）且終態恰好寫入一次。
var ErrConflict = errors.New("task state transition rejected")

// Connect 建立 PostgreSQL 連線，透過 docker bridge network 連接。
func Connect() (*sql.DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
	)
	return sql.Open("postgres", connStr)
}

// Migrate 執行內嵌的 SQL migrations（冪等，啟動順序不受限制）。
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Store 任務記錄的持久層。
// 寫入者只有 Pipeline（Complete / Fail），其餘元件皆為讀取者，
// 因此不存在 write-write race；讀取者在觀察到終態後必須視記錄為不可變。
type Store struct {
	db *sql.DB
}

// New 建立 Store 實例。
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create 寫入初始 processing 記錄。任務的唯一建立入口是上傳成功。
func (s *Store) Create(ctx context.Context, t *models.TranscriptionTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcription_tasks (id, group_id, user_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.GroupID, t.UserID, t.Status, t.CreatedAt,
	)
	return err
}

// Get 讀取任務記錄，同時檢查 ownership：
// 不存在與不屬於查詢者一律回傳 ErrNotFound，避免洩漏他人任務的存在。
func (s *Store) Get(ctx context.Context, id, userID string) (*models.TranscriptionTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, user_id, status, transcription_text,
		       result_data, confidence, error_code, error_message,
		       created_at, completed_at
		FROM transcription_tasks
		WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	return scanTask(row)
}

// Complete 原子更新 processing → completed，同時寫入轉錄文字、草稿與信心分數。
// 單一 UPDATE 語句保證讀取者永遠不會觀察到 status = completed 而結果欄位為空。
func (s *Store) Complete(ctx context.Context, id, text string, result json.RawMessage, confidence float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcription_tasks
		SET status = 'completed', transcription_text = $1, result_data = $2,
		    confidence = $3, completed_at = NOW()
		WHERE id = $4 AND status = 'processing'`,
		text, []byte(result), confidence, id,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// Fail 原子更新 processing → failed，同時寫入錯誤分類碼與訊息。
func (s *Store) Fail(ctx context.Context, id string, code faults.Code, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcription_tasks
		SET status = 'failed', error_code = $1, error_message = $2, completed_at = NOW()
		WHERE id = $3 AND status = 'processing'`,
		string(code), msg, id,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// checkAffected 無更新代表狀態衝突（任務已在終態），寫入者應放棄後續操作。
func checkAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

// scanTask 將單列查詢結果掃描為 TranscriptionTask，處理 NULL 欄位。
func scanTask(row *sql.Row) (*models.TranscriptionTask, error) {
	var t models.TranscriptionTask
	var resultData []byte
	var confidence sql.NullFloat64
	var completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.GroupID, &t.UserID, &t.Status, &t.TranscriptionText,
		&resultData, &confidence, &t.ErrorCode, &t.ErrorMessage,
		&t.CreatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if resultData != nil {
		t.ResultData = json.RawMessage(resultData)
	}
	if confidence.Valid {
		t.Confidence = &confidence.Float64
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}
