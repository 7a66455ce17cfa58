package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiProduction/internal/config"
)

// migration is one SQL file on disk
type migration struct {
	filename string
	content  []byte
	checksum string
}

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	logger.Info("zaiProduction マイグレーション実行ツール",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
	)

	// データベース接続
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer db.Close()

	// マイグレーションディレクトリの確認
	migrationDir := "migrations"
	if len(os.Args) > 1 {
		migrationDir = os.Args[1]
	}

	migrations, err := loadMigrations(migrationDir)
	if err != nil {
		logger.Fatal("マイグレーションファイルの読み込みに失敗しました", zap.Error(err))
	}

	// マイグレーション履歴テーブルの作成
	if err := createMigrationTable(db); err != nil {
		logger.Fatal("マイグレーション履歴テーブル作成に失敗しました", zap.Error(err))
	}

	executed, err := getExecutedMigrations(db)
	if err != nil {
		logger.Fatal("実行済みマイグレーション取得に失敗しました", zap.Error(err))
	}

	// 適用済みファイルの変更を検出
	for _, name := range changedMigrations(migrations, executed) {
		logger.Warn("適用済みマイグレーションの内容が変更されています", zap.String("filename", name))
	}

	// マイグレーション実行
	for _, m := range pendingMigrations(migrations, executed) {
		logger.Info("実行中", zap.String("filename", m.filename))
		if err := applyMigration(db, m); err != nil {
			logger.Fatal("マイグレーション実行に失敗しました", zap.String("filename", m.filename), zap.Error(err))
		}
		logger.Info("完了", zap.String("filename", m.filename), zap.String("checksum", m.checksum))
	}

	logger.Info("すべてのマイグレーションが完了しました")
}

// loadMigrations reads every *.sql file in dir, sorted by name
// ディレクトリ内の.sqlファイルを名前順に読み込み
func loadMigrations(dir string) ([]migration, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("マイグレーションディレクトリが見つかりません: %s", dir)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイル検索エラー: %w", err)
	}
	sort.Strings(files)

	migrations := make([]migration, 0, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("ファイル読み込みエラー %s: %w", filepath.Base(file), err)
		}
		migrations = append(migrations, migration{
			filename: filepath.Base(file),
			content:  content,
			checksum: calculateChecksum(content),
		})
	}
	return migrations, nil
}

// createMigrationTable マイグレーション履歴テーブルを作成
func createMigrationTable(db *sqlx.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			executed_at TIMESTAMP NOT NULL DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("マイグレーション履歴テーブル作成エラー: %w", err)
	}
	return nil
}

// appliedMigration is a row of schema_migrations
type appliedMigration struct {
	Filename string `db:"filename"`
	Checksum string `db:"checksum"`
}

// getExecutedMigrations 実行済みマイグレーションを取得（ファイル名→チェックサム）
func getExecutedMigrations(db *sqlx.DB) (map[string]string, error) {
	var rows []appliedMigration
	if err := db.Select(&rows, "SELECT filename, checksum FROM schema_migrations"); err != nil {
		return nil, err
	}

	executed := make(map[string]string, len(rows))
	for _, row := range rows {
		executed[row.Filename] = row.Checksum
	}
	return executed, nil
}

// pendingMigrations returns the migrations not yet recorded, in order
// 未適用のマイグレーションを順に返す
func pendingMigrations(migrations []migration, executed map[string]string) []migration {
	var pending []migration
	for _, m := range migrations {
		if _, ok := executed[m.filename]; !ok {
			pending = append(pending, m)
		}
	}
	return pending
}

// changedMigrations returns applied files whose content no longer matches the recorded checksum
// 記録済みチェックサムと内容が異なる適用済みファイルを返す
func changedMigrations(migrations []migration, executed map[string]string) []string {
	var changed []string
	for _, m := range migrations {
		if sum, ok := executed[m.filename]; ok && sum != m.checksum {
			changed = append(changed, m.filename)
		}
	}
	return changed
}

// applyMigration runs one file and records it in the same transaction
// 1ファイルを実行し同一トランザクションで履歴に記録
func applyMigration(db *sqlx.DB, m migration) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("トランザクション開始エラー %s: %w", m.filename, err)
	}

	if _, err := tx.Exec(string(m.content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("マイグレーション実行エラー %s: %w", m.filename, err)
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)",
		m.filename, m.checksum,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("マイグレーション履歴記録エラー %s: %w", m.filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションコミットエラー %s: %w", m.filename, err)
	}
	return nil
}

// calculateChecksum ファイル内容のSHA256チェックサムを計算
func calculateChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
