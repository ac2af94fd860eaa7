package repository

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// openPostgres opens the pro tier database via lib/pq.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	dsn := strings.Join([]string{
		"host=" + host,
		fmt.Sprintf("port=%d", port),
		"user=" + cfg.PostgresUser,
		"password=" + cfg.PostgresPassword,
		"dbname=" + dbname,
		"sslmode=" + sslmode,
	}, " ")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres %s:%d/%s: %w", host, port, dbname, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres %s:%d/%s: %w", host, port, dbname, err)
	}
	return db, nil
}
