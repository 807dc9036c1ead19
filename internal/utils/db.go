package utils

import (
	"database/sql"
	"net/url"

	_ "github.com/lib/pq"
)

// PGParams：PostgreSQL 连接参数
type PGParams struct {
	Host     string
	Port     string
	User     string
	Password string
	DB       string
	SSLMode  string
	MaxOpen  int
	MaxIdle  int
}

// BuildPostgresDSN：拼接 URL 形式 DSN，密码做转义
func BuildPostgresDSN(p PGParams) string {
	u := url.URL{Scheme: "postgres", Host: p.Host + ":" + p.Port, Path: "/" + p.DB}
	if p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	} else {
		u.User = url.User(p.User)
	}
	q := url.Values{}
	q.Set("sslmode", p.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// OpenPostgres：打开连接池；sql.Open 不建立连接，可用性由调用方 Ping 判定
func OpenPostgres(p PGParams) (*sql.DB, error) {
	db, err := sql.Open("postgres", BuildPostgresDSN(p))
	if err != nil {
		return nil, err
	}
	maxOpen, maxIdle := p.MaxOpen, p.MaxIdle
	if maxOpen <= 0 {
		maxOpen = 20
	}
	if maxIdle <= 0 {
		maxIdle = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return db, nil
}
