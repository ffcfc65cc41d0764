// Package dbpool manages a bounded set of MySQL connections handed out to
// the auth package, mirroring the original connection pool's fixed-size
// queue-plus-semaphore design: a buffered channel of *sql.DB handles plays
// the role of both the queue and the counting semaphore, since a receive on
// an empty channel already blocks the way sem_wait does.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// Config describes how to reach the MySQL instance backing the pool.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	PoolSize int
}

// Pool is a fixed-size set of *sql.DB handles, each individually capped to
// a single open connection so that checking a handle out of the pool really
// does correspond to one live MYSQL* the way the original pool intended.
type Pool struct {
	conns chan *sql.DB
	size  int
}

// Open dials cfg.PoolSize independent connections and returns a Pool
// fronting them. Each handle's own pool is capped to one connection, so the
// total number of live connections never exceeds cfg.PoolSize.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	p := &Pool{conns: make(chan *sql.DB, cfg.PoolSize), size: cfg.PoolSize}
	for i := 0; i < cfg.PoolSize; i++ {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			p.ClosePool()
			return nil, fmt.Errorf("dbpool: open connection %d/%d: %w", i+1, cfg.PoolSize, err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			p.ClosePool()
			return nil, fmt.Errorf("dbpool: ping connection %d/%d: %w", i+1, cfg.PoolSize, err)
		}
		p.conns <- db
	}
	return p, nil
}

// GetConn checks a handle out of the pool, blocking until one is free or
// ctx is done.
func (p *Pool) GetConn(ctx context.Context) (*sql.DB, error) {
	select {
	case db := <-p.conns:
		return db, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FreeConn returns a handle obtained from GetConn back to the pool.
func (p *Pool) FreeConn(db *sql.DB) {
	p.conns <- db
}

// FreeCount reports how many handles are currently checked in.
func (p *Pool) FreeCount() int {
	return len(p.conns)
}

// Size reports the pool's fixed capacity.
func (p *Pool) Size() int {
	return p.size
}

// ClosePool drains and closes every handle currently checked in. Handles
// still checked out by in-flight queries are not waited on; callers should
// stop issuing new work before calling ClosePool during shutdown.
func (p *Pool) ClosePool() error {
	var firstErr error
	for {
		select {
		case db := <-p.conns:
			if err := db.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
}
