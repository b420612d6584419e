package db

import "github.com/jmoiron/sqlx"

// Pool pairs the single write connection with the read-only pool. Callers
// route mutations through Writer and SELECT traffic through Reader; WAL
// snapshots keep the two from blocking each other.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// OpenPool opens both roles for the database at dbPath. The in-memory path
// (":memory:") shares one connection between them.
func OpenPool(dbPath string) (*Pool, error) {
	if isMemoryPath(dbPath) {
		conn, err := openMemory()
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, "sqlite3")
		return &Pool{writer: shared, reader: shared}, nil
	}

	path, err := absPath(dbPath)
	if err != nil {
		return nil, err
	}
	writerConn, err := openWriter(path)
	if err != nil {
		return nil, err
	}
	writer := sqlx.NewDb(writerConn, "sqlite3")

	readerConn, err := openReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{writer: writer, reader: sqlx.NewDb(readerConn, "sqlite3")}, nil
}

// Writer returns the connection for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both roles, tolerating the shared in-memory case.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
