// Package directory implements the directory/rendezvous sub-protocol
// named in spec §7: an appl catalog with generation-counter diffing
// (DIRLIST/DIRSTATE), dynamic-resource mediation (DIRDISCOVER/DIROPEN/
// DIROPENED), and optional SQLite-backed catalog persistence so a
// directory role survives restarts.
//
// Grounded on internal/rendezvous/peerdb.go's SQLite-backed registry
// (WAL pragmas, upsert-on-conflict) for the persistence layer, and
// internal/storage/db.go for the sql.Open/migrate idiom, narrowed from
// "peer presence rows" to "appl catalog entries with a generation
// counter".
package directory

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/arlojansen/vmux/internal/callback"
	"github.com/arlojansen/vmux/internal/protocol"
)

// Entry is one catalog row: an appl the directory offers, carried on the
// wire as a protocol.DirEntry, plus the generation counter clients use to
// detect changes without re-fetching the whole catalog.
type Entry struct {
	protocol.DirEntry
	Generation uint16
}

// Catalog is the in-memory appl table a directory-role connection serves,
// optionally mirrored to SQLite for persistence across restarts.
type Catalog struct {
	mu      sync.Mutex
	entries map[uint16]*Entry
	db      *sql.DB
}

// NewCatalog builds an empty in-memory catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[uint16]*Entry)}
}

// OpenPersistentCatalog opens (or creates) a SQLite-backed catalog at
// path, loading any previously-stored entries.
func OpenPersistentCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("directory: open catalog db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("directory: pragma %q: %w", pragma, err)
		}
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS appl_entries (
		id          INTEGER PRIMARY KEY,
		generation  INTEGER NOT NULL DEFAULT 0,
		categories  INTEGER NOT NULL DEFAULT 0,
		permissions INTEGER NOT NULL DEFAULT 0,
		size        INTEGER NOT NULL DEFAULT 0,
		name        TEXT NOT NULL DEFAULT '',
		short_desc  TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: migrate catalog db: %w", err)
	}

	c := &Catalog{entries: make(map[uint16]*Entry), db: db}
	rows, err := db.Query(`SELECT id, generation, categories, permissions, size, name, short_desc FROM appl_entries`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: load catalog: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Generation, &e.Categories, &e.Permissions, &e.Size, &e.Name, &e.ShortDesc); err != nil {
			db.Close()
			return nil, fmt.Errorf("directory: scan catalog row: %w", err)
		}
		e2 := e
		c.entries[e.ID] = &e2
	}
	return c, nil
}

// Close releases the backing database, if any.
func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Put inserts or updates an entry, bumping its generation counter so
// DIRSTATE diffing observes the change.
func (c *Catalog) Put(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[e.ID]; ok {
		e.Generation = existing.Generation + 1
	} else {
		e.Generation = 1
	}
	stored := e
	c.entries[e.ID] = &stored
	if c.db != nil {
		_, err := c.db.Exec(`INSERT INTO appl_entries (id, generation, categories, permissions, size, name, short_desc)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				generation=excluded.generation,
				categories=excluded.categories,
				permissions=excluded.permissions,
				size=excluded.size,
				name=excluded.name,
				short_desc=excluded.short_desc`,
			e.ID, e.Generation, e.Categories, e.Permissions, e.Size, e.Name, e.ShortDesc)
		_ = err // persistence is best-effort; the in-memory copy stays authoritative
	}
}

// Remove deletes an entry from the catalog.
func (c *Catalog) Remove(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	if c.db != nil {
		_, _ = c.db.Exec(`DELETE FROM appl_entries WHERE id = ?`, id)
	}
}

// Snapshot returns every entry, for a full DIRLIST response.
func (c *Catalog) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

// Diff returns only the entries whose generation counter exceeds the
// client-supplied known generations, for a DIRSTATE incremental update.
// known maps index -> last-known generation; an index absent from known
// is treated as never seen (always included if present in the catalog).
func (c *Catalog) Diff(known map[uint16]uint16) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for idx, e := range c.entries {
		if g, ok := known[idx]; !ok || e.Generation > g {
			out = append(out, *e)
		}
	}
	return out
}

// Mediator resolves DIROPEN requests into DIROPENED replies, delegating
// to the embedding application's DirectoryOpener (spec §6/§7).
type Mediator struct {
	Opener callback.DirectoryOpener
}

// HandleOpen processes one DIROPEN request.
func (m *Mediator) HandleOpen(req protocol.DirOpen) (protocol.DirOpened, error) {
	if m.Opener == nil {
		return protocol.DirOpened{}, fmt.Errorf("directory: no DirectoryOpener installed")
	}
	res, err := m.Opener.Open(req.TargetPubKey, req.Mode)
	if err != nil {
		return protocol.DirOpened{}, fmt.Errorf("directory: open mediation failed: %w", err)
	}
	reply := protocol.DirOpened{
		PubKey: req.TargetPubKey,
		Port:   res.Port,
		Proto:  res.Proto,
	}
	if !res.OK {
		reply.Proto = 0 // proto=0 signals rejection on the wire (spec §7)
		return reply, nil
	}
	copy(reply.AuthK[:], res.AuthK[:])
	reply.Host = res.Host
	return reply, nil
}

// IsTunnelMode reports whether a DIROPEN requested the relay-tunnel
// fallback instead of a direct connection (spec §7's "optional tunnel
// relay" path, used when NAT traversal between the two parties fails).
func IsTunnelMode(req protocol.DirOpen) bool {
	return req.Mode == protocol.DirOpenModeTunnel
}
