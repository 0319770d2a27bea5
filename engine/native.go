package engine

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"modernc.org/libc"
	"modernc.org/libc/sys/types"
	sqlite3 "modernc.org/sqlite/lib"
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// Native opens connections through the pure Go build of the SQLite C library.
var Native Opener = nativeOpener{}

type nativeOpener struct{}

func (nativeOpener) Open(filename string, flags OpenFlags, vfs string) (DB, error) {
	c := &nativeDB{tls: libc.NewTLS()}
	db, err := c.openV2(filename, vfs, int32(flags))
	if err != nil {
		c.tls.Close()
		return nil, err
	}
	c.db = db
	return c, nil
}

// nativeDB owns a *sqlite3 pointer and the TLS it is driven with. Every call
// that touches the TLS holds mu. After Close the TLS stays alive until the
// last outstanding statement is finalized.
type nativeDB struct {
	mu     sync.Mutex
	tls    *libc.TLS
	db     uintptr
	live   int
	closed bool

	// closeMu guards db against a concurrent Interrupt, which does not take mu.
	closeMu sync.Mutex
}

func (c *nativeDB) malloc(n int) (uintptr, error) {
	if p := libc.Xmalloc(c.tls, types.Size_t(n)); p != 0 || n == 0 {
		return p, nil
	}
	return 0, fmt.Errorf("engine: cannot allocate %d bytes of memory", n)
}

func (c *nativeDB) free(p uintptr) {
	if p != 0 {
		libc.Xfree(c.tls, p)
	}
}

// errorFor builds an *Error for rc. It must be called with mu held.
func (c *nativeDB) errorFor(rc int32) error {
	var msg string
	if c.db != 0 {
		msg = libc.GoString(sqlite3.Xsqlite3_errmsg(c.tls, c.db))
	}
	if msg == "" {
		msg = libc.GoString(sqlite3.Xsqlite3_errstr(c.tls, rc))
	}
	return &Error{Code: ResultCode(rc), Msg: msg}
}

func (c *nativeDB) openV2(name, vfsName string, flags int32) (uintptr, error) {
	var p, s, vfs uintptr
	defer func() {
		c.free(p)
		c.free(s)
		c.free(vfs)
	}()

	p, err := c.malloc(ptrSize)
	if err != nil {
		return 0, err
	}
	*(*uintptr)(unsafe.Pointer(p)) = 0
	if s, err = libc.CString(name); err != nil {
		return 0, err
	}
	if vfsName != "" {
		if vfs, err = libc.CString(vfsName); err != nil {
			return 0, err
		}
	}

	rc := sqlite3.Xsqlite3_open_v2(c.tls, s, p, flags, vfs)
	db := *(*uintptr)(unsafe.Pointer(p))
	if rc != sqlite3.SQLITE_OK {
		e := &Error{Code: ResultCode(rc)}
		if db != 0 {
			e.Msg = libc.GoString(sqlite3.Xsqlite3_errmsg(c.tls, db))
			sqlite3.Xsqlite3_close_v2(c.tls, db)
		} else {
			e.Msg = libc.GoString(sqlite3.Xsqlite3_errstr(c.tls, rc))
		}
		return 0, e
	}
	if db == 0 {
		return 0, &Error{Code: ResultNoMem, Msg: "open returned a null database"}
	}
	return db, nil
}

func (c *nativeDB) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.db == 0 {
		return nil
	}
	if rc := sqlite3.Xsqlite3_close_v2(c.tls, c.db); rc != sqlite3.SQLITE_OK {
		return c.errorFor(rc)
	}
	c.db = 0
	c.closed = true
	c.releaseTLS()
	return nil
}

func (c *nativeDB) releaseTLS() {
	if c.closed && c.live == 0 && c.tls != nil {
		c.tls.Close()
		c.tls = nil
	}
}

func (c *nativeDB) Interrupt() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.db == 0 {
		return
	}
	tls := libc.NewTLS()
	defer tls.Close()
	sqlite3.Xsqlite3_interrupt(tls, c.db)
}

func (c *nativeDB) ErrMsg() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == 0 {
		return ""
	}
	return libc.GoString(sqlite3.Xsqlite3_errmsg(c.tls, c.db))
}

func (c *nativeDB) Errcode() ResultCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == 0 {
		return ResultMisuse
	}
	return ResultCode(sqlite3.Xsqlite3_errcode(c.tls, c.db))
}

func (c *nativeDB) Prepare(query string) (Stmt, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == 0 {
		return nil, "", &Error{Code: ResultMisuse, Msg: "prepare on a closed database"}
	}

	var zSQL, ppstmt, pptail uintptr
	defer func() {
		c.free(zSQL)
		c.free(ppstmt)
		c.free(pptail)
	}()

	zSQL, err := libc.CString(query)
	if err != nil {
		return nil, "", err
	}
	if ppstmt, err = c.malloc(ptrSize); err != nil {
		return nil, "", err
	}
	if pptail, err = c.malloc(ptrSize); err != nil {
		return nil, "", err
	}
	*(*uintptr)(unsafe.Pointer(ppstmt)) = 0
	*(*uintptr)(unsafe.Pointer(pptail)) = 0

	if rc := sqlite3.Xsqlite3_prepare_v2(c.tls, c.db, zSQL, -1, ppstmt, pptail); rc != sqlite3.SQLITE_OK {
		return nil, "", c.errorFor(rc)
	}

	var remaining string
	if tail := *(*uintptr)(unsafe.Pointer(pptail)); tail > zSQL {
		if consumed := int(tail - zSQL); consumed < len(query) {
			remaining = query[consumed:]
		}
	}
	pstmt := *(*uintptr)(unsafe.Pointer(ppstmt))
	if pstmt == 0 {
		return nil, remaining, nil
	}
	c.live++
	return &nativeStmt{conn: c, stmt: pstmt}, remaining, nil
}

func (c *nativeDB) LastInsertRowID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == 0 {
		return 0
	}
	return sqlite3.Xsqlite3_last_insert_rowid(c.tls, c.db)
}

func (c *nativeDB) TotalChanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == 0 {
		return 0
	}
	return int(sqlite3.Xsqlite3_total_changes(c.tls, c.db))
}

func (c *nativeDB) BusyTimeout(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == 0 {
		return
	}
	sqlite3.Xsqlite3_busy_timeout(c.tls, c.db, int32(ms))
}

func (c *nativeDB) ReadOnly(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == 0 {
		return -1
	}
	z, err := libc.CString(name)
	if err != nil {
		return -1
	}
	defer c.free(z)
	return int(sqlite3.Xsqlite3_db_readonly(c.tls, c.db, z))
}

func (c *nativeDB) BackupInit(destName string, src DB, srcName string) (Backup, error) {
	s, ok := src.(*nativeDB)
	if !ok {
		return nil, errors.New("engine: backup source was not opened by the native engine")
	}
	if s == c {
		return nil, &Error{Code: ResultMisuse, Msg: "source and destination must be distinct"}
	}
	defer lockPair(c, s)()

	zDest, err := libc.CString(destName)
	if err != nil {
		return nil, err
	}
	defer c.free(zDest)
	zSrc, err := libc.CString(srcName)
	if err != nil {
		return nil, err
	}
	defer c.free(zSrc)

	if c.db == 0 || s.db == 0 {
		return nil, &Error{Code: ResultMisuse, Msg: "backup on a closed database"}
	}
	p := sqlite3.Xsqlite3_backup_init(c.tls, c.db, zDest, s.db, zSrc)
	if p == 0 {
		return nil, c.errorFor(sqlite3.Xsqlite3_errcode(c.tls, c.db))
	}
	return &nativeBackup{dest: c, src: s, p: p}, nil
}

// nativeStmt holds the C strings and blobs bound to it until the bindings
// are cleared or the statement is finalized.
type nativeStmt struct {
	conn   *nativeDB
	stmt   uintptr
	allocs []uintptr
}

func (s *nativeStmt) freeAllocs() {
	for _, p := range s.allocs {
		s.conn.free(p)
	}
	s.allocs = s.allocs[:0]
}

func (s *nativeStmt) Finalize() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.stmt == 0 {
		return nil
	}
	rc := sqlite3.Xsqlite3_finalize(s.conn.tls, s.stmt)
	s.stmt = 0
	s.freeAllocs()
	var err error
	if rc != sqlite3.SQLITE_OK {
		err = s.conn.errorFor(rc)
	}
	s.conn.live--
	s.conn.releaseTLS()
	return err
}

func (s *nativeStmt) Reset() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if rc := sqlite3.Xsqlite3_reset(s.conn.tls, s.stmt); rc != sqlite3.SQLITE_OK {
		return s.conn.errorFor(rc)
	}
	return nil
}

func (s *nativeStmt) ClearBindings() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	rc := sqlite3.Xsqlite3_clear_bindings(s.conn.tls, s.stmt)
	s.freeAllocs()
	if rc != sqlite3.SQLITE_OK {
		return s.conn.errorFor(rc)
	}
	return nil
}

func (s *nativeStmt) Step() (bool, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	switch rc := sqlite3.Xsqlite3_step(s.conn.tls, s.stmt); rc {
	case sqlite3.SQLITE_ROW:
		return true, nil
	case sqlite3.SQLITE_DONE:
		return false, nil
	default:
		return false, s.conn.errorFor(rc)
	}
}

func (s *nativeStmt) check(rc int32) error {
	if rc != sqlite3.SQLITE_OK {
		return s.conn.errorFor(rc)
	}
	return nil
}

func (s *nativeStmt) BindNull(i int) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.check(sqlite3.Xsqlite3_bind_null(s.conn.tls, s.stmt, int32(i)))
}

func (s *nativeStmt) BindInt64(i int, v int64) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.check(sqlite3.Xsqlite3_bind_int64(s.conn.tls, s.stmt, int32(i), v))
}

func (s *nativeStmt) BindDouble(i int, v float64) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.check(sqlite3.Xsqlite3_bind_double(s.conn.tls, s.stmt, int32(i), v))
}

func (s *nativeStmt) BindText(i int, v string) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	p, err := libc.CString(v)
	if err != nil {
		return err
	}
	if rc := sqlite3.Xsqlite3_bind_text(s.conn.tls, s.stmt, int32(i), p, int32(len(v)), 0); rc != sqlite3.SQLITE_OK {
		s.conn.free(p)
		return s.conn.errorFor(rc)
	}
	s.allocs = append(s.allocs, p)
	return nil
}

func (s *nativeStmt) BindBlob(i int, v []byte) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if len(v) == 0 {
		return s.check(sqlite3.Xsqlite3_bind_zeroblob(s.conn.tls, s.stmt, int32(i), 0))
	}
	p, err := s.conn.malloc(len(v))
	if err != nil {
		return err
	}
	copy((*libc.RawMem)(unsafe.Pointer(p))[:len(v):len(v)], v)
	if rc := sqlite3.Xsqlite3_bind_blob(s.conn.tls, s.stmt, int32(i), p, int32(len(v)), 0); rc != sqlite3.SQLITE_OK {
		s.conn.free(p)
		return s.conn.errorFor(rc)
	}
	s.allocs = append(s.allocs, p)
	return nil
}

func (s *nativeStmt) BindParameterCount() int {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return int(sqlite3.Xsqlite3_bind_parameter_count(s.conn.tls, s.stmt))
}

func (s *nativeStmt) BindParameterIndex(name string) int {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	z, err := libc.CString(name)
	if err != nil {
		return 0
	}
	defer s.conn.free(z)
	return int(sqlite3.Xsqlite3_bind_parameter_index(s.conn.tls, s.stmt, z))
}

func (s *nativeStmt) BindParameterName(i int) string {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return libc.GoString(sqlite3.Xsqlite3_bind_parameter_name(s.conn.tls, s.stmt, int32(i)))
}

func (s *nativeStmt) ColumnCount() int {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return int(sqlite3.Xsqlite3_column_count(s.conn.tls, s.stmt))
}

func (s *nativeStmt) ColumnName(i int) string {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return libc.GoString(sqlite3.Xsqlite3_column_name(s.conn.tls, s.stmt, int32(i)))
}

func (s *nativeStmt) ColumnType(i int) ColumnType {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return ColumnType(sqlite3.Xsqlite3_column_type(s.conn.tls, s.stmt, int32(i)))
}

func (s *nativeStmt) ColumnDeclType(i int) string {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return libc.GoString(sqlite3.Xsqlite3_column_decltype(s.conn.tls, s.stmt, int32(i)))
}

func (s *nativeStmt) ColumnInt64(i int) int64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return sqlite3.Xsqlite3_column_int64(s.conn.tls, s.stmt, int32(i))
}

func (s *nativeStmt) ColumnDouble(i int) float64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return sqlite3.Xsqlite3_column_double(s.conn.tls, s.stmt, int32(i))
}

func (s *nativeStmt) ColumnText(i int) string {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	p := sqlite3.Xsqlite3_column_text(s.conn.tls, s.stmt, int32(i))
	n := int(sqlite3.Xsqlite3_column_bytes(s.conn.tls, s.stmt, int32(i)))
	if p == 0 || n == 0 {
		return ""
	}
	b := make([]byte, n)
	copy(b, (*libc.RawMem)(unsafe.Pointer(p))[:n:n])
	return string(b)
}

func (s *nativeStmt) ColumnBlob(i int) []byte {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	p := sqlite3.Xsqlite3_column_blob(s.conn.tls, s.stmt, int32(i))
	n := int(sqlite3.Xsqlite3_column_bytes(s.conn.tls, s.stmt, int32(i)))
	if p == 0 || n == 0 {
		return []byte{}
	}
	v := make([]byte, n)
	copy(v, (*libc.RawMem)(unsafe.Pointer(p))[:n:n])
	return v
}

func (s *nativeStmt) ColumnBytes(i int) int {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return int(sqlite3.Xsqlite3_column_bytes(s.conn.tls, s.stmt, int32(i)))
}

// nativeBackup is driven with the destination's TLS and locks both sides.
type nativeBackup struct {
	dest, src *nativeDB
	p         uintptr
}

func (b *nativeBackup) lock() func() { return lockPair(b.dest, b.src) }

// lockPair locks two connections in address order, so that backups running
// in opposite directions cannot deadlock.
func lockPair(a, b *nativeDB) func() {
	if uintptr(unsafe.Pointer(a)) > uintptr(unsafe.Pointer(b)) {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

func (b *nativeBackup) Step(pages int) (bool, error) {
	defer b.lock()()
	switch rc := sqlite3.Xsqlite3_backup_step(b.dest.tls, b.p, int32(pages)); rc {
	case sqlite3.SQLITE_DONE:
		return true, nil
	case sqlite3.SQLITE_OK:
		return false, nil
	default:
		return false, &Error{Code: ResultCode(rc), Msg: libc.GoString(sqlite3.Xsqlite3_errstr(b.dest.tls, rc))}
	}
}

func (b *nativeBackup) Remaining() int {
	defer b.lock()()
	return int(sqlite3.Xsqlite3_backup_remaining(b.dest.tls, b.p))
}

func (b *nativeBackup) PageCount() int {
	defer b.lock()()
	return int(sqlite3.Xsqlite3_backup_pagecount(b.dest.tls, b.p))
}

func (b *nativeBackup) Finish() error {
	defer b.lock()()
	if b.p == 0 {
		return nil
	}
	rc := sqlite3.Xsqlite3_backup_finish(b.dest.tls, b.p)
	b.p = 0
	if rc != sqlite3.SQLITE_OK {
		return b.dest.errorFor(rc)
	}
	return nil
}
