package wal

import (
	"io"

	"keelbase/disk"
	"keelbase/kerrors"
)

// logFileReader adapts disk.Manager's offset-addressed ReadLog to io.Reader, the shape
// Deserialize expects, for recovery's forward scan. A short read (fewer bytes than requested) is
// reported as io.EOF, which is exactly the "end of valid log" signal kerrors.ErrShortRead relies
// on one level up.
type logFileReader struct {
	d   *disk.Manager
	off int64
}

func (r *logFileReader) Read(p []byte) (int, error) {
	n, err := r.d.ReadLog(p, r.off)
	r.off += int64(n)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Entry is one record Scan yields, tagged with the absolute byte offset it started at (recovery's
// lsn_mapping table, per spec §4.8, is built directly from this).
type Entry struct {
	Record *Record
	Offset int64
}

// Scan walks the entire log file from the beginning, calling fn for every well-formed record in
// order. It stops, without error, at the first short or empty read: that is how a torn trailing
// write from a crash mid-append is recognized, per spec §7's partial-write semantics. fn
// returning false stops the scan early (without that being treated as a short read).
func Scan(d *disk.Manager, fn func(Entry) bool) error {
	r := &logFileReader{d: d}
	for {
		start := r.off
		rec, _, err := Deserialize(r)
		if err != nil {
			if err == io.EOF || err == kerrors.ErrShortRead {
				return nil
			}
			return err
		}
		if !fn(Entry{Record: rec, Offset: start}) {
			return nil
		}
	}
}

// ReadAt deserializes exactly the record starting at byte offset off, for Undo's random-access
// walk back along a loser transaction's prev-LSN chain using the lsn_mapping table Scan built.
func ReadAt(d *disk.Manager, off int64) (*Record, error) {
	r := &logFileReader{d: d, off: off}
	rec, _, err := Deserialize(r)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
