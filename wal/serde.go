package wal

import (
	"encoding/binary"
	"io"

	"github.com/golang/snappy"

	"keelbase/common"
	"keelbase/kerrors"
)

// Serialize renders r as its binary log format: the 20-byte common header (uncompressed, so
// Deserialize always knows how many more bytes the record occupies before it has to look at
// them) followed by a snappy-compressed body holding the type-specific, length-prefixed fields,
// mirroring spec §6's field order. Returns the whole encoded record (header, with its size field
// filled in, then body) so LogManager can append it directly to its active buffer.
func Serialize(r *Record) []byte {
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[4:8], r.LSN)
	binary.BigEndian.PutUint32(header[8:12], r.TxnID)
	binary.BigEndian.PutUint32(header[12:16], r.PrevLSN)
	binary.BigEndian.PutUint32(header[16:20], uint32(r.Type))

	body := make([]byte, 0, 64)
	switch r.Type {
	case TypeBegin, TypeCommit, TypeAbort:
		// empty payload

	case TypeInsert, TypeMarkDelete, TypeRollbackDelete, TypeApplyDelete:
		body = appendRid(body, r.TableOID, r.Rid)
		body = appendBytes(body, r.Tuple)

	case TypeUpdate:
		body = appendRid(body, r.TableOID, r.Rid)
		body = appendBytes(body, r.OldTuple)
		body = appendBytes(body, r.NewTuple)

	case TypeNewPage:
		body = binary.BigEndian.AppendUint64(body, r.PrevPageID)
		body = binary.BigEndian.AppendUint64(body, r.PageID)

	case TypeCheckpointBegin:
		body = binary.BigEndian.AppendUint32(body, uint32(len(r.Actives)))
		for _, id := range r.Actives {
			body = binary.BigEndian.AppendUint32(body, id)
		}

	case TypeCheckpointEnd:
		// empty payload
	}

	body = append(body, common.Ternary(r.IsCLR, byte(1), byte(0)))

	buf := append(header, snappy.Encode(nil, body)...)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf
}

func appendRid(buf []byte, tableOID uint32, rid Rid) []byte {
	buf = binary.BigEndian.AppendUint32(buf, tableOID)
	buf = binary.BigEndian.AppendUint64(buf, rid.PageID)
	buf = binary.BigEndian.AppendUint16(buf, rid.Slot)
	return buf
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// Deserialize reads one record from r. It returns kerrors.ErrShortRead, rather than a fatal
// error, when the stream ends partway through a record: that is how the recovery scanner
// recognizes a torn trailing write left by a crash mid-append, per spec §4.8/§7.
func Deserialize(r io.Reader) (*Record, int, error) {
	header := make([]byte, headerSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if n == 0 {
			return nil, n, io.EOF
		}
		return nil, n, kerrors.ErrShortRead
	}

	size := binary.BigEndian.Uint32(header[0:4])
	rec := &Record{
		LSN:     binary.BigEndian.Uint32(header[4:8]),
		TxnID:   binary.BigEndian.Uint32(header[8:12]),
		PrevLSN: binary.BigEndian.Uint32(header[12:16]),
		Type:    Type(binary.BigEndian.Uint32(header[16:20])),
	}

	compressed := make([]byte, int(size)-headerSize)
	rn, err := io.ReadFull(r, compressed)
	total := n + rn
	if err != nil {
		return nil, total, kerrors.ErrShortRead
	}

	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		// A torn write can leave a trailing record whose header claims a length that never
		// finished reaching disk; snappy rejects the truncated frame the same way a short read
		// would have, so the scanner treats it identically.
		return nil, total, kerrors.ErrShortRead
	}

	if err := fillPayload(rec, body); err != nil {
		return nil, total, err
	}
	return rec, total, nil
}

func fillPayload(rec *Record, b []byte) error {
	readRid := func(b []byte) (uint32, Rid, []byte) {
		tableOID := binary.BigEndian.Uint32(b[0:4])
		rid := Rid{PageID: binary.BigEndian.Uint64(b[4:12]), Slot: binary.BigEndian.Uint16(b[12:14])}
		return tableOID, rid, b[14:]
	}
	readBytes := func(b []byte) ([]byte, []byte) {
		n := binary.BigEndian.Uint32(b[0:4])
		return b[4 : 4+n], b[4+n:]
	}

	switch rec.Type {
	case TypeBegin, TypeCommit, TypeAbort:
		rec.IsCLR = len(b) > 0 && b[0] != 0

	case TypeInsert, TypeMarkDelete, TypeRollbackDelete, TypeApplyDelete:
		tableOID, rid, rest := readRid(b)
		tuple, rest := readBytes(rest)
		rec.TableOID, rec.Rid = tableOID, rid
		rec.Tuple = append([]byte(nil), tuple...)
		rec.IsCLR = len(rest) > 0 && rest[0] != 0

	case TypeUpdate:
		tableOID, rid, rest := readRid(b)
		old, rest := readBytes(rest)
		nw, rest := readBytes(rest)
		rec.TableOID, rec.Rid = tableOID, rid
		rec.OldTuple = append([]byte(nil), old...)
		rec.NewTuple = append([]byte(nil), nw...)
		rec.IsCLR = len(rest) > 0 && rest[0] != 0

	case TypeNewPage:
		rec.PrevPageID = binary.BigEndian.Uint64(b[0:8])
		rec.PageID = binary.BigEndian.Uint64(b[8:16])
		rest := b[16:]
		rec.IsCLR = len(rest) > 0 && rest[0] != 0

	case TypeCheckpointBegin:
		count := binary.BigEndian.Uint32(b[0:4])
		off := 4
		actives := make([]uint32, count)
		for i := range actives {
			actives[i] = binary.BigEndian.Uint32(b[off : off+4])
			off += 4
		}
		rec.Actives = actives
		rest := b[off:]
		rec.IsCLR = len(rest) > 0 && rest[0] != 0

	case TypeCheckpointEnd:
		rec.IsCLR = len(b) > 0 && b[0] != 0
	}
	return nil
}
