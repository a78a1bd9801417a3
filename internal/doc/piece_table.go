package doc

import (
	"fmt"

	"collabsession/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable is an edit buffer over an immutable original string plus an
// append-only add buffer. It is the replay target for the op-set engine:
// deltas are applied against logical rune positions.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	return &PieceTable{
		original: r,
		pieces:   []piece{{buf: bufOriginal, offset: 0, length: len(r)}},
	}
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	out := make([]rune, 0, pt.Len())
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			out = append(out, pt.original[p.offset:p.offset+p.length]...)
		case bufAdd:
			out = append(out, pt.add[p.offset:p.offset+p.length]...)
		}
	}
	return string(out)
}

// Apply walks the delta against a position cursor: retain moves the cursor,
// insert splices a new add-buffer piece at the cursor, delete trims or splits
// pieces from the cursor forward.
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if op.Count < 0 {
				return fmt.Errorf("negative retain count %d", op.Count)
			}
			pos += op.Count

		case delta.KindInsert:
			text := []rune(op.Text)
			start := len(pt.add)
			pt.add = append(pt.add, text...)
			newPiece := piece{buf: bufAdd, offset: start, length: len(text)}

			idx, offset := pt.locate(pos)
			if idx < len(pt.pieces) {
				cur := pt.pieces[idx]
				left := piece{buf: cur.buf, offset: cur.offset, length: offset}
				right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

				pieces := make([]piece, 0, len(pt.pieces)+2)
				pieces = append(pieces, pt.pieces[:idx]...)
				if left.length > 0 {
					pieces = append(pieces, left)
				}
				pieces = append(pieces, newPiece)
				if right.length > 0 {
					pieces = append(pieces, right)
				}
				pieces = append(pieces, pt.pieces[idx+1:]...)
				pt.pieces = pieces
			} else {
				pt.pieces = append(pt.pieces, newPiece)
			}
			pos += len(text)

		case delta.KindDelete:
			if op.Count < 0 {
				return fmt.Errorf("negative delete count %d", op.Count)
			}
			remain := op.Count
			idx, offset := pt.locate(pos)
			for remain > 0 && idx < len(pt.pieces) {
				cur := &pt.pieces[idx]
				can := cur.length - offset
				if can <= 0 {
					idx++
					offset = 0
					continue
				}
				take := remain
				if take > can {
					take = can
				}

				if offset == 0 && take == cur.length {
					// whole piece gone; idx now addresses the next piece
					pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
				} else {
					leftLen := offset
					rightLen := cur.length - offset - take

					pieces := make([]piece, 0, len(pt.pieces)+1)
					pieces = append(pieces, pt.pieces[:idx]...)
					if leftLen > 0 {
						pieces = append(pieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
					}
					if rightLen > 0 {
						pieces = append(pieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
					}
					pieces = append(pieces, pt.pieces[idx+1:]...)
					pt.pieces = pieces
				}
				remain -= take
			}
		}
	}
	return nil
}

// locate maps a logical position to (piece index, offset within piece).
func (pt *PieceTable) locate(pos int) (idx, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
