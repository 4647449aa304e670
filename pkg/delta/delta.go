// Package delta implements rich-text change operations in the Quill delta format.
//
// A Delta is an ordered list of ops. A document snapshot is a Delta made only of inserts; a change
// is a Delta of retains, inserts and deletes that moves a document from one state to the next.
// Lengths are counted in unicode code points; an embed has length 1.
package delta

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode/utf8"
)

// ErrInvalidOp is returned for ops that are malformed or do not fit the document they are applied to.
var ErrInvalidOp = errors.New("invalid delta op")

const infinity = math.MaxInt

// Attributes are the formatting attributes of an op. A nil value on a retain removes the attribute.
type Attributes map[string]interface{}

// Op is a single insert, retain, or delete. Exactly one of Insert/Embed, Retain, or Delete is set.
type Op struct {
	Insert     string
	Embed      map[string]interface{}
	Retain     int
	Delete     int
	Attributes Attributes
}

func (o Op) IsInsert() bool {
	return o.Retain == 0 && o.Delete == 0 && (o.Embed != nil || o.Insert != "")
}

func (o Op) IsRetain() bool {
	return o.Retain > 0
}

func (o Op) IsDelete() bool {
	return o.Delete > 0
}

// Len is the number of positions the op covers.
func (o Op) Len() int {
	switch {
	case o.Delete > 0:
		return o.Delete
	case o.Retain > 0:
		return o.Retain
	case o.Embed != nil:
		return 1
	default:
		return utf8.RuneCountInString(o.Insert)
	}
}

func (o Op) validate() error {
	kinds := 0
	if o.Insert != "" || o.Embed != nil {
		kinds++
	}
	if o.Retain != 0 {
		kinds++
	}
	if o.Delete != 0 {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("%w: op must have exactly one of insert, retain, delete", ErrInvalidOp)
	}
	if o.Retain < 0 || o.Delete < 0 {
		return fmt.Errorf("%w: negative length", ErrInvalidOp)
	}
	if o.Insert != "" && o.Embed != nil {
		return fmt.Errorf("%w: op cannot insert both text and an embed", ErrInvalidOp)
	}
	return nil
}

// Delta is an ordered, normalized list of ops. The builder methods merge adjacent ops the same way
// Quill does so that equal content always has the same op list.
type Delta struct {
	Ops []Op
}

// New builds a normalized delta from the given ops.
func New(ops ...Op) *Delta {
	d := &Delta{}
	for _, op := range ops {
		d.push(op)
	}
	return d
}

func (d *Delta) Insert(text string, attrs Attributes) *Delta {
	if text == "" {
		return d
	}
	return d.push(Op{Insert: text, Attributes: attrs})
}

func (d *Delta) InsertEmbed(embed map[string]interface{}, attrs Attributes) *Delta {
	if embed == nil {
		return d
	}
	return d.push(Op{Embed: embed, Attributes: attrs})
}

func (d *Delta) Retain(n int, attrs Attributes) *Delta {
	if n <= 0 {
		return d
	}
	return d.push(Op{Retain: n, Attributes: attrs})
}

func (d *Delta) Delete(n int) *Delta {
	if n <= 0 {
		return d
	}
	return d.push(Op{Delete: n})
}

func (d *Delta) push(op Op) *Delta {
	op = op.clone()
	index := len(d.Ops)
	if index > 0 {
		last := &d.Ops[index-1]
		if op.IsDelete() && last.IsDelete() {
			last.Delete = addLen(last.Delete, op.Delete)
			return d
		}
		// inserts always go before a trailing delete
		if last.IsDelete() && op.IsInsert() {
			index--
			if index == 0 {
				d.Ops = append([]Op{op}, d.Ops...)
				return d
			}
			last = &d.Ops[index-1]
		}
		if attributesEqual(op.Attributes, last.Attributes) {
			if op.IsInsert() && last.IsInsert() && op.Embed == nil && last.Embed == nil {
				last.Insert += op.Insert
				return d
			}
			if op.IsRetain() && last.IsRetain() {
				last.Retain = addLen(last.Retain, op.Retain)
				return d
			}
		}
	}
	if index == len(d.Ops) {
		d.Ops = append(d.Ops, op)
		return d
	}
	d.Ops = append(d.Ops, Op{})
	copy(d.Ops[index+1:], d.Ops[index:])
	d.Ops[index] = op
	return d
}

// Chop drops a trailing retain without attributes since it has no effect.
func (d *Delta) Chop() *Delta {
	if n := len(d.Ops); n > 0 {
		last := d.Ops[n-1]
		if last.IsRetain() && len(last.Attributes) == 0 {
			d.Ops = d.Ops[:n-1]
		}
	}
	return d
}

// Length is the total length of all ops.
func (d *Delta) Length() int {
	total := 0
	for _, op := range d.Ops {
		total = addLen(total, op.Len())
	}
	return total
}

// BaseLength is the document length a change expects: the positions it retains or deletes.
func (d *Delta) BaseLength() int {
	total := 0
	for _, op := range d.Ops {
		if !op.IsInsert() {
			total = addLen(total, op.Len())
		}
	}
	return total
}

// IsDocument reports whether the delta contains only inserts.
func (d *Delta) IsDocument() bool {
	for _, op := range d.Ops {
		if !op.IsInsert() {
			return false
		}
	}
	return true
}

// Text returns the plain text of a document. Embeds are skipped.
func (d *Delta) Text() string {
	var sb strings.Builder
	for _, op := range d.Ops {
		if op.IsInsert() && op.Embed == nil {
			sb.WriteString(op.Insert)
		}
	}
	return sb.String()
}

func (d *Delta) Clone() *Delta {
	out := &Delta{Ops: make([]Op, 0, len(d.Ops))}
	for _, op := range d.Ops {
		out.Ops = append(out.Ops, op.clone())
	}
	return out
}

func (d *Delta) Equal(other *Delta) bool {
	if d == nil || other == nil {
		return d == other
	}
	if len(d.Ops) != len(other.Ops) {
		return false
	}
	for i := range d.Ops {
		a, b := d.Ops[i], other.Ops[i]
		if a.Insert != b.Insert || a.Retain != b.Retain || a.Delete != b.Delete {
			return false
		}
		if !reflect.DeepEqual(a.Embed, b.Embed) || !attributesEqual(a.Attributes, b.Attributes) {
			return false
		}
	}
	return true
}

// Compose returns a delta equivalent to applying d and then other.
func (d *Delta) Compose(other *Delta) *Delta {
	a := &iterator{ops: d.Ops}
	b := &iterator{ops: other.Ops}
	out := &Delta{}
	for a.hasNext() || b.hasNext() {
		switch {
		case b.peekIsInsert():
			out.push(b.next(infinity))
		case a.peekIsDelete():
			out.push(a.next(infinity))
		default:
			length := min(a.peekLength(), b.peekLength())
			aOp := a.next(length)
			bOp := b.next(length)
			switch {
			case bOp.IsRetain():
				op := Op{}
				if aOp.IsRetain() {
					op.Retain = length
				} else {
					op.Insert = aOp.Insert
					op.Embed = aOp.Embed
				}
				op.Attributes = composeAttributes(aOp.Attributes, bOp.Attributes, aOp.IsRetain())
				out.push(op)
			case bOp.IsDelete() && aOp.IsRetain():
				out.push(bOp)
			}
			// an insert in a deleted by b cancels out
		}
	}
	return out.Chop()
}

// Apply composes change onto a document snapshot and returns the new snapshot. The change may not
// retain or delete past the end of the document.
func Apply(doc, change *Delta) (*Delta, error) {
	if !doc.IsDocument() {
		return nil, fmt.Errorf("%w: base is not a document", ErrInvalidOp)
	}
	if base, length := change.BaseLength(), doc.Length(); base > length {
		return nil, fmt.Errorf("%w: change covers %d positions but document has %d", ErrInvalidOp, base, length)
	}
	out := doc.Compose(change)
	if !out.IsDocument() {
		return nil, fmt.Errorf("%w: change does not produce a document", ErrInvalidOp)
	}
	return out, nil
}

// addLen adds two lengths, saturating at infinity instead of overflowing.
func addLen(a, b int) int {
	if a > infinity-b {
		return infinity
	}
	return a + b
}

func (o Op) clone() Op {
	out := o
	if o.Attributes != nil {
		if len(o.Attributes) == 0 {
			out.Attributes = nil
		} else {
			out.Attributes = make(Attributes, len(o.Attributes))
			for k, v := range o.Attributes {
				out.Attributes[k] = v
			}
		}
	}
	if o.Embed != nil {
		out.Embed = make(map[string]interface{}, len(o.Embed))
		for k, v := range o.Embed {
			out.Embed[k] = v
		}
	}
	return out
}

func attributesEqual(a, b Attributes) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func composeAttributes(a, b Attributes, keepNull bool) Attributes {
	out := Attributes{}
	for k, v := range b {
		if v == nil && !keepNull {
			continue
		}
		out[k] = v
	}
	for k, v := range a {
		if _, ok := b[k]; !ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type iterator struct {
	ops    []Op
	index  int
	offset int
}

func (it *iterator) hasNext() bool {
	return it.peekLength() < infinity
}

func (it *iterator) peekLength() int {
	if it.index < len(it.ops) {
		return it.ops[it.index].Len() - it.offset
	}
	return infinity
}

func (it *iterator) peekIsInsert() bool {
	return it.index < len(it.ops) && it.ops[it.index].IsInsert()
}

func (it *iterator) peekIsDelete() bool {
	return it.index < len(it.ops) && it.ops[it.index].IsDelete()
}

// next consumes up to length positions from the current op. Past the end it yields an endless retain.
func (it *iterator) next(length int) Op {
	if it.index >= len(it.ops) {
		return Op{Retain: infinity}
	}
	op := it.ops[it.index]
	offset := it.offset
	if remaining := op.Len() - offset; length >= remaining {
		length = remaining
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}
	if op.IsDelete() {
		return Op{Delete: length}
	}
	out := Op{Attributes: op.Attributes}
	switch {
	case op.IsRetain():
		out.Retain = length
	case op.Embed != nil:
		out.Embed = op.Embed
	default:
		runes := []rune(op.Insert)
		out.Insert = string(runes[offset : offset+length])
	}
	return out
}
