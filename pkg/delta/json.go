package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type opJSON struct {
	Insert     json.RawMessage `json:"insert,omitempty"`
	Delete     int             `json:"delete,omitempty"`
	Retain     int             `json:"retain,omitempty"`
	Attributes Attributes      `json:"attributes,omitempty"`
}

func (o Op) MarshalJSON() ([]byte, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	out := opJSON{Delete: o.Delete, Retain: o.Retain, Attributes: o.Attributes}
	if o.IsInsert() {
		var err error
		if o.Embed != nil {
			out.Insert, err = json.Marshal(o.Embed)
		} else {
			out.Insert, err = json.Marshal(o.Insert)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to encode insert: %w", err)
		}
	}
	return json.Marshal(out)
}

func (o *Op) UnmarshalJSON(raw []byte) error {
	var in opJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	op := Op{Delete: in.Delete, Retain: in.Retain, Attributes: in.Attributes}
	if len(in.Insert) > 0 {
		switch in.Insert[0] {
		case '"':
			if err := json.Unmarshal(in.Insert, &op.Insert); err != nil {
				return err
			}
		case '{':
			if err := json.Unmarshal(in.Insert, &op.Embed); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: insert must be a string or an object", ErrInvalidOp)
		}
	}
	if err := op.validate(); err != nil {
		return err
	}
	*o = op
	return nil
}

func (d Delta) MarshalJSON() ([]byte, error) {
	ops := d.Ops
	if ops == nil {
		ops = []Op{}
	}
	return json.Marshal(struct {
		Ops []Op `json:"ops"`
	}{Ops: ops})
}

// UnmarshalJSON accepts both {"ops": [...]} and a bare op array, and normalizes the result.
func (d *Delta) UnmarshalJSON(raw []byte) error {
	var ops []Op
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &ops); err != nil {
			return err
		}
	} else {
		var in struct {
			Ops []Op `json:"ops"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return err
		}
		ops = in.Ops
	}
	*d = *New(ops...)
	return nil
}

// Parse decodes a delta from its JSON form.
func Parse(raw []byte) (*Delta, error) {
	d := &Delta{}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("failed to decode delta: %w", err)
	}
	return d, nil
}
