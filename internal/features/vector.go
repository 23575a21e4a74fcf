package features

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Vector holds exactly one value per canonical feature. The zero Vector is
// the all-unknown vector.
type Vector struct {
	values [Count]Ternary
}

// Get returns the value for n. Names outside the canonical set read as Unknown.
func (v Vector) Get(n Name) Ternary {
	i, ok := index[n]
	if !ok {
		return Unknown
	}
	return v.values[i]
}

// With returns a copy of v with n set to t.
func (v Vector) With(n Name, t Ternary) (Vector, error) {
	i, ok := index[n]
	if !ok {
		return v, fmt.Errorf("%w: %q", ErrUnknownFeature, n)
	}
	if t < Benign || t > Suspicious {
		return v, fmt.Errorf("feature %s: value %d out of range", n, t)
	}
	v.values[i] = t
	return v, nil
}

// Each calls fn for every feature in canonical order.
func (v Vector) Each(fn func(n Name, t Ternary)) {
	for i, n := range canonical {
		fn(n, v.values[i])
	}
}

// Known counts the features carrying a non-zero value.
func (v Vector) Known() int {
	k := 0
	for _, t := range v.values {
		if t != Unknown {
			k++
		}
	}
	return k
}

// Map returns the vector as a plain map.
func (v Vector) Map() map[Name]Ternary {
	m := make(map[Name]Ternary, Count)
	v.Each(func(n Name, t Ternary) { m[n] = t })
	return m
}

// MarshalJSON encodes the vector as an object whose keys follow canonical order.
func (v Vector) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, n := range canonical {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(string(n))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		fmt.Fprintf(&buf, ":%d", v.values[i])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object of name -> value. Unknown names and values
// outside {-1, 0, 1} are rejected; missing names stay Unknown.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out Vector
	for k, val := range raw {
		n, err := ParseName(k)
		if err != nil {
			return err
		}
		if val < int(Benign) || val > int(Suspicious) {
			return fmt.Errorf("feature %s: value %d out of range", n, val)
		}
		if out, err = out.With(n, Ternary(val)); err != nil {
			return err
		}
	}
	*v = out
	return nil
}
