package types

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// FlexInt decodes a numeric protocol field that charge points send either as
// a JSON number or as a quoted string, depending on firmware. Valid reports
// whether a usable numeric value was present; decoding never fails so the
// handler can answer Invalid in-band instead of dropping the message.
type FlexInt struct {
	Value int
	Valid bool
}

func NewFlexInt(value int) FlexInt {
	return FlexInt{Value: value, Valid: true}
}

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := string(bytes.TrimSpace(data))
	if s == "" || s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	f.Value = int(v)
	f.Valid = true
	return nil
}

func (f FlexInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Value)
}

// FlexString decodes a field that may arrive as a JSON string or a bare
// number; numeric tags are coerced to their string form so both spellings
// resolve identically.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexString(n.String())
		return nil
	}
	return nil
}

func (f FlexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}

func (f FlexString) String() string {
	return string(f)
}
