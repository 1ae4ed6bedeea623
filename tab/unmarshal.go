package tab

import "encoding/json"

// jsonUnmarshal handles the Evaluate(... , res) case where res isn't one of
// cdproto's own easyjson-generated types (e.g. a plain *bool or *string), so
// the fast path in easyUnmarshalInto falls back to encoding/json the same
// way the teacher's eval.go does for "not a typed CDP reply" values.
func jsonUnmarshal(raw []byte, res interface{}) error {
	return json.Unmarshal(raw, res)
}
