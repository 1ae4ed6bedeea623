package element

import "encoding/json"

// jsonUnmarshal is the fallback for Result values that aren't one of
// cdproto's own easyjson-generated types (e.g. a plain *bool or *string).
func jsonUnmarshal(raw []byte, res interface{}) error {
	return json.Unmarshal(raw, res)
}
