package element

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"

	"github.com/stephanlensky/zendriver/tab"
)

// callFunctionOn invokes fn (a JS function expression) with `this` bound to
// the remote object objID, mirroring the teacher's call.go CallFunctionOn
// wrapper around runtime.CallFunctionOn.
func callFunctionOn(ctx context.Context, tb *tab.Tab, objID string, fn string, res interface{}) error {
	params := runtime.CallFunctionOn(fn).
		WithObjectID(runtime.RemoteObjectID(objID)).
		WithReturnByValue(res != nil)

	var out runtime.CallFunctionOnReturns
	if err := tb.Send(ctx, "Runtime.callFunctionOn", params, &out); err != nil {
		return err
	}
	if out.ExceptionDetails != nil {
		return fmt.Errorf("element: %s: %s", fn, out.ExceptionDetails.Text)
	}
	if res == nil {
		return nil
	}
	if out.Result == nil || len(out.Result.Value) == 0 {
		return nil
	}
	if u, ok := res.(easyjson.Unmarshaler); ok {
		return easyjson.Unmarshal(out.Result.Value, u)
	}
	return jsonUnmarshal(out.Result.Value, res)
}
