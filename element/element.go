// Package element implements component C6: a local proxy for one DOM node,
// generalizing the teacher's older query.go/sel.go/util.go idiom (Focus,
// Clear, Attributes, Click, SendKeys, the node-tree walk and
// attribute-diff bookkeeping) onto this module's tab.Tab instead of
// chromedp's TargetHandler.
package element

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/disintegration/imaging"

	"github.com/stephanlensky/zendriver/tab"
	"github.com/stephanlensky/zendriver/zderrors"
)

// Element is a handle to one DOM node reached via a CSS selector query. It
// carries both a BackendNodeID (stable across DOM.enable cycles, per the
// spec's data model) and the NodeID DOM.* commands expect, re-resolving the
// latter from the former exactly once on a stale-handle error.
type Element struct {
	tb *tab.Tab

	backendID cdp.BackendNodeID
	nodeID    cdp.NodeID
	node      *cdp.Node
}

func newElement(tb *tab.Tab, n *cdp.Node) *Element {
	return &Element{tb: tb, backendID: n.BackendNodeID, nodeID: n.NodeID, node: n}
}

// Query finds the first descendant of root matching sel.
func Query(ctx context.Context, tb *tab.Tab, root *cdp.Node, sel string) (*Element, error) {
	els, err := QueryAll(ctx, tb, root, sel)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("element: no node matches %q", sel)
	}
	return els[0], nil
}

// QueryAll finds every descendant of root matching sel.
func QueryAll(ctx context.Context, tb *tab.Tab, root *cdp.Node, sel string) ([]*Element, error) {
	params := &dom.QuerySelectorAllParams{NodeID: root.NodeID, Selector: sel}
	var res dom.QuerySelectorAllReturns
	if err := tb.Send(ctx, "DOM.querySelectorAll", params, &res); err != nil {
		return nil, err
	}

	out := make([]*Element, 0, len(res.NodeIDs))
	for _, id := range res.NodeIDs {
		n, err := describeNode(ctx, tb, id)
		if err != nil {
			return nil, err
		}
		out = append(out, newElement(tb, n))
	}
	return out, nil
}

func describeNode(ctx context.Context, tb *tab.Tab, id cdp.NodeID) (*cdp.Node, error) {
	params := &dom.DescribeNodeParams{NodeID: id, Depth: 1}
	var res dom.DescribeNodeReturns
	if err := tb.Send(ctx, "DOM.describeNode", params, &res); err != nil {
		return nil, err
	}
	return res.Node, nil
}

// resolve re-fetches the element's NodeID from its stable BackendNodeID.
// Called exactly once, per the spec's stale-handle retry policy, when an
// operation fails because the DOM tree was rebuilt since this Element was
// created.
func (e *Element) resolve(ctx context.Context) error {
	params := &dom.PushNodesByBackendIdsToFrontendParams{BackendNodeIDs: []cdp.BackendNodeID{e.backendID}}
	var res dom.PushNodesByBackendIdsToFrontendReturns
	if err := e.tb.Send(ctx, "DOM.pushNodesByBackendIdsToFrontend", params, &res); err != nil {
		return err
	}
	if len(res.NodeIDs) == 0 {
		return zderrors.New(zderrors.KindStaleElement, zderrors.WithMessage("backend node no longer present"))
	}
	e.nodeID = res.NodeIDs[0]
	n, err := describeNode(ctx, e.tb, e.nodeID)
	if err != nil {
		return err
	}
	e.node = n
	return nil
}

// staleNodePhrases are the CDP protocol error messages DOM.* commands return
// when a nodeId no longer resolves in the current document, per spec §4.6.
// Anything else (an invalid attribute value, a detached session, ...) is a
// genuine error and must not be masked as StaleElement.
var staleNodePhrases = []string{
	"no node with given id",
	"could not find node",
	"node with given id does not belong",
}

func isStaleNodeError(err error) bool {
	var zerr *zderrors.Error
	if !errors.As(err, &zerr) || zerr.Kind != zderrors.KindProtocol {
		return false
	}
	msg := strings.ToLower(zerr.Message)
	for _, p := range staleNodePhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// withRetry runs op, and if it fails with one of the CDP "no such node"
// protocol errors, re-resolves the element once from its BackendNodeID and
// retries. A second such failure is reported as zderrors.StaleElement rather
// than retried again, per the spec's single-retry policy. Any other error
// (a genuine protocol error unrelated to node staleness) is returned as-is,
// unretried and unrelabeled.
func (e *Element) withRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if !isStaleNodeError(err) {
		return err
	}
	if resolveErr := e.resolve(ctx); resolveErr != nil {
		return zderrors.New(zderrors.KindStaleElement, zderrors.WithErr(err))
	}
	if err := op(); err != nil {
		if isStaleNodeError(err) {
			return zderrors.New(zderrors.KindStaleElement, zderrors.WithErr(err))
		}
		return err
	}
	return nil
}

// Children returns the element's immediate child elements.
func (e *Element) Children(ctx context.Context) ([]*Element, error) {
	var out []*Element
	err := e.withRetry(ctx, func() error {
		n, err := describeNode(ctx, e.tb, e.nodeID)
		if err != nil {
			return err
		}
		out = make([]*Element, 0, len(n.Children))
		for _, c := range n.Children {
			out = append(out, newElement(e.tb, c))
		}
		return nil
	})
	return out, err
}

// Attr returns the value of attribute name, and whether it was present.
func (e *Element) Attr(ctx context.Context, name string) (string, bool, error) {
	var val string
	var found bool
	err := e.withRetry(ctx, func() error {
		params := &dom.GetAttributesParams{NodeID: e.nodeID}
		var res dom.GetAttributesReturns
		if err := e.tb.Send(ctx, "DOM.getAttributes", params, &res); err != nil {
			return err
		}
		for i := 0; i+1 < len(res.Attributes); i += 2 {
			if res.Attributes[i] == name {
				val, found = res.Attributes[i+1], true
				return nil
			}
		}
		return nil
	})
	return val, found, err
}

// SetAttr sets attribute name to value.
func (e *Element) SetAttr(ctx context.Context, name, value string) error {
	return e.withRetry(ctx, func() error {
		params := &dom.SetAttributeValueParams{NodeID: e.nodeID, Name: name, Value: value}
		return e.tb.Send(ctx, "DOM.setAttributeValue", params, nil)
	})
}

// RemoveAttr removes attribute name, if present.
func (e *Element) RemoveAttr(ctx context.Context, name string) error {
	return e.withRetry(ctx, func() error {
		params := &dom.RemoveAttributeParams{NodeID: e.nodeID, Name: name}
		return e.tb.Send(ctx, "DOM.removeAttribute", params, nil)
	})
}

// Text returns the element's rendered text content.
func (e *Element) Text(ctx context.Context) (string, error) {
	var text string
	err := e.withRetry(ctx, func() error {
		return e.callOn(ctx, `function() { return this.innerText; }`, &text)
	})
	return text, err
}

// MatchesSelector reports whether the element matches sel.
func (e *Element) MatchesSelector(ctx context.Context, sel string) (bool, error) {
	var matches bool
	err := e.withRetry(ctx, func() error {
		expr := fmt.Sprintf(`function() { return this.matches(%q); }`, sel)
		return e.callOn(ctx, expr, &matches)
	})
	return matches, err
}

// ScrollIntoView scrolls the element into the viewport, a supplementary
// operation beyond the distilled spec's Click/Type surface, grounded on the
// teacher's query.go scrollJS snippet.
func (e *Element) ScrollIntoView(ctx context.Context) error {
	return e.withRetry(ctx, func() error {
		params := &dom.ScrollIntoViewIfNeededParams{NodeID: e.nodeID}
		return e.tb.Send(ctx, "DOM.scrollIntoViewIfNeeded", params, nil)
	})
}

// boxModelCenter returns the pixel center of the element's content box, per
// the teacher's query.go Dimensions/MouseActionNode approach.
func (e *Element) boxModelCenter(ctx context.Context) (x, y float64, err error) {
	params := &dom.GetBoxModelParams{NodeID: e.nodeID}
	var res dom.GetBoxModelReturns
	if err := e.tb.Send(ctx, "DOM.getBoxModel", params, &res); err != nil {
		return 0, 0, err
	}
	if res.Model == nil || len(res.Model.Content) < 8 {
		return 0, 0, zderrors.New(zderrors.KindElementNotInteractable, zderrors.WithMessage("no box model"))
	}
	quad := res.Model.Content
	cx := (quad[0] + quad[2] + quad[4] + quad[6]) / 4
	cy := (quad[1] + quad[3] + quad[5] + quad[7]) / 4
	return cx, cy, nil
}

// Click scrolls the element into view and dispatches a synthetic mouse
// click at its center.
func (e *Element) Click(ctx context.Context) error {
	return e.withRetry(ctx, func() error {
		if err := e.scrollIntoViewNoRetry(ctx); err != nil {
			return err
		}
		x, y, err := e.boxModelCenter(ctx)
		if err != nil {
			return err
		}
		return e.tb.DispatchMouseClick(ctx, x, y)
	})
}

func (e *Element) scrollIntoViewNoRetry(ctx context.Context) error {
	params := &dom.ScrollIntoViewIfNeededParams{NodeID: e.nodeID}
	return e.tb.Send(ctx, "DOM.scrollIntoViewIfNeeded", params, nil)
}

// Focus focuses the element.
func (e *Element) Focus(ctx context.Context) error {
	return e.withRetry(ctx, func() error {
		params := &dom.FocusParams{NodeID: e.nodeID}
		return e.tb.Send(ctx, "DOM.focus", params, nil)
	})
}

// Blur removes focus from the element via a JS call, mirroring the
// teacher's Clear/blur helpers in query.go.
func (e *Element) Blur(ctx context.Context) error {
	return e.withRetry(ctx, func() error {
		return e.callOn(ctx, `function() { this.blur(); }`, nil)
	})
}

// Type focuses the element and dispatches one key event per rune of text.
func (e *Element) Type(ctx context.Context, text string) error {
	if err := e.Focus(ctx); err != nil {
		return err
	}
	for _, r := range text {
		if err := e.tb.DispatchKeyEvent(ctx, string(r)); err != nil {
			return err
		}
	}
	return nil
}

// SelectOption sets a <select> element's value and fires a change event.
func (e *Element) SelectOption(ctx context.Context, value string) error {
	return e.withRetry(ctx, func() error {
		expr := fmt.Sprintf(`function() {
			this.value = %q;
			this.dispatchEvent(new Event('change', {bubbles: true}));
		}`, value)
		return e.callOn(ctx, expr, nil)
	})
}

// UploadFile sets the files of a file input to the given local paths via
// DOM.setFileInputFiles, the only CDP-native way to drive a file picker.
func (e *Element) UploadFile(ctx context.Context, paths ...string) error {
	return e.withRetry(ctx, func() error {
		params := &dom.SetFileInputFilesParams{NodeID: e.nodeID, Files: paths}
		return e.tb.Send(ctx, "DOM.setFileInputFiles", params, nil)
	})
}

// Query finds the first descendant of this element matching sel.
func (e *Element) Query(ctx context.Context, sel string) (*Element, error) {
	var out *Element
	err := e.withRetry(ctx, func() error {
		n, err := Query(ctx, e.tb, e.node, sel)
		out = n
		return err
	})
	return out, err
}

// QueryAll finds every descendant of this element matching sel.
func (e *Element) QueryAll(ctx context.Context, sel string) ([]*Element, error) {
	var out []*Element
	err := e.withRetry(ctx, func() error {
		n, err := QueryAll(ctx, e.tb, e.node, sel)
		out = n
		return err
	})
	return out, err
}

// callOn calls fn (a JS function expression) bound to the element as
// `this`, via Runtime.callFunctionOn against the element's remote object,
// the idiom the teacher's call.go uses for DOM node method calls.
func (e *Element) callOn(ctx context.Context, fn string, res interface{}) error {
	objID, err := e.resolveObjectID(ctx)
	if err != nil {
		return err
	}
	return callFunctionOn(ctx, e.tb, objID, fn, res)
}

func (e *Element) resolveObjectID(ctx context.Context) (string, error) {
	params := &dom.ResolveNodeParams{NodeID: e.nodeID}
	var res dom.ResolveNodeReturns
	if err := e.tb.Send(ctx, "DOM.resolveNode", params, &res); err != nil {
		return "", err
	}
	if res.Object == nil || res.Object.ObjectID == "" {
		return "", zderrors.New(zderrors.KindStaleElement, zderrors.WithMessage("object not found"))
	}
	return string(res.Object.ObjectID), nil
}

// Screenshot captures the full page and crops it to this element's box
// model, grounded on the teacher's old-era query.go Screenshot action
// which used the same disintegration/imaging crop step.
func (e *Element) Screenshot(ctx context.Context) ([]byte, error) {
	params := &dom.GetBoxModelParams{NodeID: e.nodeID}
	var box dom.GetBoxModelReturns
	if err := e.tb.Send(ctx, "DOM.getBoxModel", params, &box); err != nil {
		return nil, err
	}
	if box.Model == nil || len(box.Model.Content) < 8 {
		return nil, zderrors.New(zderrors.KindElementNotInteractable, zderrors.WithMessage("no box model"))
	}

	var shot page.CaptureScreenshotReturns
	if err := e.tb.Send(ctx, "Page.captureScreenshot", &page.CaptureScreenshotParams{Format: page.CaptureScreenshotFormatPng}, &shot); err != nil {
		return nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(shot.Data))
	if err != nil {
		return nil, fmt.Errorf("element: decode screenshot: %w", err)
	}

	quad := box.Model.Content
	minX, minY := quad[0], quad[1]
	maxX, maxY := quad[0], quad[1]
	for i := 0; i < len(quad); i += 2 {
		minX, maxX = minF(minX, quad[i]), maxF(maxX, quad[i])
		minY, maxY = minF(minY, quad[i+1]), maxF(maxY, quad[i+1])
	}
	rect := image.Rect(int(minX), int(minY), int(maxX), int(maxY))
	cropped := imaging.Crop(img, rect)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, cropped, imaging.PNG); err != nil {
		return nil, fmt.Errorf("element: encode cropped screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveScreenshot captures Screenshot and writes the PNG bytes to path.
func (e *Element) SaveScreenshot(ctx context.Context, path string) error {
	data, err := e.Screenshot(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
