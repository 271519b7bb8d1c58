// Package browser – page.go is the DOM capability surface the automation
// agent drives: element lookup, focus/click, text injection, key and paste
// simulation, clipboard access and content extraction. Everything is
// expressed over Runtime.evaluate and the Input domain on the attached page.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"
)

// evalLocked evaluates a JS expression and returns its value as a string.
// MUST be called with m.mu held.
func (m *Manager) evalLocked(expr string) (string, error) {
	result, err := m.sendPageCDP("Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
	})
	if err != nil {
		return "", err
	}
	return decodeEvalValue(result)
}

// eval evaluates a JS expression on the current page.
func (m *Manager) eval(expr string) (string, error) {
	result, err := m.sendCDP("Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
	})
	if err != nil {
		return "", err
	}
	return decodeEvalValue(result)
}

// evalAwait evaluates an async JS expression, resolving its promise.
func (m *Manager) evalAwait(expr string) (string, error) {
	result, err := m.sendCDP("Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return "", err
	}
	return decodeEvalValue(result)
}

func decodeEvalValue(result json.RawMessage) (string, error) {
	var evalResult struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &evalResult); err != nil {
		return "", err
	}
	if evalResult.ExceptionDetails != nil {
		return "", fmt.Errorf("page script threw: %s", evalResult.ExceptionDetails.Text)
	}
	if len(evalResult.Result.Value) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(evalResult.Result.Value, &s); err == nil {
		return s, nil
	}
	return string(evalResult.Result.Value), nil
}

// Navigate opens a URL in the attached page.
func (m *Manager) Navigate(ctx context.Context, url string) error {
	_, err := m.sendCDP("Page.navigate", map[string]any{"url": url})
	if err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	return nil
}

// URL returns the attached page's current location.
func (m *Manager) URL(ctx context.Context) (string, error) {
	return m.eval(`window.location.href`)
}

// Exists reports whether a selector matches any element.
func (m *Manager) Exists(ctx context.Context, selector string) (bool, error) {
	v, err := m.eval(fmt.Sprintf(`document.querySelector(%q) !== null`, selector))
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// Disabled reports whether the first matching element is disabled. A missing
// element counts as disabled.
func (m *Manager) Disabled(ctx context.Context, selector string) (bool, error) {
	js := fmt.Sprintf(`(function() {
		var el = document.querySelector(%q);
		if (!el) return true;
		return el.disabled === true || el.getAttribute('aria-disabled') === 'true';
	})()`, selector)
	v, err := m.eval(js)
	if err != nil {
		return true, err
	}
	return v == "true", nil
}

// Click clicks the first element matching the selector.
func (m *Manager) Click(ctx context.Context, selector string) error {
	js := fmt.Sprintf(`(function() {
		var el = document.querySelector(%q);
		if (!el) return 'not_found';
		el.click();
		return 'ok';
	})()`, selector)
	v, err := m.eval(js)
	if err != nil {
		return err
	}
	if v != "ok" {
		return fmt.Errorf("element not found: %s", selector)
	}
	return nil
}

// Focus focuses the first element matching the selector.
func (m *Manager) Focus(ctx context.Context, selector string) error {
	js := fmt.Sprintf(`(function() {
		var el = document.querySelector(%q);
		if (!el) return 'not_found';
		el.focus();
		return 'ok';
	})()`, selector)
	v, err := m.eval(js)
	if err != nil {
		return err
	}
	if v != "ok" {
		return fmt.Errorf("element not found: %s", selector)
	}
	return nil
}

// Text returns the innerText of the first matching element, or "" when the
// selector matches nothing.
func (m *Manager) Text(ctx context.Context, selector string) (string, error) {
	js := fmt.Sprintf(`(function() {
		var el = document.querySelector(%q);
		return el ? el.innerText : '';
	})()`, selector)
	return m.eval(js)
}

// HTML returns the innerHTML of the first matching element, or "" when the
// selector matches nothing.
func (m *Manager) HTML(ctx context.Context, selector string) (string, error) {
	js := fmt.Sprintf(`(function() {
		var el = document.querySelector(%q);
		return el ? el.innerHTML : '';
	})()`, selector)
	return m.eval(js)
}

// TextOfLast returns innerText and innerHTML of the last element matching the
// selector. The watch loop reads the newest assistant message this way.
func (m *Manager) TextOfLast(ctx context.Context, selector string) (text, html string, err error) {
	js := fmt.Sprintf(`(function() {
		var els = document.querySelectorAll(%q);
		if (els.length === 0) return JSON.stringify({text: '', html: ''});
		var el = els[els.length - 1];
		return JSON.stringify({text: el.innerText, html: el.innerHTML});
	})()`, selector)
	v, err := m.eval(js)
	if err != nil {
		return "", "", err
	}
	var out struct {
		Text string `json:"text"`
		HTML string `json:"html"`
	}
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return "", "", fmt.Errorf("extract last element: %w", err)
	}
	return out.Text, out.HTML, nil
}

// ClickByText clicks the first element matching the selector whose visible
// text contains the given substring.
func (m *Manager) ClickByText(ctx context.Context, selector, substring string) error {
	js := fmt.Sprintf(`(function() {
		var els = document.querySelectorAll(%q);
		for (var i = 0; i < els.length; i++) {
			if ((els[i].innerText || '').indexOf(%q) !== -1) {
				els[i].click();
				return 'ok';
			}
		}
		return 'not_found';
	})()`, selector, substring)
	v, err := m.eval(js)
	if err != nil {
		return err
	}
	if v != "ok" {
		return fmt.Errorf("no element matching %s contains %q", selector, substring)
	}
	return nil
}

// SelectAllAndDelete clears the focused editable element with the platform
// select-all chord followed by Delete.
func (m *Manager) SelectAllAndDelete(ctx context.Context) error {
	if err := m.pressChord("a", modKey()); err != nil {
		return err
	}
	return m.pressKey("Delete", 0, "")
}

// InsertText inserts text at the current caret position through the editing
// pipeline (equivalent of the insertText edit command).
func (m *Manager) InsertText(ctx context.Context, text string) error {
	_, err := m.sendCDP("Input.insertText", map[string]any{"text": text})
	return err
}

// SetContent replaces the element's content with pre-escaped HTML and fires
// synthetic input/change events so framework state picks up the edit.
func (m *Manager) SetContent(ctx context.Context, selector, html string) error {
	js := fmt.Sprintf(`(function() {
		var el = document.querySelector(%q);
		if (!el) return 'not_found';
		el.innerHTML = %q;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return 'ok';
	})()`, selector, html)
	v, err := m.eval(js)
	if err != nil {
		return err
	}
	if v != "ok" {
		return fmt.Errorf("element not found: %s", selector)
	}
	return nil
}

// WriteClipboard writes text to the system clipboard via the page context.
func (m *Manager) WriteClipboard(ctx context.Context, text string) error {
	js := fmt.Sprintf(`navigator.clipboard.writeText(%q).then(() => 'ok')`, text)
	v, err := m.evalAwait(js)
	if err != nil {
		return err
	}
	if v != "ok" {
		return fmt.Errorf("clipboard write rejected")
	}
	return nil
}

// ReadClipboard reads text from the system clipboard via the page context.
func (m *Manager) ReadClipboard(ctx context.Context) (string, error) {
	return m.evalAwait(`navigator.clipboard.readText()`)
}

// PressEnter sends an Enter keystroke to the focused element.
func (m *Manager) PressEnter(ctx context.Context) error {
	return m.pressKey("Enter", 13, "\r")
}

// PressEscape sends an Escape keystroke, used to dismiss open menus.
func (m *Manager) PressEscape(ctx context.Context) error {
	return m.pressKey("Escape", 27, "")
}

// PasteKeystroke sends the platform paste chord plus an explicit paste event
// carrying the clipboard text. Some editors only honor one of the two.
func (m *Manager) PasteKeystroke(ctx context.Context, selector, text string) error {
	if err := m.pressChord("v", modKey()); err != nil {
		return err
	}
	js := fmt.Sprintf(`(function() {
		var el = document.querySelector(%q);
		if (!el) return 'not_found';
		var dt = new DataTransfer();
		dt.setData('text/plain', %q);
		el.dispatchEvent(new ClipboardEvent('paste', { clipboardData: dt, bubbles: true, cancelable: true }));
		return 'ok';
	})()`, selector, text)
	_, err := m.eval(js)
	return err
}

// modKey returns the CDP modifier bitmask for the platform command key:
// Meta (4) on macOS, Ctrl (2) elsewhere.
func modKey() int {
	if runtime.GOOS == "darwin" {
		return 4
	}
	return 2
}

// pressChord sends modifier+key down/up.
func (m *Manager) pressChord(key string, modifiers int) error {
	for _, typ := range []string{"keyDown", "keyUp"} {
		_, err := m.sendCDP("Input.dispatchKeyEvent", map[string]any{
			"type":      typ,
			"modifiers": modifiers,
			"key":       key,
			"text":      key,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// pressKey sends a named key down/up with optional text.
func (m *Manager) pressKey(key string, keyCode int, text string) error {
	for _, typ := range []string{"keyDown", "keyUp"} {
		params := map[string]any{
			"type": typ,
			"key":  key,
		}
		if keyCode != 0 {
			params["windowsVirtualKeyCode"] = keyCode
			params["nativeVirtualKeyCode"] = keyCode
		}
		if text != "" && typ == "keyDown" {
			params["text"] = text
		}
		if _, err := m.sendCDP("Input.dispatchKeyEvent", params); err != nil {
			return err
		}
	}
	return nil
}
