package protocol

import "fmt"

// PreviewResult is the worker's answer to regexrailroad and regextext.
// A non-empty Error means the worker rejected the input even though the
// call itself succeeded.
type PreviewResult struct {
	Text   []string `json:"text"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Error  string   `json:"error,omitempty"`
}

// DecodePreviewResult converts a decoded response result into a
// PreviewResult. Missing width/height default to the text's extent.
func DecodePreviewResult(v any) (*PreviewResult, error) {
	m, ok := AsMap(v)
	if !ok {
		return nil, fmt.Errorf("%w: preview result is %T, not a map", ErrInvalidMessage, v)
	}

	var res PreviewResult

	if errValue, ok := m["error"]; ok && errValue != nil {
		s, ok := AsString(errValue)
		if !ok {
			s = fmt.Sprint(errValue)
		}
		res.Error = s
	}

	switch text := m["text"].(type) {
	case nil:
	case []any:
		res.Text = make([]string, 0, len(text))
		for i, line := range text {
			s, ok := AsString(line)
			if !ok {
				return nil, fmt.Errorf("%w: text[%d] is %T", ErrInvalidMessage, i, line)
			}
			res.Text = append(res.Text, s)
		}
	default:
		s, ok := AsString(text)
		if !ok {
			return nil, fmt.Errorf("%w: text is %T", ErrInvalidMessage, text)
		}
		res.Text = []string{s}
	}

	if res.Error == "" && len(res.Text) == 0 {
		return nil, fmt.Errorf("%w: preview result has neither text nor error", ErrInvalidMessage)
	}

	if n, ok := AsInt(m["width"]); ok {
		res.Width = int(n)
	}
	if n, ok := AsInt(m["height"]); ok {
		res.Height = int(n)
	}
	if res.Height <= 0 {
		res.Height = len(res.Text)
	}
	if res.Width <= 0 {
		for _, line := range res.Text {
			res.Width = max(res.Width, len([]rune(line)))
		}
	}

	return &res, nil
}
