package llm

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// ContentType discriminates the Content variants on the wire.
type ContentType string

const (
	ContentText        ContentType = "text"
	ContentImage       ContentType = "image"
	ContentToolRequest ContentType = "tool_request"
	ContentToolResult  ContentType = "tool_result"
)

// Content is one block of a turn. The set of variants is closed: Text,
// Image, ToolRequest and ToolResult.
type Content interface {
	Type() ContentType
	Validate() error
	isContent()
}

// Text is a plain text block.
type Text struct {
	Value string `json:"text"`
}

func (Text) Type() ContentType { return ContentText }
func (Text) Validate() error   { return nil }
func (Text) isContent()        {}

// ImageEncoding tells whether an image is referenced remotely or carried inline.
type ImageEncoding string

const (
	ImageRemote ImageEncoding = "remote"
	ImageInline ImageEncoding = "inline"
)

// ImageDetail is the resolution hint passed to providers that understand one.
type ImageDetail string

const (
	DetailAuto    ImageDetail = "auto"
	DetailLow     ImageDetail = "low"
	DetailHigh    ImageDetail = "high"
	DetailUnknown ImageDetail = "unknown"
)

// ParseImageDetail maps a raw detail string onto the canonical set.
// Empty input means auto; anything unrecognized maps to DetailUnknown.
func ParseImageDetail(s string) ImageDetail {
	switch strings.ToLower(s) {
	case "", "auto":
		return DetailAuto
	case "low":
		return DetailLow
	case "high":
		return DetailHigh
	default:
		return DetailUnknown
	}
}

// Image is either a remote URL, a local file loaded on export, or inline
// base64 data. Exactly one of URL, Path and Data is set.
type Image struct {
	URL       string        `json:"url,omitempty"`
	Path      string        `json:"path,omitempty"`
	Encoding  ImageEncoding `json:"encoding"`
	MediaType string        `json:"media_type,omitempty"`
	Data      string        `json:"data,omitempty"`
	Detail    ImageDetail   `json:"detail,omitempty"`
}

func (Image) Type() ContentType { return ContentImage }
func (Image) isContent()        {}

// Validate checks that the image names exactly one source.
func (i Image) Validate() error {
	n := 0
	for _, s := range []string{i.URL, i.Path, i.Data} {
		if s != "" {
			n++
		}
	}
	if n != 1 {
		return errors.New("image: exactly one of url or path must be supplied")
	}
	if i.Data != "" && i.MediaType == "" {
		return errors.New("image: inline data requires a media type")
	}
	return nil
}

// NewImageURL builds an image from an http(s) URL or a base64 data URL.
// Data URLs are decoded into inline images.
func NewImageURL(url string, detail ImageDetail) (Image, error) {
	if detail == "" {
		detail = DetailAuto
	}
	if strings.HasPrefix(url, "data:") {
		mediaType, data, err := parseDataURL(url)
		if err != nil {
			return Image{}, err
		}
		return Image{Encoding: ImageInline, MediaType: mediaType, Data: data, Detail: detail}, nil
	}
	if url == "" {
		return Image{}, errors.New("image: empty url")
	}
	return Image{URL: url, Encoding: ImageRemote, Detail: detail}, nil
}

// NewImagePath references a local image file. The file is read when the
// image is exported to a provider.
func NewImagePath(path string, detail ImageDetail) (Image, error) {
	if path == "" {
		return Image{}, errors.New("image: empty path")
	}
	if detail == "" {
		detail = DetailAuto
	}
	return Image{Path: path, Encoding: ImageInline, Detail: detail}, nil
}

// parseDataURL accepts only data:<media type>;base64,<payload>.
func parseDataURL(url string) (mediaType, data string, err error) {
	rest := strings.TrimPrefix(url, "data:")
	header, payload, ok := strings.Cut(rest, ",")
	if !ok || payload == "" {
		return "", "", fmt.Errorf("image: invalid data url %q", truncate(url, 32))
	}
	mediaType, enc, ok := strings.Cut(header, ";")
	if !ok || enc != "base64" || mediaType == "" || strings.Contains(mediaType, ";") {
		return "", "", fmt.Errorf("image: invalid data url %q", truncate(url, 32))
	}
	return mediaType, payload, nil
}

// Inline returns the image with its bytes loaded: path-based images are read
// from disk, everything else is returned unchanged.
func (i Image) Inline() (Image, error) {
	if i.Path == "" {
		return i, nil
	}
	raw, err := os.ReadFile(i.Path)
	if err != nil {
		return Image{}, fmt.Errorf("reading image %s: %w", i.Path, err)
	}
	mediaType := i.MediaType
	if mediaType == "" {
		mediaType = http.DetectContentType(raw)
	}
	return Image{
		Encoding:  ImageInline,
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(raw),
		Detail:    i.Detail,
	}, nil
}

// DataURL renders an inline image as a data URL. Remote images return their URL.
func (i Image) DataURL() (string, error) {
	img, err := i.Inline()
	if err != nil {
		return "", err
	}
	if img.URL != "" {
		return img.URL, nil
	}
	return "data:" + img.MediaType + ";base64," + img.Data, nil
}

// ToolRequest is a model's request to invoke a tool.
type ToolRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// NewToolRequest builds a request with nil arguments normalized to an empty object.
func NewToolRequest(id, name string, args map[string]any) ToolRequest {
	if args == nil {
		args = map[string]any{}
	}
	return ToolRequest{ID: id, Name: name, Arguments: args}
}

func (ToolRequest) Type() ContentType { return ContentToolRequest }
func (ToolRequest) isContent()        {}

func (r ToolRequest) Validate() error {
	if r.ID == "" {
		return errors.New("tool request: missing id")
	}
	if r.Name == "" {
		return errors.New("tool request: missing name")
	}
	return nil
}

// ParseArguments decodes a raw argument string, which must hold a JSON object.
// Empty input yields an empty object.
func ParseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be a JSON object, got %T", v)
	}
	return obj, nil
}

// ToolResult answers a ToolRequest. A non-empty Error marks a failed call.
type ToolResult struct {
	RequestID string `json:"request_id"`
	Value     any    `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (ToolResult) Type() ContentType { return ContentToolResult }
func (ToolResult) isContent()        {}

func (r ToolResult) Validate() error {
	if r.RequestID == "" {
		return errors.New("tool result: missing request id")
	}
	return nil
}

// IsError reports whether the result carries a tool failure.
func (r ToolResult) IsError() bool { return r.Error != "" }

// Text renders the result for providers that only accept strings.
func (r ToolResult) Text() string {
	if r.IsError() {
		return fmt.Sprintf("Tool calling failed with error: '%s'", r.Error)
	}
	switch v := r.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

type contentEnvelope struct {
	Type ContentType `json:"type"`
}

// MarshalContent encodes a block with its "type" discriminator.
func MarshalContent(c Content) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(c.Type())
	if err != nil {
		return nil, err
	}
	if string(body) == "{}" {
		return []byte(`{"type":` + string(tag) + `}`), nil
	}
	return append([]byte(`{"type":`+string(tag)+`,`), body[1:]...), nil
}

// UnmarshalContent decodes a block, dispatching on its "type" field.
func UnmarshalContent(data []byte) (Content, error) {
	var env contentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var c Content
	switch env.Type {
	case ContentText:
		var v Text
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		c = v
	case ContentImage:
		var v Image
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		c = v
	case ContentToolRequest:
		var v ToolRequest
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		c = NewToolRequest(v.ID, v.Name, v.Arguments)
	case ContentToolResult:
		var v ToolResult
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		c = v
	default:
		return nil, fmt.Errorf("unknown content type %q", env.Type)
	}
	return c, c.Validate()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
