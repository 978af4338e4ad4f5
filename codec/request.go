package codec

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/textproto"
	"slices"
	"strings"

	"github.com/DavidRueter/Theas/params"
)

// Content types of request bodies.
const (
	ContentTypeForm = "application/x-www-form-urlencoded; charset=UTF-8"
)

// FileAttachment is one binary part of a multipart request.
type FileAttachment struct {
	FieldName   string
	FileName    string
	ContentType string
	Data        io.Reader
}

// Request holds everything that goes into one request body.
type Request struct {
	// Form is the current state of the page form, in document order.
	Form []Field
	// Params holds Theas parameters keyed canonically; they are re-prefixed on the wire.
	Params map[string]string
	// Extra is caller data; nested maps are flattened.
	Extra     map[string]any
	Command   string
	LastFetch string
	XSRF      string
	Files     []FileAttachment
}

// Body is an encoded request body.
type Body struct {
	ContentType string
	Data        []byte
	Fields      []Field
}

// Len returns the body size in bytes.
func (b *Body) Len() int64 { return int64(len(b.Data)) }

// Reader returns a fresh reader over the body.
func (b *Body) Reader() io.Reader { return bytes.NewReader(b.Data) }

// Multipart reports whether the body is multipart/form-data.
func (b *Body) Multipart() bool {
	return strings.HasPrefix(b.ContentType, "multipart/")
}

// CollectFields applies req to an ordered field set. Later sources replace earlier
// ones: form, params, extra data, cmd, lastFetch, _xsrf.
func CollectFields(req Request) *Fields {
	var f Fields
	for _, fd := range req.Form {
		if fd.Name == "" {
			continue
		}
		f.Set(fd.Name, fd.Value)
	}
	for _, k := range slices.Sorted(maps.Keys(req.Params)) {
		f.Set(params.Wire(k), req.Params[k])
	}
	for _, fd := range Flatten(req.Extra) {
		f.Set(fd.Name, fd.Value)
	}
	if req.Command != "" {
		f.Set("cmd", req.Command)
	}
	if req.LastFetch != "" {
		f.Set(params.Wire(params.LastFetch), req.LastFetch)
	}
	if req.XSRF != "" {
		f.Set("_xsrf", req.XSRF)
	}
	return &f
}

// EncodeRequestBody builds the body for req: URL-encoded without files, multipart
// with one part per file otherwise.
func EncodeRequestBody(req Request) (*Body, error) {
	fields := CollectFields(req)
	if len(req.Files) == 0 {
		return EncodeForm(fields.List()), nil
	}
	return EncodeMultipart(fields.List(), req.Files)
}

// EncodeForm URL-encodes fields.
func EncodeForm(fields []Field) *Body {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, escapeName(f.Name)+"="+Escape(f.Value))
	}
	return &Body{
		ContentType: ContentTypeForm,
		Data:        []byte(strings.Join(parts, PairDelim)),
		Fields:      fields,
	}
}

// EncodeMultipart writes fields followed by files as multipart/form-data.
func EncodeMultipart(fields []Field, files []FileAttachment) (*Body, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, fmt.Errorf("write field %s: %w", f.Name, err)
		}
	}
	for _, file := range files {
		if file.FieldName == "" {
			return nil, fmt.Errorf("file %q has no field name", file.FileName)
		}
		part, err := createFilePart(w, file)
		if err != nil {
			return nil, fmt.Errorf("create part %s: %w", file.FieldName, err)
		}
		if file.Data != nil {
			if _, err := io.Copy(part, file.Data); err != nil {
				return nil, fmt.Errorf("copy %s: %w", file.FileName, err)
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return &Body{
		ContentType: w.FormDataContentType(),
		Data:        buf.Bytes(),
		Fields:      fields,
	}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func createFilePart(w *multipart.Writer, file FileAttachment) (io.Writer, error) {
	if file.ContentType == "" {
		return w.CreateFormFile(file.FieldName, file.FileName)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(file.FieldName), quoteEscaper.Replace(file.FileName)))
	h.Set("Content-Type", file.ContentType)
	return w.CreatePart(h)
}
