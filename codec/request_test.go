package codec

import (
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidRueter/Theas/params"
)

func TestEncodeFormBody(t *testing.T) {
	body, err := EncodeRequestBody(Request{
		Form:      []Field{{"_xsrf", "form-token"}, {"note", "a&b"}},
		Params:    map[string]string{params.ErrorMessage: "", "Cust$Name": "Ada Lovelace"},
		Extra:     map[string]any{"filter": map[string]any{"from": 1, "to": 2}},
		Command:   "save",
		LastFetch: "2024-01-01",
		XSRF:      "tok",
	})
	require.NoError(t, err)
	assert.False(t, body.Multipart())
	assert.Equal(t, ContentTypeForm, body.ContentType)
	assert.Equal(t,
		"_xsrf=tok&note=a%26b&theas:Cust:Name=Ada%20Lovelace&theas:th:ErrorMessage="+
			"&filter:from=1&filter:to=2&cmd=save&theas:lastFetch=2024-01-01",
		string(body.Data))
}

func TestEncodeLaterSourcesWin(t *testing.T) {
	fields := CollectFields(Request{
		Form:    []Field{{"theas:a", "form"}, {"cmd", "form"}},
		Params:  map[string]string{"a": "param"},
		Command: "real",
	})
	v, _ := fields.Get("theas:a")
	assert.Equal(t, "param", v)
	v, _ = fields.Get("cmd")
	assert.Equal(t, "real", v)
	assert.Equal(t, 2, fields.Len())
}

func TestEncodeMultipartBody(t *testing.T) {
	body, err := EncodeRequestBody(Request{
		Params:  map[string]string{"a": "1"},
		Command: "upload",
		Files: []FileAttachment{
			{FieldName: "doc", FileName: "a.txt", ContentType: "text/plain", Data: strings.NewReader("hello")},
			{FieldName: "blob", FileName: "b.bin", Data: strings.NewReader("\x00\x01")},
		},
	})
	require.NoError(t, err)
	require.True(t, body.Multipart())

	_, p, err := mime.ParseMediaType(body.ContentType)
	require.NoError(t, err)
	r := multipart.NewReader(body.Reader(), p["boundary"])

	got := map[string]string{}
	files := map[string]string{}
	types := map[string]string{}
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		if part.FileName() != "" {
			files[part.FormName()] = part.FileName() + ":" + string(data)
			types[part.FormName()] = part.Header.Get("Content-Type")
			continue
		}
		got[part.FormName()] = string(data)
	}
	assert.Equal(t, map[string]string{"theas:a": "1", "cmd": "upload"}, got)
	assert.Equal(t, map[string]string{"doc": "a.txt:hello", "blob": "b.bin:\x00\x01"}, files)
	assert.Equal(t, "text/plain", types["doc"])
	assert.Equal(t, "application/octet-stream", types["blob"])
}

func TestEncodeMultipartNeedsFieldName(t *testing.T) {
	_, err := EncodeRequestBody(Request{Files: []FileAttachment{{FileName: "x"}}})
	assert.Error(t, err)
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "a%20b%26c%3Dd%2B", Escape("a b&c=d+"))
	assert.Equal(t, "-_.!~*'()", Escape("-_.!~*'()"))
	assert.Equal(t, "%C3%A9", Escape("é"))
	back, err := Unescape(Escape("é & ü=1+1"))
	require.NoError(t, err)
	assert.Equal(t, "é & ü=1+1", back)
}

func TestFlatten(t *testing.T) {
	data := map[string]any{
		"b":    "x",
		"a":    map[string]any{"z": 1, "y": map[string]any{"k": true}},
		"list": []any{1, "two", 3.5},
		"tags": []string{"p", "q"},
		"none": map[string]any{},
	}
	assert.Equal(t, []Field{
		{"a:y:k", "true"},
		{"a:z", "1"},
		{"b", "x"},
		{"list", "1,two,3.5"},
		{"none", ""},
		{"tags", "p,q"},
	}, Flatten(data))
	assert.Equal(t, "a:y:k=true&a:z=1&b=x&list=1,two,3.5&none=&tags=p,q", FlattenString(data))
}
