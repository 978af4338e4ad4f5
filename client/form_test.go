package client

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidRueter/Theas/codec"
	"github.com/DavidRueter/Theas/params"
)

type loginForm struct {
	user string
}

func (f loginForm) Fields() []codec.Field {
	return []codec.Field{{Name: "user", Value: f.user}}
}

func (f loginForm) Validate() error {
	if f.user == "" {
		return errors.New("user is required")
	}
	return nil
}

func TestSubmitForm(t *testing.T) {
	tr := &fakeTransport{reply: func(context.Context, sentRequest) (string, error) {
		return "theas:th:NextPage=home", nil
	}}
	nav := &fakeNavigator{}
	s := newTestSession(tr, WithNavigator(nav))
	s.Params().Set("Login$Password", "hunter2")

	call, err := s.SubmitForm(context.Background(), loginForm{user: "ann"}, SubmitConfig{Command: "login"})
	require.NoError(t, err)
	assert.Equal(t, "", s.Params().Get("Login$Password"))

	res := wait(t, call)
	require.True(t, res.OK(), "err: %v", res.Err)

	reqs := tr.requests()
	require.Len(t, reqs, 1)
	f := reqs[0].Fields
	assert.Equal(t, "/", reqs[0].Target)
	assert.Equal(t, "ann", f["user"])
	assert.Equal(t, "1", f["theas:th:PerformUpdate"])
	assert.Equal(t, "hunter2", f["theas:Login:Password"])
	assert.Equal(t, "login", f["cmd"])
	assert.Eventually(t, func() bool { return nav.last() == "/home" }, time.Second, 5*time.Millisecond)
}

func TestSubmitFormFallsBackToOnSuccessURL(t *testing.T) {
	nav := &fakeNavigator{}
	s := newTestSession(&fakeTransport{}, WithNavigator(nav))

	call, err := s.SubmitForm(context.Background(), StaticForm{}, SubmitConfig{OnSuccessURL: "done"})
	require.NoError(t, err)
	wait(t, call)
	assert.Eventually(t, func() bool { return nav.last() == "/done" }, time.Second, 5*time.Millisecond)
}

func TestSubmitFormOnlyOnce(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTransport{reply: func(context.Context, sentRequest) (string, error) {
		<-release
		return "", nil
	}}
	s := newTestSession(tr)

	first, err := s.SubmitForm(context.Background(), StaticForm{}, SubmitConfig{})
	require.NoError(t, err)

	_, err = s.SubmitForm(context.Background(), StaticForm{}, SubmitConfig{})
	assert.ErrorIs(t, err, ErrAlreadySubmitted)

	close(release)
	wait(t, first)

	again, err := s.SubmitForm(context.Background(), StaticForm{}, SubmitConfig{})
	require.NoError(t, err)
	wait(t, again)
}

func TestSubmitFormReleasesAfterFailure(t *testing.T) {
	tr := &fakeTransport{reply: func(context.Context, sentRequest) (string, error) {
		return "", errors.New("connection reset")
	}}
	s := newTestSession(tr)

	call, err := s.SubmitForm(context.Background(), StaticForm{}, SubmitConfig{})
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, call).Err, ErrTransportFailure)

	_, err = s.SubmitForm(context.Background(), StaticForm{}, SubmitConfig{})
	assert.NoError(t, err)
}

func TestSubmitFormValidation(t *testing.T) {
	tr := &fakeTransport{}
	stack := newTestStack()
	s := newTestSession(tr, WithModal(stack))

	call, err := s.SubmitForm(context.Background(), loginForm{}, SubmitConfig{})
	assert.Nil(t, call)
	assert.ErrorIs(t, err, ErrValidationFailure)
	assert.Equal(t, "Invalid Input", s.LastError().Title)
	assert.Equal(t, 2, stack.Depth())
	assert.Empty(t, tr.requests())

	call, err = s.SubmitForm(context.Background(), loginForm{user: "ann"}, SubmitConfig{})
	require.NoError(t, err)
	wait(t, call)
}

func TestSubmitFormWithFiles(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr)

	call, err := s.SubmitForm(context.Background(), StaticForm{{Name: "title", Value: "report"}}, SubmitConfig{
		URL: "upload",
		Files: []codec.FileAttachment{{
			FieldName: "file", FileName: "a.txt", ContentType: "text/plain",
			Data: strings.NewReader("hello"),
		}},
	})
	require.NoError(t, err)
	wait(t, call)

	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Multipart)
	assert.Equal(t, "upload", reqs[0].Target)
	assert.Equal(t, "report", reqs[0].Fields["title"])
	assert.Equal(t, "1", reqs[0].Fields[params.Wire(params.PerformUpdate)])
}

func TestPagePath(t *testing.T) {
	assert.Equal(t, "/home", pagePath("home"))
	assert.Equal(t, "/home", pagePath("/home"))
	assert.Equal(t, "https://example.com/x", pagePath("https://example.com/x"))
	assert.Equal(t, "", pagePath(""))
}
