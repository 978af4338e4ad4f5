package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidRueter/Theas/params"
)

func TestParseErrorDescriptor(t *testing.T) {
	tests := []struct {
		raw  string
		want ErrorDescriptor
	}{
		{"", ErrorDescriptor{}},
		{"Oops", ErrorDescriptor{TechnicalMessage: "Oops", Title: "Error"}},
		{"Tech|Friendly|true|", ErrorDescriptor{TechnicalMessage: "Tech", FriendlyMessage: "Friendly", ShowTechnical: true, Title: "Error"}},
		{"Tech|Friendly|true|Title", ErrorDescriptor{TechnicalMessage: "Tech", FriendlyMessage: "Friendly", ShowTechnical: true, Title: "Title"}},
		{"Tech|Friendly|0|Title", ErrorDescriptor{TechnicalMessage: "Tech", FriendlyMessage: "Friendly", Title: "Title"}},
		{"Tech|Friendly|yes|Title", ErrorDescriptor{TechnicalMessage: "Tech", FriendlyMessage: "Friendly", ShowTechnical: true, Title: "Title"}},
		{"Tech|Friendly||Title", ErrorDescriptor{TechnicalMessage: "Tech", FriendlyMessage: "Friendly", Title: "Title"}},
		{"a|b|false|c|d", ErrorDescriptor{TechnicalMessage: "a", FriendlyMessage: "b", Title: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ParseErrorDescriptor(tt.raw)
			tt.want.Raw = tt.raw
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatErrorRoundTrip(t *testing.T) {
	raw := FormatError("a|b", "friendly", true, "Title")
	d := ParseErrorDescriptor(raw)
	assert.Equal(t, "a/b", d.TechnicalMessage)
	assert.Equal(t, "friendly", d.FriendlyMessage)
	assert.True(t, d.ShowTechnical)
	assert.Equal(t, "Title", d.Title)
}

func TestErrorDescriptorFrame(t *testing.T) {
	f := ParseErrorDescriptor("db timeout|Try again later|true").Frame()
	assert.Equal(t, "Error", f.Title)
	assert.Equal(t, "Try again later\n\ndb timeout", f.Body)

	f = ParseErrorDescriptor("db timeout|Try again later|false|Busy").Frame()
	assert.Equal(t, "Busy", f.Title)
	assert.Equal(t, "Try again later", f.Body)

	assert.Equal(t, "bare", ParseErrorDescriptor("bare").Message())
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("wrapped: %w", newError(KindTransportFailure, "", cause))

	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.NotErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindTransportFailure, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(cause))
	assert.Equal(t, "theas: transport failure: dial tcp: refused", newError(KindTransportFailure, "", cause).Error())
}

func TestHaveErrorIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr)
	s.Params().Set(params.ErrorMessage, "T|F|false|X")

	assert.True(t, s.HaveError(false))
	assert.False(t, s.HaveError(false))
	assert.Equal(t, "", s.Params().Get(params.ErrorMessage))
	assert.Equal(t, "X", s.LastError().Title)

	assert.Eventually(t, func() bool { return tr.count(params.CmdClearError) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.count(params.CmdClearError))
}

func TestHaveErrorEmptyChannel(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr)

	assert.False(t, s.HaveError(true))
	assert.True(t, s.LastError().IsZero())
	assert.Empty(t, tr.requests())
}

func TestRaiseErrorShowsDialog(t *testing.T) {
	stack := newTestStack()
	s := newTestSession(&fakeTransport{}, WithModal(stack))

	require.True(t, s.RaiseError("boom|Something went wrong|false|Oh no"))
	top, ok := stack.Top()
	require.True(t, ok)
	assert.Equal(t, "Oh no", top.Title)
	assert.Equal(t, "Something went wrong", top.Body)
}

func TestClearError(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr)
	s.RaiseError("x|y")
	require.False(t, s.LastError().IsZero())

	res := wait(t, s.ClearError(context.Background(), nil))
	assert.True(t, res.OK())
	assert.True(t, s.LastError().IsZero())
}
