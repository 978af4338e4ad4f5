package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidRueter/Theas/modal"
)

type recordingDialog struct {
	content modal.Content
	open    bool
}

func (d *recordingDialog) Content() modal.Content { return d.content }
func (d *recordingDialog) Apply(c modal.Content) { d.content = c }
func (d *recordingDialog) Open() { d.open = true }
func (d *recordingDialog) Hide() { d.open = false }
func (d *recordingDialog) ActiveElement() modal.Focusable { return nil }

func TestHubDialogPublishes(t *testing.T) {
	hub := NewHub(nil, nil, 10, 10, nil)
	mirror := &recordingDialog{}
	d := NewHubDialog(hub, mirror, modal.Content{Title: "Idle"})
	stack := modal.NewStack(func() modal.Dialog { return d }, nil, nil)
	d.depth = stack.Depth

	stack.Show(modal.Frame{Content: modal.Content{Title: "Saved", Body: "Order saved", Buttons: "OK"}})

	state := d.State()
	assert.True(t, state.Open)
	assert.Equal(t, "Saved", state.Title)
	assert.Equal(t, 2, state.Depth)
	assert.True(t, mirror.open)
	assert.Equal(t, "Order saved", mirror.content.Body)

	stack.Closed(modal.CloseOK)
	state = d.State()
	assert.False(t, state.Open)
	assert.Equal(t, "Idle", state.Title)
	assert.Equal(t, 1, state.Depth)

	// Apply, Open, Hide, Apply were each broadcast.
	require.Len(t, hub.broadcast, 4)
	var last Message
	for range 4 {
		require.NoError(t, json.Unmarshal(<-hub.broadcast, &last))
	}
	assert.Equal(t, TypeModal, last.Type)
	require.NotNil(t, last.Modal)
	assert.Equal(t, "Idle", last.Modal.Title)
}
