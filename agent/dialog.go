package agent

import (
	"sync"

	"github.com/DavidRueter/Theas/modal"
)

// HubDialog is the dialog as seen by UI peers: every change is broadcast as a modal
// message. A mirror dialog, such as a terminal one, receives the same calls.
type HubDialog struct {
	mu      sync.Mutex
	hub     *Hub
	mirror  modal.Dialog
	content modal.Content
	open    bool
	depth   func() int
}

// NewHubDialog returns a hidden dialog with resting content. mirror may be nil.
func NewHubDialog(hub *Hub, mirror modal.Dialog, resting modal.Content) *HubDialog {
	return &HubDialog{hub: hub, mirror: mirror, content: resting}
}

func (d *HubDialog) Content() modal.Content {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

func (d *HubDialog) Apply(c modal.Content) {
	d.mu.Lock()
	d.content = c
	d.mu.Unlock()
	if d.mirror != nil {
		d.mirror.Apply(c)
	}
	d.publish()
}

func (d *HubDialog) Open() {
	d.mu.Lock()
	d.open = true
	d.mu.Unlock()
	if d.mirror != nil {
		d.mirror.Open()
	}
	d.publish()
}

func (d *HubDialog) Hide() {
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
	if d.mirror != nil {
		d.mirror.Hide()
	}
	d.publish()
}

// ActiveElement is always nil; focus lives in the peers.
func (d *HubDialog) ActiveElement() modal.Focusable { return nil }

// State returns what peers are currently shown.
func (d *HubDialog) State() ModalState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := ModalState{
		Open:    d.open,
		Title:   d.content.Title,
		Body:    d.content.Body,
		Buttons: d.content.Buttons,
	}
	if d.depth != nil {
		s.Depth = d.depth()
	}
	return s
}

func (d *HubDialog) publish() {
	state := d.State()
	d.hub.Broadcast(Message{Type: TypeModal, Modal: &state})
}
