// Package modal manages the single shared dialog used for errors and notices.
//
// One dialog instance serves every caller. Each Show pushes a frame holding the
// caller's content and close behaviour; each close pops it and restores the frame
// below, so nested dialogs give the screen back to whoever opened the outer one.
// Frame 0 is the dialog's resting content and is never popped.
package modal

import (
	"log/slog"
	"sync"
)

// CloseReason tells why the dialog was closed.
type CloseReason int

const (
	CloseOK CloseReason = iota
	CloseCancel
	CloseHeader
	CloseBackdrop
	CloseEscape
	CloseProgrammatic
)

// IsCancel reports whether the user dismissed the dialog rather than accepting it.
func (r CloseReason) IsCancel() bool {
	switch r {
	case CloseCancel, CloseHeader, CloseBackdrop, CloseEscape:
		return true
	}
	return false
}

func (r CloseReason) String() string {
	switch r {
	case CloseOK:
		return "ok"
	case CloseCancel:
		return "cancel"
	case CloseHeader:
		return "headerclose"
	case CloseBackdrop:
		return "backdrop"
	case CloseEscape:
		return "esc"
	case CloseProgrammatic:
		return "programmatic"
	}
	return "unknown"
}

// ParseCloseReason maps a toolkit trigger name to a CloseReason. Unknown names are
// treated as programmatic closes.
func ParseCloseReason(s string) CloseReason {
	switch s {
	case "ok":
		return CloseOK
	case "cancel":
		return CloseCancel
	case "headerclose":
		return CloseHeader
	case "backdrop":
		return CloseBackdrop
	case "esc":
		return CloseEscape
	}
	return CloseProgrammatic
}

// Content is what the dialog displays.
type Content struct {
	Body    string
	Title   string
	Buttons string
}

// Focusable is an element that can take focus back when the dialog closes.
type Focusable interface {
	Focus()
}

// Dialog is the UI binding for the one dialog widget.
type Dialog interface {
	// Content returns what the dialog currently shows.
	Content() Content
	Apply(Content)
	Open()
	Hide()
	// ActiveElement returns the element focused before the dialog opens, or nil.
	ActiveElement() Focusable
}

// History navigates the browser history.
type History interface {
	Back()
}

// Frame is one saved state of the dialog.
type Frame struct {
	Content
	OnClose           func(CloseReason)
	GoBackOnClose     bool
	SkipDefaultClose  bool
	PreviouslyFocused Focusable

	id uint64
}

// Stack owns the dialog and its frames.
type Stack struct {
	mu        sync.Mutex
	newDialog func() Dialog
	history   History
	logger    *slog.Logger

	dialog Dialog
	frames []Frame
	nextID uint64
}

// NewStack returns a stack that creates its dialog with newDialog on first use.
// history may be nil, in which case GoBackOnClose only hides the dialog.
func NewStack(newDialog func() Dialog, history History, logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{newDialog: newDialog, history: history, logger: logger}
}

// Show pushes f and opens the dialog with its content.
func (s *Stack) Show(f Frame) {
	s.mu.Lock()
	if s.dialog == nil {
		s.dialog = s.newDialog()
		s.frames = []Frame{{Content: s.dialog.Content(), id: s.nextID}}
		s.nextID++
	}
	d := s.dialog
	if f.PreviouslyFocused == nil {
		f.PreviouslyFocused = d.ActiveElement()
	}
	f.id = s.nextID
	s.nextID++
	s.frames = append(s.frames, f)
	depth := len(s.frames)
	s.mu.Unlock()

	s.logger.Debug("modal show", "title", f.Title, "depth", depth)
	d.Apply(f.Content)
	d.Open()
}

// Closed handles the dialog's close event.
func (s *Stack) Closed(reason CloseReason) {
	s.mu.Lock()
	if len(s.frames) == 0 {
		s.mu.Unlock()
		return
	}
	top := s.frames[len(s.frames)-1]
	d := s.dialog
	s.mu.Unlock()

	if !reason.IsCancel() && top.OnClose != nil {
		top.OnClose(reason)
	}

	if !top.SkipDefaultClose {
		d.Hide()
		if top.GoBackOnClose && s.history != nil {
			s.history.Back()
		} else if top.PreviouslyFocused != nil {
			top.PreviouslyFocused.Focus()
		}
	}

	s.mu.Lock()
	if len(s.frames) > 1 {
		for i := len(s.frames) - 1; i > 0; i-- {
			if s.frames[i].id == top.id {
				s.frames = append(s.frames[:i], s.frames[i+1:]...)
				break
			}
		}
	}
	current := s.frames[len(s.frames)-1]
	depth := len(s.frames)
	s.mu.Unlock()

	s.logger.Debug("modal closed", "reason", reason.String(), "depth", depth)
	d.Apply(current.Content)
}

// Depth returns the number of frames, including the resting frame. It is 0 until the
// first Show.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Top returns the frame currently applied to the dialog.
func (s *Stack) Top() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return Frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

// Dialog returns the dialog, or nil before the first Show.
func (s *Stack) Dialog() Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialog
}
