package client

import (
	"context"

	"github.com/DavidRueter/Theas/params"
)

// RaiseError writes msg to the error channel and surfaces it in the dialog.
func (s *Session) RaiseError(msg string) bool {
	s.params.Set(params.ErrorMessage, msg)
	return s.HaveError(true)
}

// HaveError checks the error channel. When it holds a message, the message is parsed
// and recorded as the last error, the channel is cleared, the server is told with a
// clearError exchange, and the dialog is shown if showModal is set. It reports whether
// there was an error; a second call finds the channel empty.
func (s *Session) HaveError(showModal bool) bool {
	return s.surface(showModal, true)
}

func (s *Session) surface(showModal, notifyServer bool) bool {
	raw := s.params.Swap(params.ErrorMessage, "")
	if raw == "" {
		return false
	}
	desc := ParseErrorDescriptor(raw)

	s.mu.Lock()
	s.lastError = desc
	s.mu.Unlock()

	s.metrics.errorSurfaced()
	s.logger.Warn("theas error",
		"title", desc.Title,
		"friendly", desc.FriendlyMessage,
		"technical", desc.TechnicalMessage,
	)

	if notifyServer {
		s.Send(context.Background(), params.CmdClearError, SendOptions{})
	}
	if showModal && s.modal != nil {
		s.modal.Show(desc.Frame())
	}
	return true
}

// LastError returns the most recently surfaced error.
func (s *Session) LastError() ErrorDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// ClearError forgets the last error locally and on the server. onDone may be nil.
func (s *Session) ClearError(ctx context.Context, onDone func(Result)) *Call {
	s.params.Set(params.ErrorMessage, "")
	s.mu.Lock()
	s.lastError = ErrorDescriptor{}
	s.mu.Unlock()
	return s.Send(ctx, params.CmdClearError, SendOptions{OnResponse: onDone})
}
