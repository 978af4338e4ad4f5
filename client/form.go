package client

import (
	"context"
	"strings"
	"time"

	"github.com/DavidRueter/Theas/codec"
	"github.com/DavidRueter/Theas/params"
)

// SubmitConfig describes a full form submission.
type SubmitConfig struct {
	// URL defaults to the page root.
	URL     string
	Data    map[string]any
	Command string
	Files   []codec.FileAttachment
	// OnSuccessURL is used when the server does not name a next page.
	OnSuccessURL     string
	OnUploadProgress ProgressFunc
	OnResponse       func(Result)
}

// SubmitForm validates and posts form (or the session's form when nil) with every
// Theas parameter and PerformUpdate set. Only one submission may be outstanding; a
// second returns ErrAlreadySubmitted until the first completes. On success the page
// moves to the server's NextPage, or to cfg.OnSuccessURL.
func (s *Session) SubmitForm(ctx context.Context, form FormSnapshot, cfg SubmitConfig) (*Call, error) {
	if !s.submitted.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubmitted
	}
	if form == nil {
		form = s.form
	}

	if v, ok := form.(Validator); ok {
		if err := v.Validate(); err != nil {
			s.submitted.Store(false)
			s.params.Set(params.ErrorMessage, FormatError(err.Error(), err.Error(), false, "Invalid Input"))
			s.surface(true, false)
			return nil, newError(KindValidationFailure, "", err)
		}
	}

	s.params.Set(params.PerformUpdate, "1")
	body, err := codec.EncodeRequestBody(codec.Request{
		Form:    s.formFields(form),
		Params:  s.params.Snapshot(),
		Extra:   cfg.Data,
		Command: cfg.Command,
		XSRF:    s.xsrf,
		Files:   cfg.Files,
	})
	if err != nil {
		s.submitted.Store(false)
		return nil, newError(KindTransportFailure, "encode request", err)
	}
	for _, key := range s.scrub {
		if _, ok := s.params.Lookup(key); ok {
			s.params.Set(key, "")
		}
	}

	target := cfg.URL
	if target == "" {
		target = "/"
	}
	call := newCall(s.newID())
	s.logger.Debug("form submit", "url", target, "multipart", body.Multipart(), "request_id", call.ID)

	go func() {
		start := time.Now()
		raw, err := s.transport.Post(ctx, target, body, cfg.OnUploadProgress)
		s.submitted.Store(false)

		res := Result{RequestID: call.ID, Command: cfg.Command, Raw: raw}
		if err != nil {
			res.Err = newError(KindTransportFailure, "", err)
			s.logger.Warn("form submit failed", "url", target, "err", err)
		} else {
			res.Values, res.Err = s.absorb(cfg.Command, raw)
		}
		s.metrics.observeExchange("submit", res.Err, time.Since(start))

		s.complete(call, SendOptions{OnResponse: cfg.OnResponse}, res)
		if res.Err != nil {
			return
		}
		next := s.params.Get(params.NextPage)
		if next == "" {
			next = cfg.OnSuccessURL
		}
		s.navigate(pagePath(next))
	}()
	return call, nil
}

// pagePath makes a bare page name absolute.
func pagePath(p string) string {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "://") {
		return p
	}
	return "/" + p
}
