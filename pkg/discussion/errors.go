package discussion

import "errors"

var (
	// ErrCaseNotReady indicates the case has no generated questions yet.
	ErrCaseNotReady         = errors.New("case not ready for discussion")
	ErrCaseNotFound         = errors.New("case not found")
	ErrQuestionNotFound     = errors.New("question not found")
	ErrDiscussionNotFound   = errors.New("discussion not found")
	ErrDiscussionForbidden  = errors.New("discussion forbidden")
	ErrEmptyMessage         = errors.New("message content required")
	ErrAssistantReplyFailed = errors.New("assistant reply failed")
)
