package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPostError_Wrapping(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := fmt.Errorf("submit: %w", NewSubmission(502, cause))

	assert.True(t, Is(err, ErrSubmission))
	assert.False(t, Is(err, ErrUpload))
	assert.Equal(t, 502, StatusOf(err))
	assert.Equal(t, "post failed (status 502)", MessageOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "SUBMISSION: post failed (status 502): connection reset")
}

func TestPostError_PlainErrors(t *testing.T) {
	err := stderrors.New("boom")
	assert.False(t, Is(err, ErrValidation))
	assert.Equal(t, 0, StatusOf(err))
	assert.Equal(t, "boom", MessageOf(err))
	assert.False(t, Is(nil, ErrValidation))
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *PostError
		code   ErrorCode
		status int
		msg    string
	}{
		{"configuration", NewConfiguration("handle"), ErrConfiguration, 0, "handle is not set; configure your handle and app password"},
		{"authentication", NewAuthentication(401, nil), ErrAuthentication, 401, "login failed (status 401)"},
		{"expired", NewAuthorizationExpired("com.atproto.repo.createRecord"), ErrAuthorizationExpired, 401, "com.atproto.repo.createRecord: access token rejected"},
		{"too long", NewTextTooLong(300, 301), ErrValidation, 0, "post is 301 bytes (max 300); shorten the text"},
		{"too many images", NewTooManyImages(4), ErrValidation, 0, "at most 4 images can be attached"},
		{"upload", NewUpload(413, nil), ErrUpload, 413, "image upload failed (status 413)"},
		{"preview", NewPreviewFetch("https://example.com", nil), ErrPreviewFetch, 0, "link preview for https://example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.Status)
			assert.Equal(t, tt.msg, tt.err.Message)
			assert.Equal(t, string(tt.code)+": "+tt.msg, tt.err.Error())
		})
	}
}
