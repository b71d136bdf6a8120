package feishu

import (
	"errors"
	"fmt"
	"regexp"
)

// PermissionDeniedCode is Feishu's error code for a missing app permission
// scope. The accompanying message carries the admin console URL where the
// scope can be granted.
const PermissionDeniedCode = 99991672

// PermissionError reports a provider call rejected for a missing
// permission scope.
type PermissionError struct {
	Code     int
	Msg      string
	GrantURL string
}

func (e *PermissionError) Error() string {
	if e.GrantURL != "" {
		return fmt.Sprintf("feishu permission denied: code=%d msg=%s grant_url=%s", e.Code, e.Msg, e.GrantURL)
	}
	return fmt.Sprintf("feishu permission denied: code=%d msg=%s", e.Code, e.Msg)
}

// AsPermissionError unwraps err into a PermissionError if one is in the
// chain.
func AsPermissionError(err error) (*PermissionError, bool) {
	var perr *PermissionError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

var grantURLPattern = regexp.MustCompile(`https://[^\s,，]+`)

// apiError classifies a non-success provider response. Permission
// rejections become PermissionError with the grant URL extracted from the
// message body.
func apiError(code int, msg string) error {
	if code == PermissionDeniedCode {
		return &PermissionError{Code: code, Msg: msg, GrantURL: grantURLPattern.FindString(msg)}
	}
	return fmt.Errorf("feishu api error: code=%d msg=%s", code, msg)
}
