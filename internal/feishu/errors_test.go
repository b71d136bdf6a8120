package feishu

import (
	"fmt"
	"strings"
	"testing"
)

func TestAPIErrorClassifiesPermissionCode(t *testing.T) {
	msg := "Access denied, please go to https://open.feishu.cn/app/cli_x/auth to grant im:message scope"
	err := apiError(PermissionDeniedCode, msg)

	perr, ok := AsPermissionError(err)
	if !ok {
		t.Fatalf("expected PermissionError, got %T: %v", err, err)
	}
	if perr.Code != PermissionDeniedCode {
		t.Fatalf("code = %d", perr.Code)
	}
	if perr.GrantURL != "https://open.feishu.cn/app/cli_x/auth" {
		t.Fatalf("grant url = %q", perr.GrantURL)
	}
}

func TestAPIErrorOtherCodesArePlainErrors(t *testing.T) {
	err := apiError(230001, "bot not in chat")
	if _, ok := AsPermissionError(err); ok {
		t.Fatalf("expected plain error for non-permission code")
	}
	if !strings.Contains(err.Error(), "230001") {
		t.Fatalf("error = %v", err)
	}
}

func TestAsPermissionErrorUnwrapsChain(t *testing.T) {
	inner := apiError(PermissionDeniedCode, "denied")
	wrapped := fmt.Errorf("add reaction: %w", inner)

	if _, ok := AsPermissionError(wrapped); !ok {
		t.Fatalf("expected unwrap through chain")
	}
	if _, ok := AsPermissionError(fmt.Errorf("boom")); ok {
		t.Fatalf("unexpected match for unrelated error")
	}
}
