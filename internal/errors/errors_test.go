package errors

import "testing"

func TestStatusCodeMappings(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{FBAuthnMissingToken, 401},
		{FBAuthnInvalidToken, 401},
		{FBAuthnExpiredToken, 401},
		{FBAuthzDenied, 403},
		{FBAuthzResourceMis, 403},
		{FBValidationFailed, 400},
		{FBValidationName, 400},
		{FBValidationRuntime, 400},
		{FBNotFound, 404},
		{FBConflictExists, 409},
		{FBPreconditionFailed, 412},
		{FBStoreUnavailable, 503},
		{FBStoreWriteFailed, 500},
		{FBProviderFailed, 500},
	}
	for _, tc := range tests {
		if got := StatusCode(tc.code); got != tc.want {
			t.Fatalf("code %s got %d want %d", tc.code, got, tc.want)
		}
	}
}

func TestNotFoundAndCodeOf(t *testing.T) {
	err := NotFound("function version")
	if err.Message != "function version not found" {
		t.Fatalf("unexpected message: %q", err.Message)
	}
	if !IsNotFound(Wrap(FBStoreReadFailed, "outer", err)) {
		t.Fatal("expected wrapped not-found to be detected through the cause chain")
	}
	if CodeOf(nil) != "" {
		t.Fatal("nil error should have no code")
	}
}
