package api

import (
	"net/http/httptest"
	"testing"

	"go.broadcastengine.dev/internal/platform/common"
)

func TestWriteUseCaseError_MapsKindToStatus(t *testing.T) {
	cases := []struct {
		kind   common.ErrorKind
		status int
	}{
		{common.ErrorKindValidation, 422},
		{common.ErrorKindNotFound, 404},
		{common.ErrorKindConcurrency, 409},
		{common.ErrorKindBusinessRule, 409},
		{common.ErrorKindUnauthorized, 401},
		{common.ErrorKindInternal, 500},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteUseCaseError(rec, &common.UseCaseError{Kind: tc.kind, Code: "X", Message: "boom"})
		if rec.Code != tc.status {
			t.Fatalf("kind %s: expected status %d, got %d", tc.kind.String(), tc.status, rec.Code)
		}
	}
}
