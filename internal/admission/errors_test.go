package admission

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf_ClassifiesSentinels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want ErrorCode
	}{
		{nil, ""},
		{ErrInvalidInput, CodeInvalidInput},
		{ErrStoreUnavailable, CodeStoreUnavailable},
		{ErrRuleInvalid, CodeRuleInvalid},
		{ErrStaleVersion, CodeStaleVersion},
		{ErrNotFound, CodeNotFound},
		{ErrUnauthorized, CodeUnauthorized},
		{errors.New("boom"), CodeInternal},
		{fmt.Errorf("wrapped: %w", ErrStaleVersion), CodeStaleVersion},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Fatalf("CodeOf(%v): expected %q got %q", tc.err, tc.want, got)
		}
	}
}
