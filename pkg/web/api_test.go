package web

import (
	"net/http"
	"testing"

	"github.com/riptide-dl/riptide/pkg/admission"
	"github.com/riptide-dl/riptide/pkg/store"
)

func TestSubmitErrorStatus(t *testing.T) {
	cases := []struct {
		errs []string
		want int
	}{
		{[]string{"URL http://a: " + admission.ErrTaskTooLarge.Error()}, http.StatusRequestEntityTooLarge},
		{[]string{"URL http://a: " + admission.ErrSpaceDenied.Error()}, http.StatusForbidden},
		{[]string{"URL magnet: " + store.ErrAlreadyOwned.Error()}, http.StatusConflict},
		{[]string{"URL http://a: malformed url"}, http.StatusBadRequest},
	}
	for _, c := range cases {
		if got := submitErrorStatus(c.errs); got != c.want {
			t.Errorf("submitErrorStatus(%v) = %d, want %d", c.errs, got, c.want)
		}
	}
}
