package archive

import (
	"errors"
	"testing"
)

func TestRoundUp512(t *testing.T) {
	cases := []struct {
		in, want int64
	}{
		{0, 512},
		{1, 512},
		{511, 512},
		{512, 512},
		{513, 1024},
		{1024, 1024},
		{1025, 1536},
	}
	for _, c := range cases {
		if got := RoundUp512(c.in); got != c.want {
			t.Errorf("RoundUp512(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := wrapErr(ErrIO, -1, errTest{"boom"})
	var target *Error
	if !errors.As(cause, &target) {
		t.Fatal("expected *Error")
	}
	if target.Kind != ErrIO {
		t.Errorf("got kind %v, want ErrIO", target.Kind)
	}
}

func TestErrorEntryScoping(t *testing.T) {
	withEntry := wrapErr(ErrDecode, 3, errTest{"x"}).(*Error)
	withoutEntry := wrapErr(ErrDecode, -1, errTest{"x"}).(*Error)
	if withEntry.Error() == withoutEntry.Error() {
		t.Error("entry-scoped and unscoped errors should render differently")
	}
}

func TestWrapErrNil(t *testing.T) {
	if wrapErr(ErrIO, -1, nil) != nil {
		t.Error("wrapErr(nil) should return nil")
	}
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }
