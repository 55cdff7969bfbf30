package kernel

import "testing"

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}
}

func TestErrorKind(t *testing.T) {
	specs := []struct {
		kind     ErrorKind
		expStr   string
		expFatal bool
	}{
		{KindInvalid, "invalid argument", false},
		{KindExhausted, "resource exhausted", false},
		{KindTimeout, "lock timeout", true},
		{KindFault, "cpu fault", true},
		{ErrorKind(99), "unknown", false},
	}

	for specIndex, spec := range specs {
		if got := spec.kind.String(); got != spec.expStr {
			t.Errorf("[spec %d] expected kind string %q; got %q", specIndex, spec.expStr, got)
		}

		err := &Error{Module: "test", Message: "msg", Kind: spec.kind}
		if got := err.Fatal(); got != spec.expFatal {
			t.Errorf("[spec %d] expected Fatal() to return %t; got %t", specIndex, spec.expFatal, got)
		}
	}
}
