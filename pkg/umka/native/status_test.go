package native

import "testing"

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		code int32
		msg  string
		want Status
	}{
		{0, "", StatusOK},
		{0, "Stack overflow", StatusOK},
		{1, "Division by zero", StatusRuntime},
		{1, "Stack overflow", StatusExhausted},
		{1, "Out of memory", StatusExhausted},
		{42, "bye", StatusRuntime},
		{2, "", StatusRuntime},
		{2, "exit 2", StatusRuntime},
		{-1, "trap", Status(-1)},
	}
	for _, tt := range tests {
		if got := NormalizeStatus(tt.code, tt.msg); got != tt.want {
			t.Errorf("NormalizeStatus(%d, %q) = %d, want %d", tt.code, tt.msg, got, tt.want)
		}
	}
}

func TestSlotRoundTrip(t *testing.T) {
	if got := IntSlot(-7).Int(); got != -7 {
		t.Errorf("IntSlot(-7).Int() = %d", got)
	}
	if got := RealSlot(0.25).Real(); got != 0.25 {
		t.Errorf("RealSlot(0.25).Real() = %g", got)
	}
	if !BoolSlot(true).Bool() || BoolSlot(false).Bool() {
		t.Error("BoolSlot round trip failed")
	}
	if got := PtrSlot(0x40).Ptr(); got != 0x40 {
		t.Errorf("PtrSlot(0x40).Ptr() = %#x", got)
	}
}

func TestFeaturesHas(t *testing.T) {
	f := FeatureFileSystem | FeatureImplLibs
	if !f.Has(FeatureFileSystem) || !f.Has(FeatureImplLibs) {
		t.Error("combined features must contain each bit")
	}
	if FeatureFileSystem.Has(FeatureImplLibs) {
		t.Error("file system alone must not report impl libs")
	}
}
