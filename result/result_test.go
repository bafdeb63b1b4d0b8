package result

import "testing"

func TestResult_IsSuccess(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want bool
	}{
		{"zero code is failure", Result{ResultCode: 0}, false},
		{"failure with extended", Failure(ExtendedInstallFailed, "boom"), false},
		{"plain success", Success(ApplySuccess), true},
		{"variant success", Success(InstallRequiredImmediateReboot), true},
		{"skip success", Success(InstallSkippedUpdateAlreadyInstalled), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.IsSuccess(); got != tt.want {
				t.Errorf("IsSuccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalize_RewritesSilentFailure(t *testing.T) {
	r := Normalize(Result{})
	if r.ResultCode != 0 {
		t.Fatalf("result code changed: %d", r.ResultCode)
	}
	if r.ExtendedCode != ExtendedUnreportedFailure {
		t.Errorf("extended = %s, want sentinel %s", r.ExtendedCode, ExtendedUnreportedFailure)
	}

	// Successful and already-coded results pass through untouched.
	ok := Normalize(Success(ApplySuccess))
	if ok.ExtendedCode != 0 || ok.ResultCode != ApplySuccess {
		t.Errorf("success rewritten: %+v", ok)
	}
	coded := Normalize(Failure(ExtendedInstallFailed, ""))
	if coded.ExtendedCode != ExtendedInstallFailed {
		t.Errorf("coded failure rewritten: %+v", coded)
	}
}

func TestCode_Variants(t *testing.T) {
	tests := []struct {
		code      Code
		reboot    bool
		restart   bool
		immediate bool
	}{
		{InstallSuccess, false, false, false},
		{InstallRequiredReboot, true, false, false},
		{InstallRequiredImmediateReboot, true, false, true},
		{InstallRequiredAgentRestart, false, true, false},
		{InstallRequiredImmediateAgentRestart, false, true, true},
		{ApplyRequiredReboot, true, false, false},
		{ApplyRequiredAgentRestart, false, true, false},
		{ApplyRequiredImmediateReboot, true, false, true},
		{ApplySuccess, false, false, false},
	}

	for _, tt := range tests {
		if got := tt.code.RequiresReboot(); got != tt.reboot {
			t.Errorf("%d.RequiresReboot() = %v, want %v", tt.code, got, tt.reboot)
		}
		if got := tt.code.RequiresAgentRestart(); got != tt.restart {
			t.Errorf("%d.RequiresAgentRestart() = %v, want %v", tt.code, got, tt.restart)
		}
		if got := tt.code.IsImmediate(); got != tt.immediate {
			t.Errorf("%d.IsImmediate() = %v, want %v", tt.code, got, tt.immediate)
		}
	}
}

func TestExtendedCode_Facility(t *testing.T) {
	tests := []struct {
		name     string
		code     ExtendedCode
		facility Facility
	}{
		{"content handler", ExtendedParseResultFile, FacilityContentHandler},
		{"agent core", ExtendedUnreportedFailure, FacilityAgentCore},
		{"errno", MakeErrno(13), FacilityErrno},
		{"delivery optimization", Make(FacilityDeliveryOptimization, 0x42), FacilityDeliveryOptimization},
		{"download handler", MakeDownloadHandler(SubDeltaProcessor, 7), FacilityDownloadHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.code.FacilityOf(); got != tt.facility {
				t.Errorf("FacilityOf() = %#x, want %#x", got, tt.facility)
			}
		})
	}
}

func TestMakeDownloadHandler_SubFacility(t *testing.T) {
	code := MakeDownloadHandler(SubSourceCache, 0x123)
	if code.FacilityOf() != FacilityDownloadHandler {
		t.Fatalf("facility = %#x", code.FacilityOf())
	}
	if sub := uint8(uint32(code) >> 24 & 0xF); sub != SubSourceCache {
		t.Errorf("sub-facility = %#x, want %#x", sub, SubSourceCache)
	}
	if code.ComponentCode()&0x00FFFFFF != 0x123 {
		t.Errorf("component code = %#x", code.ComponentCode())
	}
}

func TestMakeErrno_RoundTrip(t *testing.T) {
	code := MakeErrno(2) // ENOENT
	if code.FacilityOf() != FacilityErrno {
		t.Fatalf("facility = %#x", code.FacilityOf())
	}
	if code.ComponentCode() != 2 {
		t.Errorf("component code = %d, want 2", code.ComponentCode())
	}
}
