package native_test

import (
	"testing"

	"github.com/dantte-lp/uwbd/internal/native"
)

func TestImportanceServiceCurrentDefaultsForeground(t *testing.T) {
	t.Parallel()

	svc := native.NewImportanceService()
	if got := svc.Current(1); got != native.ImportanceLevelForeground {
		t.Errorf("Current(unreported uid) = %v, want ImportanceLevelForeground", got)
	}
}

func TestImportanceServiceReportUpdatesCurrent(t *testing.T) {
	t.Parallel()

	svc := native.NewImportanceService()
	svc.Report(1, native.ImportanceLevelBackground)

	if got := svc.Current(1); got != native.ImportanceLevelBackground {
		t.Errorf("Current(1) = %v, want ImportanceLevelBackground", got)
	}
}

func TestImportanceServiceNotifiesSubscribersOnChange(t *testing.T) {
	t.Parallel()

	svc := native.NewImportanceService()
	var calls []native.ImportanceLevel
	svc.Subscribe(func(uid uint32, level native.ImportanceLevel) {
		calls = append(calls, level)
	})

	svc.Report(1, native.ImportanceLevelBackground)
	svc.Report(1, native.ImportanceLevelGone)

	if len(calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2", len(calls))
	}
	if calls[0] != native.ImportanceLevelBackground || calls[1] != native.ImportanceLevelGone {
		t.Errorf("calls = %v, want [Background Gone]", calls)
	}
}

func TestImportanceServiceRedundantReportDoesNotNotify(t *testing.T) {
	t.Parallel()

	svc := native.NewImportanceService()
	count := 0
	svc.Subscribe(func(uint32, native.ImportanceLevel) { count++ })

	svc.Report(1, native.ImportanceLevelBackground)
	svc.Report(1, native.ImportanceLevelBackground)

	if count != 1 {
		t.Errorf("notification count = %d, want 1 (redundant report should not notify)", count)
	}
}

func TestImportanceServiceIndependentUids(t *testing.T) {
	t.Parallel()

	svc := native.NewImportanceService()
	svc.Report(1, native.ImportanceLevelBackground)

	if got := svc.Current(2); got != native.ImportanceLevelForeground {
		t.Errorf("Current(2) = %v, want ImportanceLevelForeground (unaffected by uid 1's report)", got)
	}
}
