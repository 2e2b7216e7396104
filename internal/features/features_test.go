package features

import "testing"

func TestDefaultManager(t *testing.T) {
	m := NewDefaultManager(true, false, true)

	if !m.IsEnabled(FeatureCacheEnabled) {
		t.Error("Expected cache flag enabled")
	}
	if m.IsEnabled(FeatureEventHooksEnabled) {
		t.Error("Expected event hooks flag disabled")
	}
	if m.IsEnabled("unknown") {
		t.Error("Expected unknown flag disabled")
	}

	m.Disable(FeatureLegacyFormatWrites)
	if m.IsEnabled(FeatureLegacyFormatWrites) {
		t.Error("Expected legacy flag disabled after Disable")
	}

	all := m.GetAll()
	if len(all) != 3 || all[0].Name != FeatureCacheEnabled {
		t.Errorf("Unexpected flags: %+v", all)
	}
}

func TestNilManager(t *testing.T) {
	var m *Manager
	if m.IsEnabled(FeatureCacheEnabled) {
		t.Error("Expected nil manager to report disabled")
	}
}
