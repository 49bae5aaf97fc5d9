package types

import "testing"

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		ref     string
		node    string
		pin     string
		wantErr bool
	}{
		{"a", "a", "", false},
		{"a.out", "a", "out", false},
		{"node-1.result", "node-1", "result", false},
		{"", "", "", true},
		{".pin", "", "", true},
		{"a.", "", "", true},
	}
	for _, tc := range cases {
		ep, err := ParseEndpoint(tc.ref)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseEndpoint(%q): expected error", tc.ref)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseEndpoint(%q): %v", tc.ref, err)
			continue
		}
		if ep.Node != tc.node || ep.Pin != tc.pin {
			t.Errorf("ParseEndpoint(%q) = %+v, want node %q pin %q", tc.ref, ep, tc.node, tc.pin)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []RunStatus{RunStatusSucceeded, RunStatusFailed, RunStatusCanceled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunStatusQueued, RunStatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if !NodeStatusSkipped.Terminal() || NodeStatusReady.Terminal() {
		t.Error("node terminal classification wrong")
	}
}

func TestRunCloneIsolatesMetadata(t *testing.T) {
	run := &Run{ID: "r1", Metadata: map[string]string{"k": "v"}}
	cp := run.Clone()
	cp.Metadata["k"] = "changed"
	if run.Metadata["k"] != "v" {
		t.Fatal("clone shares metadata map")
	}
}
