package browser

import (
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"deskpilot/internal/config"
)

func TestMatchTarget(t *testing.T) {
	infos := []*proto.TargetTargetInfo{
		nil,
		{TargetID: "sw", Type: proto.TargetTargetInfoType("service_worker"), URL: "https://desktop.example.com/sw.js"},
		{TargetID: "blank", Type: proto.TargetTargetInfoTypePage, URL: "about:blank"},
		{TargetID: "desk", Type: proto.TargetTargetInfoTypePage, URL: "https://Desktop.example.com/agent"},
		{TargetID: "desk2", Type: proto.TargetTargetInfoTypePage, URL: "https://desktop.example.com/other"},
	}

	tests := []struct {
		match string
		want  proto.TargetTargetID
		ok    bool
	}{
		{"desktop.example.com", "desk", true},
		{"DESKTOP.EXAMPLE.COM/AGENT", "desk", true},
		{"", "blank", true},
		{"/other", "desk2", true},
		{"sw.js", "", false},
		{"nowhere", "", false},
	}
	for _, tt := range tests {
		got, ok := matchTarget(infos, tt.match)
		if got != tt.want || ok != tt.ok {
			t.Errorf("matchTarget(%q) = %q, %v; want %q, %v", tt.match, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStartRequiresEndpoint(t *testing.T) {
	m := NewManager(config.BrowserConfig{}, zap.NewNop())
	if err := m.Start(t.Context()); err == nil {
		t.Fatal("expected error without debugger_url and launch")
	}
	if m.Connected() {
		t.Error("manager should not be connected")
	}
	if err := m.Shutdown(); err != nil {
		t.Errorf("Shutdown on a disconnected manager: %v", err)
	}
}

func TestDesktopPageNotConnected(t *testing.T) {
	m := NewManager(config.BrowserConfig{}, nil)
	if _, err := m.DesktopPage(t.Context()); err == nil {
		t.Fatal("expected error when not connected")
	}
}
