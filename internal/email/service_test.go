package email

import (
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderVerificationTemplate(t *testing.T) {
	data := VerificationData{
		AppName:         "Loom",
		UserName:        "Test User",
		VerificationURL: "https://example.com/verify?token=abc123",
	}

	html, err := renderTemplate(verificationEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Loom") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "Test User") {
		t.Error("template should contain user name")
	}
	if !strings.Contains(html, "https://example.com/verify?token=abc123") {
		t.Error("template should contain verification URL")
	}
}

func TestRenderShareTemplate(t *testing.T) {
	data := ShareData{
		AppName:       "Loom",
		UserName:      "Blake",
		SharedBy:      "Avery",
		DocumentTitle: "Launch Plan",
		Role:          "editor",
		DocumentURL:   "https://example.com/documents/doc-1",
	}

	html, err := renderTemplate(shareEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Avery") {
		t.Error("template should name who shared the document")
	}
	if !strings.Contains(html, "Launch Plan") {
		t.Error("template should contain document title")
	}
	if !strings.Contains(html, "editor") {
		t.Error("template should contain role")
	}
	if !strings.Contains(html, "https://example.com/documents/doc-1") {
		t.Error("template should contain document URL")
	}
}

func TestSendShareEmailBuildsMessage(t *testing.T) {
	svc := NewService(Config{
		Host:     "smtp.example.com",
		Port:     "587",
		From:     "noreply@example.com",
		FromName: "Loom",
	})

	var gotTo []string
	var gotMsg []byte
	svc.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = msg
		return nil
	}

	err := svc.SendShareEmail("blake@example.com", "Blake", "Avery", "Launch Plan", "viewer", "https://example.com/documents/doc-1")
	if err != nil {
		t.Fatalf("SendShareEmail() error = %v", err)
	}

	if len(gotTo) != 1 || gotTo[0] != "blake@example.com" {
		t.Errorf("unexpected recipients: %v", gotTo)
	}
	body := string(gotMsg)
	if !strings.Contains(body, "Subject: Avery shared") {
		t.Errorf("message missing subject, got:\n%s", body)
	}
	if !strings.Contains(body, "From: Loom <noreply@example.com>") {
		t.Error("message missing display-name From header")
	}
	if !strings.Contains(body, "Launch Plan") {
		t.Error("message missing document title")
	}
}
