package validation

import "testing"

func TestUsername(t *testing.T) {
	tests := []struct {
		username string
		ok       bool
	}{
		{"alice", true},
		{"alice.b", true},
		{"a", true},
		{"first+tag", true},
		{"", false},
		{".alice", false},
		{"alice.", false},
		{"ali..ce", false},
		{"alice@example.org", false},
		{"with space", false},
	}
	for _, tc := range tests {
		err := Username(tc.username)
		if (err == nil) != tc.ok {
			t.Errorf("Username(%q) = %v, want ok=%v", tc.username, err, tc.ok)
		}
	}
}

func TestPassword(t *testing.T) {
	if err := Password("short"); err == nil {
		t.Error("short password accepted")
	}
	if err := Password("longenough"); err != nil {
		t.Errorf("valid password rejected: %v", err)
	}
}

func TestMailboxPath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"INBOX", true},
		{"Archive/2025", true},
		{"Projects/a/b/c", true},
		{"", false},
		{"/leading", false},
		{"trailing/", false},
		{"double//segment", false},
		{"ctrl\x01char", false},
	}
	for _, tc := range tests {
		err := MailboxPath(tc.path)
		if (err == nil) != tc.ok {
			t.Errorf("MailboxPath(%q) = %v, want ok=%v", tc.path, err, tc.ok)
		}
	}
}
