package client

import "testing"

func TestParseRepl(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		user    string
		name    string
	}{
		{"alice/myrepl", false, "alice", "myrepl"},
		{"@alice/myrepl", false, "alice", "myrepl"},
		{"bad", true, "", ""},
		{"/missinguser", true, "", ""},
		{"alice/", true, "", ""},
	}
	for _, c := range cases {
		got, err := ParseRepl(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseRepl(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if got.User != c.user || got.Name != c.name {
			t.Errorf("ParseRepl(%q) = %+v, want {%s %s}", c.in, got, c.user, c.name)
		}
	}
}

func TestConnectionToMessage(t *testing.T) {
	shell := Connection{Shell: true}
	if !shell.ToMessage().IsShell() {
		t.Error("shell connection should produce a shell ConnectionType")
	}

	forward := Connection{Port: 8080}
	msg := forward.ToMessage()
	if msg.IsShell() || msg.Port != 8080 {
		t.Errorf("forward connection produced %+v", msg)
	}
}
