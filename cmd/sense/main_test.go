package main

import (
	"testing"
)

func TestParseMinutes(t *testing.T) {
	cases := []struct {
		in      string
		want    *int
		wantErr bool
	}{
		{"15", intPtr(15), false},
		{"unlimited", nil, false},
		{"Unlimited", nil, false},
		{"0", nil, true},
		{"-5", nil, true},
		{"soon", nil, true},
	}
	for _, c := range cases {
		got, err := parseMinutes(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("parseMinutes(%q) err = %v", c.in, err)
			continue
		}
		if formatMinutes(got) != formatMinutes(c.want) {
			t.Errorf("parseMinutes(%q) = %s, want %s", c.in, formatMinutes(got), formatMinutes(c.want))
		}
	}
}

func intPtr(n int) *int { return &n }

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()
	for _, path := range [][]string{{"join"}, {"devices"}, {"relay"}, {"relay", "token"}, {"meeting", "duration"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Errorf("command %v not registered: %v", path, err)
		}
	}
}
