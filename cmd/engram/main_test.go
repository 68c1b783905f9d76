package main

import (
	"testing"
	"time"
)

func TestWeekStart(t *testing.T) {
	cases := []struct {
		name string
		want time.Weekday
	}{
		{"monday", time.Monday},
		{"sunday", time.Sunday},
		{"", time.Monday},
	}
	for _, tc := range cases {
		if got := weekStart(tc.name); got != tc.want {
			t.Errorf("weekStart(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	want := map[string]bool{
		"serve":    false,
		"migrate":  false,
		"remember": false,
		"recall":   false,
		"forget":   false,
		"status":   false,
		"purge":    false,
		"reembed":  false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestGlobalFlagDefaults(t *testing.T) {
	robot, err := rootCmd.PersistentFlags().GetString("robot")
	if err != nil {
		t.Fatalf("robot flag: %v", err)
	}
	if robot != "default" {
		t.Errorf("robot default = %q, want %q", robot, "default")
	}

	limit, err := recallCmd.Flags().GetInt("limit")
	if err != nil {
		t.Fatalf("limit flag: %v", err)
	}
	if limit != 10 {
		t.Errorf("recall --limit default = %d, want 10", limit)
	}

	olderThan, err := purgeCmd.Flags().GetDuration("older-than")
	if err != nil {
		t.Fatalf("older-than flag: %v", err)
	}
	if olderThan != 30*24*time.Hour {
		t.Errorf("purge --older-than default = %v, want 720h", olderThan)
	}
}
