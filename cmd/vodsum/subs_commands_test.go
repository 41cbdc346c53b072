package main

import (
	"strings"
	"testing"

	"vodsum/internal/config"
	"vodsum/internal/testsupport"
)

func watchedSource(id string) config.Source {
	return config.Source{
		ID:    id,
		Title: "Source " + id,
		URL:   "https://example.com/" + id + ".xml",
		Kind:  "feed",
	}
}

func TestSubsAddListAndDeactivate(t *testing.T) {
	env := setupCLITestEnv(t)

	stdout, _, err := runCLI(t, env.configPath, "subs", "add", "99001", "ops room")
	if err != nil {
		t.Fatalf("subs add: %v", err)
	}
	requireContains(t, stdout, "registered for chat 99001")

	stdout, _, err = runCLI(t, env.configPath, "subs", "list")
	if err != nil {
		t.Fatalf("subs list: %v", err)
	}
	requireContains(t, stdout, "ops room")
	requireContains(t, stdout, "99001")

	stdout, _, err = runCLI(t, env.configPath, "subs", "deactivate", "1")
	if err != nil {
		t.Fatalf("subs deactivate: %v", err)
	}
	requireContains(t, stdout, "recipient 1 deactivated")

	stdout, _, err = runCLI(t, env.configPath, "subs", "list")
	if err != nil {
		t.Fatalf("subs list after deactivate: %v", err)
	}
	if strings.Contains(stdout, "ops room") {
		t.Fatalf("deactivated recipient should be hidden by default:\n%s", stdout)
	}

	stdout, _, err = runCLI(t, env.configPath, "subs", "list", "--all")
	if err != nil {
		t.Fatalf("subs list --all: %v", err)
	}
	requireContains(t, stdout, "ops room")
}

func TestSubsSubscribeValidatesSource(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithSources(watchedSource("channel-a")))

	stdout, _, err := runCLI(t, env.configPath, "subs", "add", "99002", "alerts")
	if err != nil {
		t.Fatalf("subs add: %v", err)
	}
	requireContains(t, stdout, "registered")

	stdout, _, err = runCLI(t, env.configPath, "subs", "subscribe", "1", "channel-a")
	if err != nil {
		t.Fatalf("subs subscribe: %v", err)
	}
	requireContains(t, stdout, "subscribed to channel-a")

	_, _, err = runCLI(t, env.configPath, "subs", "subscribe", "1", "unknown-source")
	if err == nil {
		t.Fatal("expected unknown source to be rejected")
	}

	stdout, _, err = runCLI(t, env.configPath, "subs", "unsubscribe", "1", "channel-a")
	if err != nil {
		t.Fatalf("subs unsubscribe: %v", err)
	}
	requireContains(t, stdout, "unsubscribed from channel-a")
}

func TestQuotaReportsTodayUsage(t *testing.T) {
	env := setupCLITestEnv(t)

	stdout, _, err := runCLI(t, env.configPath, "quota")
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	requireContains(t, stdout, "0/50 used, 50 remaining")
}
