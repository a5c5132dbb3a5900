package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/mbocsi/glassbridge/client"
	"github.com/mbocsi/glassbridge/config"
)

func TestTranscriptPrinter_Streaming(t *testing.T) {
	var out bytes.Buffer
	p := &transcriptPrinter{w: &out}
	tr := client.NewTranscript()

	tr.AppendUser("hi")
	tr.AppendDelta("Hel")
	p.print(tr.Messages())
	tr.AppendDelta("lo")
	p.print(tr.Messages())
	if got := out.String(); got != "agent> Hello" {
		t.Errorf("Expected partial line, got %q", got)
	}

	tr.AppendUser("again")
	tr.AppendAssistant("Error: bad password")
	p.print(tr.Messages())
	want := "agent> Hello\nagent> Error: bad password\n"
	if got := out.String(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	p.flush(tr.Messages())
	if got := out.String(); got != want {
		t.Errorf("Flush should not print again, got %q", got)
	}
}

func TestTranscriptPrinter_FlushEndsOpenLine(t *testing.T) {
	var out bytes.Buffer
	p := &transcriptPrinter{w: &out}
	tr := client.NewTranscript()
	tr.AppendDelta("partial")

	p.flush(tr.Messages())
	if got := out.String(); got != "agent> partial\n" {
		t.Errorf("Expected closed line, got %q", got)
	}
}

func TestMergeDiscovered(t *testing.T) {
	g := config.GatewayConfig{Host: "", Port: 1, ChatPath: "/ws", MediaPath: "/media", Password: "pw"}
	got := mergeDiscovered(g, client.Endpoint{Host: "192.168.1.20", Port: 18789, Path: "/gw", Secure: true})

	if got.Host != "192.168.1.20" || got.Port != 18789 || got.ChatPath != "/gw" || !got.Secure {
		t.Errorf("Unexpected merge result %+v", got)
	}
	if got.Password != "pw" || got.MediaPath != "/media" {
		t.Errorf("Expected configured password and media path kept, got %+v", got)
	}

	got = mergeDiscovered(g, client.Endpoint{Host: "10.0.0.1", Port: 80})
	if got.ChatPath != "/ws" {
		t.Errorf("Expected configured chat path when none advertised, got %s", got.ChatPath)
	}
}

func TestResolveGateway_ConfiguredHost(t *testing.T) {
	g := config.GatewayConfig{Host: "example.com", Port: 443}
	got, err := resolveGateway(g)
	if err != nil {
		t.Fatalf("resolveGateway: %v", err)
	}
	if got != g {
		t.Errorf("Expected configured gateway untouched, got %+v", got)
	}
}

func TestCommonFlags_OverrideConfig(t *testing.T) {
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvHost, "")
	t.Setenv(config.EnvPort, "")

	var common commonFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	common.register(fs)
	stateDir := t.TempDir()
	if err := fs.Parse([]string{"--host", "gw.test", "--port", "9999", "--state-dir", stateDir, "--log-level", "debug"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := common.load(fs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Host != "gw.test" || cfg.Gateway.Port != 9999 {
		t.Errorf("Expected flag overrides, got %+v", cfg.Gateway)
	}
	if cfg.Identity.StateDir != stateDir || cfg.Log.Level != "debug" {
		t.Errorf("Unexpected config %+v %+v", cfg.Identity, cfg.Log)
	}
	// not given, so the default stays
	if cfg.Gateway.ChatPath != "/ws" {
		t.Errorf("Expected default chat path, got %s", cfg.Gateway.ChatPath)
	}

	id, err := loadIdentity(cfg)
	if err != nil {
		t.Fatalf("loadIdentity: %v", err)
	}
	again, err := loadIdentity(cfg)
	if err != nil {
		t.Fatalf("loadIdentity: %v", err)
	}
	if id.DeviceID() != again.DeviceID() {
		t.Error("Expected the stored identity to be reused")
	}
	if !strings.HasPrefix(cfg.Identity.KeyDir(), filepath.Clean(stateDir)) {
		t.Errorf("Expected key dir under state dir, got %s", cfg.Identity.KeyDir())
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"fly"}); err == nil {
		t.Error("Expected error for unknown command")
	}
	if err := run(context.Background(), []string{"chat", "extra"}); err == nil || !strings.Contains(err.Error(), "unexpected argument") {
		t.Errorf("Expected unexpected argument error, got %v", err)
	}
}
