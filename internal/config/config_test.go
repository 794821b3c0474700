package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir string, yaml string) string {
	t.Helper()
	path := filepath.Join(dir, "network.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

const baseYAML = `
name: node-a
ipList: ["192.168.1.10"]
wgIp: 10.1.1.1
wgName: wg0
wgPort: 51820
adminPort: 54000
network:
  privateKey: ` + testPrivKeyB64 + `
  subnet: 10.1.1.0/24
  sharedKey: ` + testSharedKeyB64 + `
peers:
  - publicIp: 203.0.113.5
    wgPort: 51820
    adminPort: 54000
    wgIp: 10.1.1.2
`

// testPrivKeyB64/testSharedKeyB64 are fixed base64 encodings of 32
// constant bytes, good enough to exercise parsing without key generation.
const testPrivKeyB64 = `"AgICAgICAgICAgICAgICAgICAgICAgICAgICAgICAgI="`
const testSharedKeyB64 = `"AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE="`

func TestLoad_valid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Name != "node-a" {
		t.Errorf("Name = %q, want %q", cfg.Name, "node-a")
	}
	if cfg.WGName != "wg0" {
		t.Errorf("WGName = %q, want %q", cfg.WGName, "wg0")
	}
	if len(cfg.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(cfg.Peers))
	}
	if cfg.IsListener() {
		t.Error("node-a should not be its own listener in this fixture")
	}
	if cfg.MyWGPort() != cfg.WGPort {
		t.Errorf("MyWGPort() = %d, want %d (non-listener)", cfg.MyWGPort(), cfg.WGPort)
	}
}

func TestLoad_selfAsListener(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// wgIp matches the peer entry's wgIp: this node is itself the listener.
	yaml := `
name: node-b
wgIp: 10.1.1.2
wgName: wg0
wgPort: 51820
adminPort: 54000
network:
  privateKey: ` + testPrivKeyB64 + `
  subnet: 10.1.1.0/24
  sharedKey: ` + testSharedKeyB64 + `
peers:
  - publicIp: 203.0.113.9
    wgPort: 4242
    adminPort: 4343
    wgIp: 10.1.1.2
`
	path := writeConfig(t, dir, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !cfg.IsListener() {
		t.Fatal("expected node-b to detect itself as listener")
	}
	if got := cfg.MyWGPort(); got != 4242 {
		t.Errorf("MyWGPort() = %d, want 4242 (from peer list entry)", got)
	}
	if got := cfg.MyAdminPort(); got != 4343 {
		t.Errorf("MyAdminPort() = %d, want 4343 (from peer list entry)", got)
	}
}

func TestLoad_missingName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yaml := `
wgIp: 10.1.1.1
wgName: wg0
network:
  privateKey: ` + testPrivKeyB64 + `
  subnet: 10.1.1.0/24
  sharedKey: ` + testSharedKeyB64 + `
`
	path := writeConfig(t, dir, yaml)

	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for missing name")
	}
}

func TestLoad_invalidWGIP(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yaml := `
name: node-a
wgIp: not-an-ip
wgName: wg0
network:
  privateKey: ` + testPrivKeyB64 + `
  subnet: 10.1.1.0/24
  sharedKey: ` + testSharedKeyB64 + `
`
	path := writeConfig(t, dir, yaml)

	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for invalid wgIp")
	}
}

func TestLoad_badSharedKeyLength(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yaml := `
name: node-a
wgIp: 10.1.1.1
wgName: wg0
network:
  privateKey: ` + testPrivKeyB64 + `
  subnet: 10.1.1.0/24
  sharedKey: "dG9vc2hvcnQ="
`
	path := writeConfig(t, dir, yaml)

	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for wrong-length sharedKey")
	}
}

func TestLoad_missingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestPublicPeer_ResolvePublicIP_literal(t *testing.T) {
	t.Parallel()

	p := PublicPeer{PublicIP: "203.0.113.5"}
	addrs, err := p.ResolvePublicIP()
	if err != nil {
		t.Fatalf("ResolvePublicIP() error: %v", err)
	}
	if len(addrs) != 1 || addrs[0].String() != "203.0.113.5" {
		t.Errorf("ResolvePublicIP() = %v, want [203.0.113.5]", addrs)
	}
}
