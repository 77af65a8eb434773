package inventory

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/newtron-network/newtlife/pkg/credential"
	"github.com/newtron-network/newtlife/pkg/util"
)

const sampleInventory = `
credentials:
  - {label: PRIMARY, username_env: TEST_PRIMARY_USER, password_env: TEST_PRIMARY_PASS}
  - {label: BACKUP, username: netops, password_env: TEST_BACKUP_PASS}
upgrade:
  target_version: 21.4R3-S5.4
  image_root: /srv/images
  model_folders: {QFX5120-48Y: QFX-CUSTOM}
sites:
  DC2:
    spine:
      - {name: spine1, host: 10.0.2.1}
  DC1:
    leaf:
      - {name: leaf1, host: 10.0.0.11, port: 830, model: qfx5120-48y}
      - {name: leaf2, host: 10.0.0.12, username: local, password: s3cret}
`

func setCredentialEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TEST_PRIMARY_USER", "admin")
	t.Setenv("TEST_PRIMARY_PASS", "primary-pw")
	t.Setenv("TEST_BACKUP_PASS", "backup-pw")
}

func TestParse(t *testing.T) {
	setCredentialEnv(t)
	inv, err := Parse([]byte(sampleInventory))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(inv.Devices) != 3 {
		t.Fatalf("devices = %d, want 3", len(inv.Devices))
	}
	// Sites are walked in sorted order.
	order := []string{"leaf1", "leaf2", "spine1"}
	for i, name := range order {
		if inv.Devices[i].Name != name {
			t.Errorf("device %d = %s, want %s", i, inv.Devices[i].Name, name)
		}
	}

	leaf1 := inv.Devices[0]
	if leaf1.Address != "10.0.0.11:830" || leaf1.Model != "QFX5120-48Y" || leaf1.Site != "DC1" || leaf1.Role != "leaf" {
		t.Errorf("leaf1 = %+v", leaf1)
	}
	if got := labels(leaf1.Credentials); got != "PRIMARY,BACKUP" {
		t.Errorf("leaf1 tiers = %s", got)
	}
	if leaf1.Credentials[0].Principal != "admin" || leaf1.Credentials[0].Secret != "primary-pw" {
		t.Errorf("PRIMARY = %+v", leaf1.Credentials[0])
	}

	leaf2 := inv.Devices[1]
	if leaf2.Address != "10.0.0.12:22" {
		t.Errorf("leaf2 address = %s", leaf2.Address)
	}
	if got := labels(leaf2.Credentials); got != "DEVICE,PRIMARY,BACKUP" {
		t.Errorf("leaf2 tiers = %s", got)
	}

	target := leaf2.Target()
	if target.Name != "leaf2" || len(target.Credentials) != 3 {
		t.Errorf("Target() = %+v", target)
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		wants []string
	}{
		{
			name:  "no credentials",
			yaml:  "sites: {S: {r: [{name: a, host: 10.0.0.1}]}}",
			wants: []string{"no credential tiers"},
		},
		{
			name: "missing name and host",
			yaml: `
credentials: [{label: A, username: u, password: p}]
sites: {S: {r: [{host: 10.0.0.1}, {name: b}]}}`,
			wants: []string{"S/r[0]: missing name", "S/r/b: missing host"},
		},
		{
			name: "empty secret",
			yaml: `
credentials: [{label: A, username: u, password_env: TEST_UNSET_PASSWORD}]
sites: {S: {r: [{name: a, host: 10.0.0.1}]}}`,
			wants: []string{`credential tier "A": password is empty`},
		},
		{
			name: "duplicates",
			yaml: `
credentials: [{label: A, username: u, password: p}, {label: A, username: v, password: q}]
sites: {S: {r: [{name: a, host: 10.0.0.1}], q: [{name: a, host: 10.0.0.2}]}}`,
			wants: []string{`duplicate credential tier "A"`, "duplicate device name"},
		},
		{
			name: "bad port",
			yaml: `
credentials: [{label: A, username: u, password: p}]
sites: {S: {r: [{name: a, host: 10.0.0.1, port: 70000}]}}`,
			wants: []string{"invalid port 70000"},
		},
		{
			name:  "no devices",
			yaml:  "credentials: [{label: A, username: u, password: p}]",
			wants: []string{"no devices configured"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv("TEST_UNSET_PASSWORD")
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, util.ErrValidationFailed) {
				t.Fatalf("err = %v, want validation failure", err)
			}
			for _, w := range tt.wants {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("sites: [unclosed"))
	if !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestLoad(t *testing.T) {
	setCredentialEnv(t)
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	if err := os.WriteFile(path, []byte(sampleInventory), 0o600); err != nil {
		t.Fatal(err)
	}
	inv, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := inv.Sites(); strings.Join(got, ",") != "DC1,DC2" {
		t.Errorf("Sites() = %v", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSelect(t *testing.T) {
	setCredentialEnv(t)
	inv, err := Parse([]byte(sampleInventory))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		site    string
		names   []string
		want    string
		wantErr bool
	}{
		{"all", "", nil, "leaf1,leaf2,spine1", false},
		{"site", "DC1", nil, "leaf1,leaf2", false},
		{"site any case", "dc1", nil, "leaf1,leaf2", false},
		{"names", "", []string{"spine1", "leaf1"}, "leaf1,spine1", false},
		{"site and names", "DC2", []string{"spine1"}, "spine1", false},
		{"unknown site", "DC9", nil, "", true},
		{"unknown device", "", []string{"leaf9"}, "", true},
		{"device outside site", "DC2", []string{"leaf1"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devs, err := inv.Select(tt.site, tt.names)
			if tt.wantErr {
				if !errors.Is(err, util.ErrNotFound) {
					t.Errorf("err = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			var names []string
			for _, d := range devs {
				names = append(names, d.Name)
			}
			if got := strings.Join(names, ","); got != tt.want {
				t.Errorf("Select() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAppendTier(t *testing.T) {
	setCredentialEnv(t)
	inv, err := Parse([]byte(sampleInventory))
	if err != nil {
		t.Fatal(err)
	}
	inv.AppendTier(credential.Set{Label: "PROMPT", Principal: "me", Secret: "typed"})
	for _, d := range inv.Devices {
		last := d.Credentials[len(d.Credentials)-1]
		if last.Label != "PROMPT" {
			t.Errorf("%s: last tier = %s", d.Name, last.Label)
		}
	}
	if len(inv.Tiers) != 3 {
		t.Errorf("tiers = %d", len(inv.Tiers))
	}
}

func TestModelFolder(t *testing.T) {
	cfg := UpgradeConfig{ModelFolders: map[string]string{"QFX5120-48Y": "QFX-CUSTOM"}}
	tests := []struct {
		model  string
		want   string
		wantOK bool
	}{
		{"qfx5120-48y", "QFX-CUSTOM", true},
		{"QFX5120-48YM-8C", "QFX5120-YM", true},
		{"EX4300-48P", "EX4300", true},
		{" ex4400-48t ", "EX4400", true},
		{"MX204", "", false},
	}
	for _, tt := range tests {
		got, ok := cfg.ModelFolder(tt.model)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ModelFolder(%q) = %q, %v; want %q, %v", tt.model, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestUpgradeConfigValidate(t *testing.T) {
	tests := []struct {
		name         string
		cfg          UpgradeConfig
		skipTransfer bool
		wantErr      bool
	}{
		{"complete", UpgradeConfig{TargetVersion: "21.4R3", ImageRoot: "/srv"}, false, false},
		{"no target", UpgradeConfig{ImageRoot: "/srv"}, false, true},
		{"no image root", UpgradeConfig{TargetVersion: "21.4R3"}, false, true},
		{"skip transfer with image", UpgradeConfig{TargetVersion: "21.4R3", Image: "junos.tgz"}, true, false},
		{"skip transfer without image", UpgradeConfig{TargetVersion: "21.4R3"}, true, true},
		{"relative remote dir", UpgradeConfig{TargetVersion: "21.4R3", ImageRoot: "/srv", RemoteDir: "tmp"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate(tt.skipTransfer)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	f := &File{
		Credentials: []credential.EnvSource{{Label: "A", Username: "u", Password: "p"}},
		Sites: map[string]map[string][]Host{
			"SCAN": {"discovered": {{Name: "sw1", Host: "10.0.0.1", Model: "EX4300"}}},
		},
	}
	if err := Save(path, f); err != nil {
		t.Fatal(err)
	}
	inv, err := Load(path)
	if err != nil {
		t.Fatalf("reloading saved inventory: %v", err)
	}
	if len(inv.Devices) != 1 || inv.Devices[0].Address != "10.0.0.1:22" {
		t.Errorf("devices = %+v", inv.Devices)
	}
}

func labels(sets []credential.Set) string {
	var out []string
	for _, s := range sets {
		out = append(out, s.Label)
	}
	return strings.Join(out, ",")
}
