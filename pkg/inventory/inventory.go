// Package inventory loads the device inventory: credential tiers, workflow
// settings, and devices grouped by site and role.
package inventory

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtlife/pkg/credential"
	"github.com/newtron-network/newtlife/pkg/pipeline"
	"github.com/newtron-network/newtlife/pkg/util"
)

// DeviceTierLabel labels credentials carried by a device entry itself.
const DeviceTierLabel = "DEVICE"

// DefaultPort is the SSH port used when a host entry has none.
const DefaultPort = 22

// File is the on-disk inventory.
type File struct {
	Credentials []credential.EnvSource       `yaml:"credentials"`
	Upgrade     UpgradeConfig                `yaml:"upgrade,omitempty"`
	Backup      BackupConfig                 `yaml:"backup,omitempty"`
	Sites       map[string]map[string][]Host `yaml:"sites"`
}

// UpgradeConfig configures the software upgrade workflow.
type UpgradeConfig struct {
	TargetVersion string `yaml:"target_version,omitempty"`
	ImageRoot     string `yaml:"image_root,omitempty"`
	// Image, when set, names the artifact for every device.
	Image     string `yaml:"image,omitempty"`
	RemoteDir string `yaml:"remote_dir,omitempty"`
	// ModelFolders maps a device model to its folder under ImageRoot.
	ModelFolders map[string]string `yaml:"model_folders,omitempty"`
	// Patterns optionally names a classifier table overlay.
	Patterns string `yaml:"patterns,omitempty"`
}

// BackupConfig configures the configuration backup workflow.
type BackupConfig struct {
	Dir         string `yaml:"dir,omitempty"`
	Concurrency int    `yaml:"concurrency,omitempty"`
}

// Host is one device entry.
type Host struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port,omitempty"`
	Model       string `yaml:"model,omitempty"`
	Username    string `yaml:"username,omitempty"`
	UsernameEnv string `yaml:"username_env,omitempty"`
	Password    string `yaml:"password,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
}

func (h Host) hasOwnCredentials() bool {
	return h.Username != "" || h.UsernameEnv != "" || h.Password != "" || h.PasswordEnv != ""
}

// Device is a resolved inventory entry.
type Device struct {
	Name        string
	Address     string
	Site        string
	Role        string
	Model       string
	Credentials []credential.Set
}

// Target converts the entry into a pipeline device.
func (d Device) Target() pipeline.Device {
	return pipeline.Device{
		Name:        d.Name,
		Address:     d.Address,
		Credentials: append([]credential.Set(nil), d.Credentials...),
		Site:        d.Site,
		Role:        d.Role,
		Model:       d.Model,
	}
}

// Inventory is a loaded and validated inventory.
type Inventory struct {
	File    File
	Tiers   []credential.Set
	Devices []Device
}

// Load reads and validates the inventory at path.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return inv, nil
}

// Parse decodes and validates inventory YAML. Every problem found is
// reported in a single ValidationError.
func Parse(data []byte) (*Inventory, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidConfig, err)
	}

	vb := &util.ValidationBuilder{}
	inv := &Inventory{File: f}

	if len(f.Credentials) == 0 {
		vb.AddError("no credential tiers configured")
	}
	labels := make(map[string]bool)
	for i, src := range f.Credentials {
		if src.Label == "" {
			src.Label = fmt.Sprintf("TIER%d", i+1)
		}
		if labels[src.Label] {
			vb.AddErrorf("duplicate credential tier %q", src.Label)
		}
		labels[src.Label] = true
		set, err := src.Resolve()
		if err != nil {
			addValidation(vb, err)
			continue
		}
		inv.Tiers = append(inv.Tiers, set)
	}

	names := make(map[string]string)
	for _, site := range sortedKeys(f.Sites) {
		roles := f.Sites[site]
		for _, role := range sortedKeys(roles) {
			for i, h := range roles[role] {
				where := fmt.Sprintf("%s/%s[%d]", site, role, i)
				if h.Name == "" {
					vb.AddErrorf("%s: missing name", where)
				} else {
					where = fmt.Sprintf("%s/%s/%s", site, role, h.Name)
					if prev, dup := names[h.Name]; dup {
						vb.AddErrorf("%s: duplicate device name (also in %s)", where, prev)
					}
					names[h.Name] = site + "/" + role
				}
				if h.Host == "" {
					vb.AddErrorf("%s: missing host", where)
				}
				port := h.Port
				if port == 0 {
					port = DefaultPort
				}
				if port < 1 || port > 65535 {
					vb.AddErrorf("%s: invalid port %d", where, h.Port)
				}

				dev := Device{
					Name:    h.Name,
					Address: net.JoinHostPort(h.Host, strconv.Itoa(port)),
					Site:    site,
					Role:    role,
					Model:   strings.ToUpper(h.Model),
				}
				if h.hasOwnCredentials() {
					own := credential.EnvSource{
						Label:       DeviceTierLabel,
						Username:    h.Username,
						UsernameEnv: h.UsernameEnv,
						Password:    h.Password,
						PasswordEnv: h.PasswordEnv,
					}
					set, err := own.Resolve()
					if err != nil {
						vb.AddErrorf("%s: %v", where, err)
					} else {
						dev.Credentials = append(dev.Credentials, set)
					}
				}
				dev.Credentials = append(dev.Credentials, inv.Tiers...)
				inv.Devices = append(inv.Devices, dev)
			}
		}
	}
	if len(inv.Devices) == 0 {
		vb.AddError("no devices configured")
	}

	if err := vb.Build(); err != nil {
		return nil, err
	}
	return inv, nil
}

// addValidation folds the messages of a nested ValidationError into vb.
func addValidation(vb *util.ValidationBuilder, err error) {
	var ve *util.ValidationError
	if errors.As(err, &ve) {
		for _, m := range ve.Errors {
			vb.AddError(m)
		}
		return
	}
	vb.AddError(err.Error())
}

// AppendTier adds a credential tier after every existing tier, for all
// devices. Used for the interactive PROMPT tier.
func (inv *Inventory) AppendTier(set credential.Set) {
	inv.Tiers = append(inv.Tiers, set)
	for i := range inv.Devices {
		inv.Devices[i].Credentials = append(inv.Devices[i].Credentials, set)
	}
}

// Select returns the devices of site whose name is in names. An empty site
// selects every site and site names match regardless of case. Empty names
// selects every device.
func (inv *Inventory) Select(site string, names []string) ([]Device, error) {
	if site != "" {
		canonical, ok := inv.site(site)
		if !ok {
			return nil, fmt.Errorf("site %q: %w", site, util.ErrNotFound)
		}
		site = canonical
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []Device
	for _, d := range inv.Devices {
		if site != "" && d.Site != site {
			continue
		}
		if len(want) > 0 && !want[d.Name] {
			continue
		}
		delete(want, d.Name)
		out = append(out, d)
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for n := range want {
			missing = append(missing, n)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("device %s: %w", strings.Join(missing, ", "), util.ErrNotFound)
	}
	return out, nil
}

// site matches name against the configured sites, ignoring case.
func (inv *Inventory) site(name string) (string, bool) {
	for s := range inv.File.Sites {
		if strings.EqualFold(s, name) {
			return s, true
		}
	}
	return "", false
}

// Device returns the named device.
func (inv *Inventory) Device(name string) (Device, error) {
	for _, d := range inv.Devices {
		if d.Name == name {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("device %q: %w", name, util.ErrNotFound)
}

// Sites returns the site names in sorted order.
func (inv *Inventory) Sites() []string {
	return sortedKeys(inv.File.Sites)
}

// Save writes f as YAML to path.
func Save(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding inventory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing inventory: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
