package inventory

import (
	"strings"

	"github.com/newtron-network/newtlife/pkg/util"
)

// defaultModelFolders maps known models to their image folder.
var defaultModelFolders = map[string]string{
	"QFX5120-48Y":     "QFX5120-Y",
	"QFX5120-48Y-8C":  "QFX5120-Y",
	"QFX5120-48YM-8C": "QFX5120-YM",
	"QFX5120-48YM":    "QFX5120-YM",
	"EX4300-48P":      "EX4300",
	"EX4300":          "EX4300",
	"EX4400-48T":      "EX4400",
	"EX4400":          "EX4400",
}

// ModelFolder returns the image folder for model. Configured folders take
// precedence over the built-in map. ok is false for unknown models.
func (c UpgradeConfig) ModelFolder(model string) (folder string, ok bool) {
	model = strings.ToUpper(strings.TrimSpace(model))
	for k, v := range c.ModelFolders {
		if strings.EqualFold(k, model) {
			return v, true
		}
	}
	folder, ok = defaultModelFolders[model]
	return folder, ok
}

// Validate checks the settings the upgrade workflow cannot run without.
// skipTransfer relaxes the image root requirement when an explicit image
// name is configured.
func (c UpgradeConfig) Validate(skipTransfer bool) error {
	vb := &util.ValidationBuilder{}
	vb.Add(c.TargetVersion != "", "upgrade.target_version is required")
	switch {
	case c.ImageRoot != "":
	case skipTransfer && c.Image != "":
	default:
		vb.AddError("upgrade.image_root is required unless the transfer is skipped with an explicit image")
	}
	if c.RemoteDir != "" && !strings.HasPrefix(c.RemoteDir, "/") {
		vb.AddErrorf("upgrade.remote_dir %q must be absolute", c.RemoteDir)
	}
	return vb.Build()
}
