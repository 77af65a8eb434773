package upgrade

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/newtron-network/newtlife/pkg/inventory"
	"github.com/newtron-network/newtlife/pkg/util"
)

// ImageExt is the extension of installable software packages.
const ImageExt = ".tgz"

// Image is a local software package.
type Image struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// ChooseFunc picks one of the candidate images for a model. Candidates are
// ordered newest first.
type ChooseFunc func(model string, candidates []Image) (Image, error)

// Newest picks the first candidate.
func Newest(_ string, candidates []Image) (Image, error) {
	if len(candidates) == 0 {
		return Image{}, fmt.Errorf("no images: %w", util.ErrNotFound)
	}
	return candidates[0], nil
}

// ListImages returns the packages in dir, newest first.
func ListImages(dir string) ([]Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	var images []Image
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ImageExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		images = append(images, Image{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.SliceStable(images, func(i, j int) bool {
		if !images[i].ModTime.Equal(images[j].ModTime) {
			return images[i].ModTime.After(images[j].ModTime)
		}
		return images[i].Name > images[j].Name
	})
	return images, nil
}

// SelectImage resolves the package to install on model. An explicit
// cfg.Image wins: absolute paths are used as-is, bare names are looked up
// in the model folder and then in the image root. Otherwise the model
// folder is listed and choose picks among its packages.
func SelectImage(cfg inventory.UpgradeConfig, model string, choose ChooseFunc) (Image, error) {
	if choose == nil {
		choose = Newest
	}
	folder, known := cfg.ModelFolder(model)

	if cfg.Image != "" {
		var candidates []string
		if filepath.IsAbs(cfg.Image) {
			candidates = []string{cfg.Image}
		} else {
			if known {
				candidates = append(candidates, filepath.Join(cfg.ImageRoot, folder, cfg.Image))
			}
			candidates = append(candidates, filepath.Join(cfg.ImageRoot, cfg.Image))
		}
		for _, p := range candidates {
			info, err := os.Stat(p)
			if err == nil && !info.IsDir() {
				return Image{Name: filepath.Base(p), Path: p, Size: info.Size(), ModTime: info.ModTime()}, nil
			}
		}
		return Image{}, fmt.Errorf("image %s: %w", cfg.Image, util.ErrNotFound)
	}

	if !known {
		return Image{}, fmt.Errorf("model %q has no image folder: %w", model, util.ErrUnsupportedDeviceModel)
	}
	dir := filepath.Join(cfg.ImageRoot, folder)
	images, err := ListImages(dir)
	if err != nil {
		return Image{}, err
	}
	if len(images) == 0 {
		return Image{}, fmt.Errorf("no %s packages in %s: %w", ImageExt, dir, util.ErrNotFound)
	}
	return choose(model, images)
}
