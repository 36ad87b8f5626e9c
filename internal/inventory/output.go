package inventory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gosimple/slug"

	"github.com/scttfrdmn/aws-distro-inventory/pkg/types"
)

// OutputFileName returns IMAGEID_name_description.txt with the image name
// and description reduced to file-name-safe slugs.
func OutputFileName(info types.InstanceInfo) string {
	return fmt.Sprintf("%s_%s_%s.txt", info.ImageID, slug.Make(info.ImageName), slug.Make(info.ImageDescription))
}

func writeInventory(dir string, info types.InstanceInfo, output string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, OutputFileName(info))
	if err := os.WriteFile(path, []byte(output), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
