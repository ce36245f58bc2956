package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

func localStorageFullpath(baseDir, bucket, key string) (string, error) {
	path := filepath.Join(baseDir, bucket, key)
	if path != baseDir && !strings.HasPrefix(path, baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("object path %s/%s escapes storage directory", bucket, key)
	}
	return path, nil
}
