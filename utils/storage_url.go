package utils

import (
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

func BuildObjectAccessURL(objectKey string) string {
	base := strings.TrimSpace(os.Getenv("STORAGE_ACCESS_BASE_URL"))
	if base != "" {
		if strings.Contains(base, "{objectKey}") {
			escaped := objectKey
			if strings.Contains(base, "?") {
				escaped = url.QueryEscape(objectKey)
			}
			return strings.ReplaceAll(base, "{objectKey}", escaped)
		}
		if strings.Contains(base, "?") {
			return base + url.QueryEscape(objectKey)
		}
		return strings.TrimRight(base, "/") + "/" + objectKey
	}

	gcsURL := strings.TrimSpace(os.Getenv("GCS_URL"))
	gcsBucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if gcsURL != "" && gcsBucket != "" {
		return "https://" + gcsURL + "/" + gcsBucket + "/" + objectKey
	}

	return objectKey
}

// ReportObjectKey places a generated report under prefix, stamped with the generation time so
// reruns never overwrite an earlier export.
func ReportObjectKey(prefix, name string, at time.Time) string {
	stamped := at.UTC().Format("20060102-150405") + "_" + name
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return stamped
	}
	return path.Join(prefix, stamped)
}
