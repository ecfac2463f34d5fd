package exporter

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/sqs-entity-resolution/internal/infra/config"
)

// ContentType is the MIME type of export artifacts.
const ContentType = "application/jsonl"

const keyTimeLayout = "2006-01-02T15:04:05"

// ObjectKey names the artifact for a run started at t, e.g.
// exporter-outputs/2025-10-07T23:15:54-UTC-exporter-output-delta.json.
func ObjectKey(folder string, mode config.ExportMode, t time.Time) string {
	name := fmt.Sprintf("%s-UTC-exporter-output-%s.json", t.UTC().Format(keyTimeLayout), mode)
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return name
	}
	return folder + "/" + name
}
