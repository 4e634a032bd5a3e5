package services

import (
	"context"
	"fmt"

	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
	"github.com/saamiyaaqeel/rime/pkg/storage"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// ExportService streams a finalised, locked subset device's files to an
// S3-compatible bucket for handoff, the disclosure path named by
// spec.md's description of the subsetter's output ("subset devices
// suitable for disclosure"). It has no Python counterpart: the original
// leaves a disclosure subset on local disk only.
type ExportService struct {
	storage storage.Service
	log     waLog.Logger
}

func NewExportService(store storage.Service, log waLog.Logger) *ExportService {
	return &ExportService{storage: store, log: log}
}

// Enabled reports whether an export backend is configured.
func (e *ExportService) Enabled() bool {
	return e != nil && e.storage != nil
}

// ExportResult maps each exported file's logical path, relative to the
// subset device's root, to the URL the storage backend returned for it.
type ExportResult struct {
	DeviceID string
	URLs     map[string]string
}

// Export streams every file under the subset device's root into the
// configured bucket, under the key prefix deviceID/<logical path>. The
// caller is responsible for only calling this once a subset device has
// reached FINALISED (its filesystem is locked and complete).
func (e *ExportService) Export(ctx context.Context, deviceID string, fsys rfs.DeviceFilesystem) (*ExportResult, error) {
	if !e.Enabled() {
		return nil, fmt.Errorf("services: export storage is not configured")
	}
	if !fsys.IsLocked() {
		return nil, fmt.Errorf("services: refusing to export device %s: filesystem is not locked", deviceID)
	}

	entries, errs := rfs.Walk(fsys, "")
	result := &ExportResult{DeviceID: deviceID, URLs: map[string]string{}}

	for entry := range entries {
		if err := e.exportFile(ctx, deviceID, fsys, entry, result); err != nil {
			return nil, err
		}
	}
	if err := <-errs; err != nil {
		return nil, fmt.Errorf("services: walk device %s for export: %w", deviceID, err)
	}

	e.log.Infof("exported %d file(s) for device %s", len(result.URLs), deviceID)
	return result, nil
}

func (e *ExportService) exportFile(ctx context.Context, deviceID string, fsys rfs.DeviceFilesystem, entry rfs.DirEntry, result *ExportResult) error {
	r, err := fsys.Open(entry.Path)
	if err != nil {
		return fmt.Errorf("services: open %s for export: %w", entry.Path, err)
	}
	defer r.Close()

	key := deviceID + "/" + entry.Path
	url, err := e.storage.PutObject(ctx, storage.UploadInput{
		Key:  key,
		Body: r,
		Size: entry.Size,
	})
	if err != nil {
		return fmt.Errorf("services: upload %s for export: %w", entry.Path, err)
	}
	result.URLs[entry.Path] = url
	return nil
}
