// Package androidgenericmedia implements the catch-all provider that
// walks /sdcard for image/video files not claimed by any more specific
// provider, classifying each by its containing directory.
package androidgenericmedia

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/saamiyaaqeel/rime/internal/app/providers"
	"github.com/saamiyaaqeel/rime/internal/domain/contact"
	"github.com/saamiyaaqeel/rime/internal/domain/event"
	"github.com/saamiyaaqeel/rime/internal/domain/filter"
	rmedia "github.com/saamiyaaqeel/rime/internal/domain/media"
	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
)

const (
	Name         = "android-generic-media"
	FriendlyName = "Android Generic Media"

	// fileHeaderGuessLength is read from each candidate file to sniff
	// its content type; http.DetectContentType needs at most 512 bytes.
	fileHeaderGuessLength = 512

	sdcardRoot = "/sdcard"
)

// directoryProviderInfo attributes media found under a known directory
// prefix to a specific (possibly synthetic) provider contact, mirroring
// _DIRENTRY_TO_PROVIDER_PREFIXES.
type directoryProviderInfo struct {
	providerName  string
	isUserContent bool
}

var directoryPrefixes = map[string]directoryProviderInfo{
	"/sdcard/Android/data/com.hmdglobal.camera2/": {"android-com.hmdglobal.camera2", false},
	"/sdcard/DCIM/Camera/":                        {"android-com.android.camera", true},
	"/sdcard/WhatsApp/Media/":                     {"android-com.whatsapp.android", true},
	"/sdcard/com.whatsapp/files/":                 {"android-com.whatsapp.android", false},
}

func guessProviderForCategory(category string) (directoryProviderInfo, bool) {
	for prefix, info := range directoryPrefixes {
		if strings.HasPrefix(category+"/", prefix) {
			return info, true
		}
	}
	return directoryProviderInfo{}, false
}

func dirname(filename string) string {
	i := strings.LastIndex(filename, "/")
	if i < 0 {
		return "/"
	}
	return filename[:i]
}

func init() {
	providers.Register(Name, FromFilesystem)
}

type mediaMeta struct {
	entry    rfs.DirEntry
	mimeType string
}

// Provider is the catch-all android media scanner; it always recognises
// a filesystem (it has nothing to check for), matching the original's
// unconditional from_filesystem.
type Provider struct {
	fsys rfs.DeviceFilesystem

	mu       sync.Mutex
	built    bool
	metadata map[string]mediaMeta // path -> metadata
}

func FromFilesystem(fsys rfs.DeviceFilesystem) (providers.Provider, error) {
	return &Provider{fsys: fsys, metadata: map[string]mediaMeta{}}, nil
}

func (p *Provider) Name() string                   { return Name }
func (p *Provider) FriendlyName() string           { return FriendlyName }
func (p *Provider) PIIFields() providers.PIIFields { return providers.PIIFields{} }

func (p *Provider) buildCache() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.built {
		return nil
	}
	p.built = true

	if !p.fsys.Exists(sdcardRoot) {
		return nil
	}

	entries, errs := rfs.Walk(p.fsys, sdcardRoot)
	for entry := range entries {
		f, err := p.fsys.Open(entry.Path)
		if err != nil {
			continue
		}
		buf := make([]byte, fileHeaderGuessLength)
		n, _ := f.Read(buf)
		f.Close()
		if n == 0 {
			continue
		}
		mimeType := http.DetectContentType(buf[:n])
		p.metadata[entry.Path] = mediaMeta{entry: entry, mimeType: mimeType}
	}
	if err := <-errs; err != nil {
		return err
	}
	return nil
}

// syntheticSender, given sender attribution logic from providers, needs
// access to the owning device's synthetic contacts; since this provider
// package cannot import domain/device (cycle), it falls back to
// constructing the same well-known synthetic contact shapes directly,
// keyed identically to device.Device's.
func (p *Provider) syntheticSender(info directoryProviderInfo, haveInfo bool) *contact.Contact {
	deviceID := p.fsys.ID()
	if haveInfo && !info.isUserContent {
		return &contact.Contact{
			LocalID:      "synthetic:" + info.providerName,
			DeviceID:     deviceID,
			ProviderName: info.providerName,
			Name:         contact.Name{Display: info.providerName + " (non-user content)"},
		}
	}
	return &contact.Contact{
		LocalID:  "synthetic:unknown",
		DeviceID: deviceID,
		Name:     contact.Name{Display: "Unknown"},
	}
}

func (p *Provider) SearchEvents(ctx context.Context, f filter.Events) (<-chan event.Event, <-chan error) {
	out := make(chan event.Event)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		if err := p.buildCache(); err != nil {
			errs <- err
			return
		}

		p.mu.Lock()
		items := make([]mediaMeta, 0, len(p.metadata))
		for _, m := range p.metadata {
			items = append(items, m)
		}
		p.mu.Unlock()

		for _, m := range items {
			if !strings.HasPrefix(m.mimeType, "image/") && !strings.HasPrefix(m.mimeType, "video/") {
				continue
			}
			category := dirname(m.entry.Path)
			info, haveInfo := guessProviderForCategory(category)
			isUserGenerated := true
			if haveInfo && !info.isUserContent {
				isUserGenerated = false
			}

			ev := event.MediaEvent{
				Base: event.Base{
					ID:               m.entry.Path,
					Timestamp:        m.entry.ModTime,
					ProviderName:     Name,
					ProviderFriendly: FriendlyName,
					GenericEventInfo: &event.GenericEventInfo{Category: category, IsUserGenerated: isUserGenerated},
				},
				Media:  event.Media{MimeType: m.mimeType, LocalID: m.entry.Path},
				Sender: p.syntheticSender(info, haveInfo),
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return out, errs
}

func (p *Provider) SearchContacts(ctx context.Context, f filter.Contacts) ([]contact.Contact, error) {
	return nil, nil
}

func (p *Provider) GetMedia(ctx context.Context, localID string) (*rmedia.Data, error) {
	if err := p.buildCache(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	m, ok := p.metadata[localID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("androidgenericmedia: no media found for %s", localID)
	}
	handle, err := p.fsys.Open(localID)
	if err != nil {
		return nil, err
	}
	return &rmedia.Data{MimeType: m.mimeType, Handle: handle, Length: m.entry.Size}, nil
}

// Subset copies the backing file of every MediaEvent belonging to this
// provider into the output filesystem. The original leaves this as a
// no-op (spec's supplemented "generic media subsetting" feature); a
// subset with generic media events but none of their bytes would be
// self-inconsistent, so this copies the real file content.
func (p *Provider) Subset(ctx context.Context, s providers.Subsetter, events []event.Event, contacts []contact.Contact) error {
	for _, ev := range events {
		m, ok := ev.(event.MediaEvent)
		if !ok || m.ProviderName != Name {
			continue
		}
		handle, err := p.fsys.Open(m.LocalID)
		if err != nil {
			continue
		}
		err = s.CopyFile(handle, m.LocalID)
		handle.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
